package model

import (
	"fmt"

	"github.com/google/uuid"
)

func GenerateRequestID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}

	return id.String(), nil
}

func MustGenerateRequestID() string {
	id, err := GenerateRequestID()
	if err != nil {
		panic(fmt.Sprintf("failed to generate request id: %v", err))
	}

	return id
}

func MustGenerateTransactionID() string {
	return "txn-" + uuid.NewString()
}
