package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// RawReceipt is the opaque signed proof of purchase issued by the storefront.
// It is replaced wholesale on refresh and never mutated in place.
type RawReceipt struct {
	Data        []byte
	RetrievedAt time.Time
}

func NewRawReceipt(data []byte, retrievedAt time.Time) *RawReceipt {
	return (&RawReceipt{Data: data, RetrievedAt: retrievedAt}).Clone()
}

func (r *RawReceipt) IsEmpty() bool {
	return r == nil || len(r.Data) == 0
}

// ID is a stable identifier for the receipt contents, suitable for logging.
func (r *RawReceipt) ID() string {
	if r == nil {
		return ""
	}
	hasher := sha256.New()
	hasher.Write(r.Data)
	return hex.EncodeToString(hasher.Sum(nil))
}

func (r *RawReceipt) Clone() *RawReceipt {
	if r == nil {
		return nil
	}
	return &RawReceipt{
		Data:        append([]byte(nil), r.Data...),
		RetrievedAt: r.RetrievedAt,
	}
}
