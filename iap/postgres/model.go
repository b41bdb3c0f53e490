package postgres

import (
	"database/sql"
	"time"

	pg "github.com/code-payments/flipchat-entitlements/database/postgres"
	"github.com/code-payments/flipchat-entitlements/model"
)

const (
	receiptTable   = "entitlement_receipts"
	stateTable     = "entitlement_states"
	finalizedTable = "entitlement_finalized_transactions"
)

// receiptModel maps to the entitlement_receipts table
type receiptModel struct {
	Namespace   string    `db:"namespace"`
	ReceiptID   string    `db:"receiptId"`
	Data        string    `db:"data"`
	RetrievedAt time.Time `db:"retrievedAt"`
	UpdatedAt   time.Time `db:"updatedAt"`
}

// stateModel maps to the entitlement_states table
type stateModel struct {
	Namespace     string         `db:"namespace"`
	ProductID     string         `db:"productId"`
	Kind          int16          `db:"kind"`
	Status        int16          `db:"status"`
	TransactionID sql.NullString `db:"transactionId"`
	ExpiresAt     sql.NullTime   `db:"expiresAt"`
	ExpiredAt     sql.NullTime   `db:"expiredAt"`
	EvaluatedAt   time.Time      `db:"evaluatedAt"`
	UpdatedAt     time.Time      `db:"updatedAt"`
}

func toReceiptModel(namespace string, receipt *model.RawReceipt) *receiptModel {
	return &receiptModel{
		Namespace:   namespace,
		ReceiptID:   receipt.ID(),
		Data:        pg.Encode(receipt.Data),
		RetrievedAt: receipt.RetrievedAt.UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
}

func fromReceiptModel(m *receiptModel) (*model.RawReceipt, error) {
	data, err := pg.Decode(m.Data)
	if err != nil {
		return nil, err
	}
	return &model.RawReceipt{
		Data:        data,
		RetrievedAt: m.RetrievedAt.UTC(),
	}, nil
}

func toStateModel(namespace string, state *model.EntitlementState) *stateModel {
	return &stateModel{
		Namespace:     namespace,
		ProductID:     state.Product.ID,
		Kind:          int16(state.Product.Kind),
		Status:        int16(state.Status),
		TransactionID: pg.NullString(state.TransactionID),
		ExpiresAt:     pg.NullTime(state.ExpiresAt),
		ExpiredAt:     pg.NullTime(state.ExpiredAt),
		EvaluatedAt:   state.EvaluatedAt.UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
}

func fromStateModel(m *stateModel) *model.EntitlementState {
	return &model.EntitlementState{
		Product: model.ProductRef{
			ID:   m.ProductID,
			Kind: model.ProductKind(m.Kind),
		},
		Status:        model.EntitlementStatus(m.Status),
		TransactionID: m.TransactionID.String,
		ExpiresAt:     pg.TimeFromNull(m.ExpiresAt),
		ExpiredAt:     pg.TimeFromNull(m.ExpiredAt),
		EvaluatedAt:   m.EvaluatedAt.UTC(),
	}
}
