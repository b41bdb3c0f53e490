package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jmoiron/sqlx"

	"github.com/code-payments/flipchat-entitlements/iap"
	"github.com/code-payments/flipchat-entitlements/model"
)

const DefaultNamespace = "default"

type store struct {
	db        *sqlx.DB
	namespace string
}

// NewInPostgres returns a Store backed by the entitlement tables. Rows are
// scoped by namespace so several installations can share a database.
func NewInPostgres(db *sql.DB, namespace string) iap.Store {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &store{
		db:        sqlx.NewDb(db, "pgx"),
		namespace: namespace,
	}
}

func (s *store) reset() {
	ctx := context.Background()

	for _, table := range []string{receiptTable, stateTable, finalizedTable} {
		_, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE "namespace" = $1`, s.namespace)
		if err != nil {
			panic(err)
		}
	}
}

func (s *store) GetReceipt(ctx context.Context) (*model.RawReceipt, error) {
	var m receiptModel
	query := `SELECT "namespace", "receiptId", "data", "retrievedAt", "updatedAt" FROM ` + receiptTable + ` WHERE "namespace" = $1`
	err := s.db.GetContext(ctx, &m, query, s.namespace)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, iap.ErrNotFound
	} else if err != nil {
		return nil, err
	}

	return fromReceiptModel(&m)
}

func (s *store) ReplaceReceipt(ctx context.Context, receipt *model.RawReceipt, states []*model.EntitlementState) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		} else if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	rm := toReceiptModel(s.namespace, receipt)
	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO `+receiptTable+` ("namespace", "receiptId", "data", "retrievedAt", "updatedAt")
		VALUES (:namespace, :receiptId, :data, :retrievedAt, :updatedAt)
		ON CONFLICT ("namespace") DO UPDATE SET
			"receiptId" = EXCLUDED."receiptId",
			"data" = EXCLUDED."data",
			"retrievedAt" = EXCLUDED."retrievedAt",
			"updatedAt" = EXCLUDED."updatedAt"
	`, rm)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM `+stateTable+` WHERE "namespace" = $1`, s.namespace)
	if err != nil {
		return err
	}

	for _, state := range states {
		if err = upsertState(ctx, tx, toStateModel(s.namespace, state)); err != nil {
			return err
		}
	}

	return nil
}

func (s *store) GetEntitlement(ctx context.Context, productID string) (*model.EntitlementState, error) {
	var m stateModel
	query := `SELECT * FROM ` + stateTable + ` WHERE "namespace" = $1 AND "productId" = $2`
	err := s.db.GetContext(ctx, &m, query, s.namespace, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, iap.ErrNotFound
	} else if err != nil {
		return nil, err
	}

	return fromStateModel(&m), nil
}

func (s *store) GetEntitlements(ctx context.Context) ([]*model.EntitlementState, error) {
	var models []*stateModel
	query := `SELECT * FROM ` + stateTable + ` WHERE "namespace" = $1 ORDER BY "productId" ASC`
	if err := s.db.SelectContext(ctx, &models, query, s.namespace); err != nil {
		return nil, err
	}

	states := make([]*model.EntitlementState, len(models))
	for i, m := range models {
		states[i] = fromStateModel(m)
	}
	return states, nil
}

func (s *store) PutEntitlement(ctx context.Context, state *model.EntitlementState) error {
	return upsertState(ctx, s.db, toStateModel(s.namespace, state))
}

func (s *store) IsFinalized(ctx context.Context, transactionID string) (bool, error) {
	var count int
	query := `SELECT COUNT(*) FROM ` + finalizedTable + ` WHERE "namespace" = $1 AND "transactionId" = $2`
	if err := s.db.GetContext(ctx, &count, query, s.namespace, transactionID); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *store) MarkFinalized(ctx context.Context, transactionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+finalizedTable+` ("namespace", "transactionId", "createdAt")
		VALUES ($1, $2, $3)
	`, s.namespace, transactionID, time.Now().UTC())
	if isUniqueViolation(err) {
		return iap.ErrAlreadyFinalized
	}
	return err
}

func upsertState(ctx context.Context, e sqlx.ExtContext, m *stateModel) error {
	_, err := sqlx.NamedExecContext(ctx, e, `
		INSERT INTO `+stateTable+` ("namespace", "productId", "kind", "status", "transactionId", "expiresAt", "expiredAt", "evaluatedAt", "updatedAt")
		VALUES (:namespace, :productId, :kind, :status, :transactionId, :expiresAt, :expiredAt, :evaluatedAt, :updatedAt)
		ON CONFLICT ("namespace", "productId") DO UPDATE SET
			"kind" = EXCLUDED."kind",
			"status" = EXCLUDED."status",
			"transactionId" = EXCLUDED."transactionId",
			"expiresAt" = EXCLUDED."expiresAt",
			"expiredAt" = EXCLUDED."expiredAt",
			"evaluatedAt" = EXCLUDED."evaluatedAt",
			"updatedAt" = EXCLUDED."updatedAt"
	`, m)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
