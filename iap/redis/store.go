package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/code-payments/flipchat-entitlements/iap"
	"github.com/code-payments/flipchat-entitlements/model"
)

const DefaultNamespace = "default"

type store struct {
	client    redis.UniversalClient
	namespace string
}

// NewInRedis returns a Store that keeps the receipt, the state hash and the
// finalized set under keys prefixed with entitlements:<namespace>.
func NewInRedis(client redis.UniversalClient, namespace string) iap.Store {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &store{
		client:    client,
		namespace: namespace,
	}
}

type receiptRecord struct {
	Data        []byte    `json:"data"`
	RetrievedAt time.Time `json:"retrieved_at"`
}

type stateRecord struct {
	ProductID     string     `json:"product_id"`
	Kind          uint8      `json:"kind"`
	Status        uint8      `json:"status"`
	TransactionID string     `json:"transaction_id,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	ExpiredAt     *time.Time `json:"expired_at,omitempty"`
	EvaluatedAt   time.Time  `json:"evaluated_at"`
}

func (s *store) receiptKey() string {
	return "entitlements:" + s.namespace + ":receipt"
}

func (s *store) statesKey() string {
	return "entitlements:" + s.namespace + ":states"
}

func (s *store) finalizedKey() string {
	return "entitlements:" + s.namespace + ":finalized"
}

func (s *store) reset() {
	err := s.client.Del(context.Background(), s.receiptKey(), s.statesKey(), s.finalizedKey()).Err()
	if err != nil {
		panic(err)
	}
}

func (s *store) GetReceipt(ctx context.Context) (*model.RawReceipt, error) {
	val, err := s.client.Get(ctx, s.receiptKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, iap.ErrNotFound
	} else if err != nil {
		return nil, err
	}

	var record receiptRecord
	if err := json.Unmarshal(val, &record); err != nil {
		return nil, err
	}
	return &model.RawReceipt{
		Data:        record.Data,
		RetrievedAt: record.RetrievedAt.UTC(),
	}, nil
}

func (s *store) ReplaceReceipt(ctx context.Context, receipt *model.RawReceipt, states []*model.EntitlementState) error {
	encodedReceipt, err := json.Marshal(&receiptRecord{
		Data:        receipt.Data,
		RetrievedAt: receipt.RetrievedAt.UTC(),
	})
	if err != nil {
		return err
	}

	fields := make([]any, 0, 2*len(states))
	for _, state := range states {
		encoded, err := encodeState(state)
		if err != nil {
			return err
		}
		fields = append(fields, state.Product.ID, encoded)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.receiptKey(), encodedReceipt, 0)
		pipe.Del(ctx, s.statesKey())
		if len(fields) > 0 {
			pipe.HSet(ctx, s.statesKey(), fields...)
		}
		return nil
	})
	return err
}

func (s *store) GetEntitlement(ctx context.Context, productID string) (*model.EntitlementState, error) {
	val, err := s.client.HGet(ctx, s.statesKey(), productID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, iap.ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return decodeState(val)
}

func (s *store) GetEntitlements(ctx context.Context) ([]*model.EntitlementState, error) {
	all, err := s.client.HGetAll(ctx, s.statesKey()).Result()
	if err != nil {
		return nil, err
	}

	states := make([]*model.EntitlementState, 0, len(all))
	for _, val := range all {
		state, err := decodeState([]byte(val))
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}

	sort.Slice(states, func(i, j int) bool {
		return states[i].Product.ID < states[j].Product.ID
	})
	return states, nil
}

func (s *store) PutEntitlement(ctx context.Context, state *model.EntitlementState) error {
	encoded, err := encodeState(state)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.statesKey(), state.Product.ID, encoded).Err()
}

func (s *store) IsFinalized(ctx context.Context, transactionID string) (bool, error) {
	return s.client.SIsMember(ctx, s.finalizedKey(), transactionID).Result()
}

func (s *store) MarkFinalized(ctx context.Context, transactionID string) error {
	added, err := s.client.SAdd(ctx, s.finalizedKey(), transactionID).Result()
	if err != nil {
		return err
	}
	if added == 0 {
		return iap.ErrAlreadyFinalized
	}
	return nil
}

func encodeState(state *model.EntitlementState) ([]byte, error) {
	return json.Marshal(&stateRecord{
		ProductID:     state.Product.ID,
		Kind:          uint8(state.Product.Kind),
		Status:        uint8(state.Status),
		TransactionID: state.TransactionID,
		ExpiresAt:     state.ExpiresAt,
		ExpiredAt:     state.ExpiredAt,
		EvaluatedAt:   state.EvaluatedAt.UTC(),
	})
}

func decodeState(val []byte) (*model.EntitlementState, error) {
	var record stateRecord
	if err := json.Unmarshal(val, &record); err != nil {
		return nil, err
	}
	return &model.EntitlementState{
		Product: model.ProductRef{
			ID:   record.ProductID,
			Kind: model.ProductKind(record.Kind),
		},
		Status:        model.EntitlementStatus(record.Status),
		TransactionID: record.TransactionID,
		ExpiresAt:     record.ExpiresAt,
		ExpiredAt:     record.ExpiredAt,
		EvaluatedAt:   record.EvaluatedAt,
	}, nil
}
