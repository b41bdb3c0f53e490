package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/code-payments/flipchat-entitlements/iap"
	"github.com/code-payments/flipchat-entitlements/model"
)

type InMemoryStore struct {
	mu        sync.RWMutex
	receipt   *model.RawReceipt
	states    map[string]*model.EntitlementState
	finalized map[string]any
}

func NewInMemory() iap.Store {
	return &InMemoryStore{
		states:    make(map[string]*model.EntitlementState),
		finalized: make(map[string]any),
	}
}

func (s *InMemoryStore) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.receipt = nil
	s.states = make(map[string]*model.EntitlementState)
	s.finalized = make(map[string]any)
}

func (s *InMemoryStore) GetReceipt(_ context.Context) (*model.RawReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.receipt == nil {
		return nil, iap.ErrNotFound
	}
	return s.receipt.Clone(), nil
}

func (s *InMemoryStore) ReplaceReceipt(_ context.Context, receipt *model.RawReceipt, states []*model.EntitlementState) error {
	// Build the replacement outside the lock so readers only ever see the old
	// or the new mapping.
	replacement := make(map[string]*model.EntitlementState, len(states))
	for _, state := range states {
		replacement[state.Product.ID] = state.Clone()
	}
	cloned := receipt.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.receipt = cloned
	s.states = replacement

	return nil
}

func (s *InMemoryStore) GetEntitlement(_ context.Context, productID string) (*model.EntitlementState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.states[productID]
	if !ok {
		return nil, iap.ErrNotFound
	}
	return state.Clone(), nil
}

func (s *InMemoryStore) GetEntitlements(_ context.Context) ([]*model.EntitlementState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	states := make([]*model.EntitlementState, 0, len(s.states))
	for _, state := range s.states {
		states = append(states, state.Clone())
	}

	sort.Slice(states, func(i, j int) bool {
		return states[i].Product.ID < states[j].Product.ID
	})
	return states, nil
}

func (s *InMemoryStore) PutEntitlement(_ context.Context, state *model.EntitlementState) error {
	cloned := state.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[state.Product.ID] = cloned
	return nil
}

func (s *InMemoryStore) IsFinalized(_ context.Context, transactionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.finalized[transactionID]
	return ok, nil
}

func (s *InMemoryStore) MarkFinalized(_ context.Context, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.finalized[transactionID]; ok {
		return iap.ErrAlreadyFinalized
	}

	s.finalized[transactionID] = struct{}{}

	return nil
}
