package suppress

import (
	"context"
	"database/sql"
	"sync"

	"triageline/internal/domain"
)

// MemStore is an in-memory RuleStore for tests. It ignores the transaction
// argument; callers that need rollback semantics use the SQL store.
type MemStore struct {
	mu    sync.Mutex
	rules map[string]domain.SuppressionRule
}

func NewMemStore() *MemStore {
	return &MemStore{rules: map[string]domain.SuppressionRule{}}
}

func (m *MemStore) Find(ctx context.Context, key string) (domain.SuppressionRule, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.rules[key]
	return rule, ok, nil
}

func (m *MemStore) Insert(ctx context.Context, _ *sql.Tx, rule domain.SuppressionRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rule.SuppressionKey] = rule
	return nil
}

func (m *MemStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rules, key)
	return nil
}
