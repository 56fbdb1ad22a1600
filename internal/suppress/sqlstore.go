package suppress

import (
	"context"
	"database/sql"
	"errors"

	"triageline/internal/domain"
	"triageline/internal/repo"
)

// SQLStore backs the engine with the suppression_rules table.
type SQLStore struct {
	Repo repo.Repo
}

func (s SQLStore) Find(ctx context.Context, key string) (domain.SuppressionRule, bool, error) {
	rule, err := s.Repo.GetSuppressionRule(ctx, key)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.SuppressionRule{}, false, nil
	}
	if err != nil {
		return domain.SuppressionRule{}, false, err
	}
	return rule, true, nil
}

func (s SQLStore) Insert(ctx context.Context, tx *sql.Tx, rule domain.SuppressionRule) error {
	return s.Repo.InsertSuppressionRuleTx(ctx, tx, rule)
}

func (s SQLStore) Delete(ctx context.Context, key string) error {
	return s.Repo.DeleteSuppressionRule(ctx, key)
}
