package lifecycle

import (
	"context"
	"fmt"
	"time"

	"salescrm/api/internal/store"
)

// AssignCode gives a freshly inserted row its human code, built from the
// calendar day of its created_at in loc. It must run inside the inserting
// transaction and is not idempotent.
func AssignCode(ctx context.Context, repo Repository, scope store.Scope, id int64, loc *time.Location) (string, error) {
	if loc == nil {
		loc = time.UTC
	}
	createdAt, err := repo.CreatedAt(ctx, scope.Entity(), id)
	if err != nil {
		return "", err
	}
	day := createdAt.In(loc)
	seq, err := repo.NextSequence(ctx, scope, day)
	if err != nil {
		return "", err
	}
	code := store.FormatCode(scope, day, seq)
	if err := repo.SetCode(ctx, scope.Entity(), id, code); err != nil {
		return "", fmt.Errorf("assign code %s: %w", code, err)
	}
	return code, nil
}
