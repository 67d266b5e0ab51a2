package store

import (
	"context"
	"fmt"
)

// systemColumns are owned by the store and never accepted from callers.
var systemColumns = map[string]struct{}{
	"id":         {},
	"code":       {},
	"created_at": {},
	"updated_at": {},
	"deleted_at": {},
}

// WritableColumns lists the caller-writable columns of entity, read once from
// information_schema and cached for the life of the store.
func (s *PostgresStore) WritableColumns(ctx context.Context, entity Entity) ([]string, error) {
	table := entity.Table()
	if table == "" {
		return nil, fmt.Errorf("unknown entity %q", entity)
	}

	s.columnsMu.Lock()
	cached, ok := s.columns[entity]
	s.columnsMu.Unlock()
	if ok {
		return cached, nil
	}

	var names []string
	err := s.db.SelectContext(ctx, &names, `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
		ORDER BY ordinal_position
	`, table)
	if err != nil {
		return nil, fmt.Errorf("read %s columns: %w", entity, classify(err))
	}

	writable := make([]string, 0, len(names))
	for _, name := range names {
		if _, system := systemColumns[name]; system {
			continue
		}
		writable = append(writable, name)
	}
	if len(writable) == 0 {
		return nil, fmt.Errorf("no writable columns for %s", entity)
	}

	s.columnsMu.Lock()
	s.columns[entity] = writable
	s.columnsMu.Unlock()
	return writable, nil
}
