package store

import (
	"context"
	"fmt"
	"time"
)

// Scope selects which code sequence to allocate from. The set is closed so
// no caller-supplied name reaches SQL.
type Scope struct {
	entity Entity
	prefix string
}

var (
	ScopeLead = Scope{entity: EntityLead, prefix: "-L"}
	ScopeDeal = Scope{entity: EntityDeal, prefix: "-D"}
)

func (s Scope) Entity() Entity { return s.entity }
func (s Scope) Prefix() string { return s.prefix }

// FormatCode renders a code like 20240115-L007. Sequences past 999 widen.
func FormatCode(scope Scope, day time.Time, seq int) string {
	return fmt.Sprintf("%s%s%03d", day.Format("20060102"), scope.prefix, seq)
}

// dayBounds returns [start, end) of the calendar day of t in t's location.
func dayBounds(t time.Time) (time.Time, time.Time) {
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return start, start.AddDate(0, 0, 1)
}

// NextSequence returns max+1 over the numeric suffixes of codes created on
// day, soft-deleted rows included. The advisory lock it takes is held until
// the surrounding transaction ends, so concurrent allocators for the same
// scope and day serialize.
func (s *PostgresStore) NextSequence(ctx context.Context, scope Scope, day time.Time) (int, error) {
	tx, ok := txFrom(ctx)
	if !ok {
		return 0, fmt.Errorf("next sequence: %w", ErrNoTx)
	}
	table, err := tableFor(scope.entity)
	if err != nil {
		return 0, err
	}

	start, end := dayBounds(day)
	lockKey := scope.entity.Table() + ":" + start.Format("2006-01-02")
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey); err != nil {
		return 0, fmt.Errorf("lock %s sequence: %w", scope.entity, classify(err))
	}

	query := fmt.Sprintf(`
		SELECT COALESCE(MAX(substring(code FROM '([0-9]+)$')::int), 0)
		FROM %s
		WHERE code IS NOT NULL AND created_at >= $1 AND created_at < $2
	`, table)
	var current int
	if err := tx.QueryRowxContext(ctx, query, start, end).Scan(&current); err != nil {
		return 0, fmt.Errorf("scan %s sequence: %w", scope.entity, classify(err))
	}
	return current + 1, nil
}
