package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

func (s *PostgresStore) txConn(ctx context.Context, op string) (queryer, error) {
	tx, ok := txFrom(ctx)
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, ErrNoTx)
	}
	return tx, nil
}

// LockLead takes the row lock on a live lead. Converters of the same lead
// serialize here.
func (s *PostgresStore) LockLead(ctx context.Context, id int64) (LockedLead, error) {
	q, err := s.txConn(ctx, "lock lead")
	if err != nil {
		return LockedLead{}, err
	}
	var lead LockedLead
	err = q.GetContext(ctx, &lead, `
		SELECT id, status, content, next_action_date, next_action_content
		FROM leads WHERE id = $1 AND deleted_at IS NULL FOR UPDATE
	`, id)
	if err != nil {
		return LockedLead{}, fmt.Errorf("lock lead %d: %w", id, classify(err))
	}
	return lead, nil
}

func (s *PostgresStore) LockDeal(ctx context.Context, id int64) (LockedDeal, error) {
	q, err := s.txConn(ctx, "lock deal")
	if err != nil {
		return LockedDeal{}, err
	}
	var deal LockedDeal
	err = q.GetContext(ctx, &deal, `
		SELECT id, lead_id, stage, actual_close_date FROM deals WHERE id = $1 AND deleted_at IS NULL FOR UPDATE
	`, id)
	if err != nil {
		return LockedDeal{}, fmt.Errorf("lock deal %d: %w", id, classify(err))
	}
	return deal, nil
}

// LiveDealForLead returns the id of the lead's live deal, if any.
func (s *PostgresStore) LiveDealForLead(ctx context.Context, leadID int64) (int64, bool, error) {
	var id int64
	err := s.conn(ctx).QueryRowxContext(ctx, `
		SELECT id FROM deals WHERE lead_id = $1 AND deleted_at IS NULL ORDER BY id LIMIT 1
	`, leadID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("find live deal: %w", classify(err))
	}
	return id, true, nil
}

// resolvedContact picks the lead's explicit live contact, else the
// customer's lowest-id live contact.
const resolvedContact = `
	LEFT JOIN contacts ec ON ec.id = l.contact_id AND ec.deleted_at IS NULL
	LEFT JOIN LATERAL (
		SELECT fc.name FROM contacts fc
		WHERE fc.customer_id = l.customer_id AND fc.deleted_at IS NULL
		ORDER BY fc.id
		LIMIT 1
	) first_contact ON TRUE
`

// LeadSnapshot reads the joined live view of a lead. It returns nil when the
// lead is missing or soft-deleted.
func (s *PostgresStore) LeadSnapshot(ctx context.Context, id int64) (*LeadSnapshot, error) {
	var snap LeadSnapshot
	err := s.conn(ctx).GetContext(ctx, &snap, `
		SELECT l.id AS lead_id, l.code AS lead_code, l.status, l.content,
			u.display_name AS owner_name,
			COALESCE(ec.name, first_contact.name) AS contact_name,
			l.next_action_date, l.next_action_content
		FROM leads l
		LEFT JOIN users u ON u.id = l.owner_id
		`+resolvedContact+`
		WHERE l.id = $1 AND l.deleted_at IS NULL
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot lead: %w", classify(err))
	}
	return &snap, nil
}

// DealSnapshot reads the joined live view of a deal with its parent lead.
// It returns nil when the deal is missing or soft-deleted.
func (s *PostgresStore) DealSnapshot(ctx context.Context, id int64) (*DealSnapshot, error) {
	var snap DealSnapshot
	err := s.conn(ctx).GetContext(ctx, &snap, `
		SELECT d.id AS deal_id, d.code AS deal_code, d.lead_id, l.code AS lead_code,
			l.status AS lead_status, u.display_name AS owner_name,
			COALESCE(ec.name, first_contact.name) AS contact_name,
			d.project_name, d.stage, d.expected_amount,
			d.next_action_date, d.next_action_content
		FROM deals d
		JOIN leads l ON l.id = d.lead_id
		LEFT JOIN users u ON u.id = l.owner_id
		`+resolvedContact+`
		WHERE d.id = $1 AND d.deleted_at IS NULL
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot deal: %w", classify(err))
	}
	return &snap, nil
}

// SoftDelete stamps deleted_at on every live row of entity whose column
// equals value and returns the affected ids. clock_timestamp keeps the stamp
// after any log written earlier in the same transaction.
func (s *PostgresStore) SoftDelete(ctx context.Context, entity Entity, column string, value int64) ([]int64, error) {
	q, err := s.txConn(ctx, "soft delete")
	if err != nil {
		return nil, err
	}
	table, err := tableFor(entity)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		UPDATE %s SET deleted_at = clock_timestamp()
		WHERE %s = $1 AND deleted_at IS NULL
		RETURNING id
	`, table, pgx.Identifier{column}.Sanitize())

	ids := []int64{}
	if err := q.SelectContext(ctx, &ids, query, value); err != nil {
		return nil, fmt.Errorf("soft delete %s by %s: %w", entity, column, classify(err))
	}
	return ids, nil
}

func parseAmount(text string) (decimal.Decimal, error) {
	if text == "" {
		return decimal.Zero, nil
	}
	amount, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse amount %q: %w", text, err)
	}
	return amount, nil
}
