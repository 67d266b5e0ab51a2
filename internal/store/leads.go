package store

import (
	"context"
	"fmt"
	"strings"
)

const leadSelect = `
	SELECT l.id, l.code, l.customer_id, c.company_name, l.contact_id, l.owner_id,
		u.display_name AS owner_name, l.source, l.content, l.status,
		l.next_action_date, l.next_action_content, d.id AS deal_id,
		l.created_at, l.updated_at
	FROM leads l
	JOIN customers c ON c.id = l.customer_id
	LEFT JOIN users u ON u.id = l.owner_id
	LEFT JOIN deals d ON d.lead_id = l.id AND d.deleted_at IS NULL
`

const dealSelect = `
	SELECT d.id, d.code, d.lead_id, l.code AS lead_code, c.company_name, d.project_name,
		d.stage, d.expected_amount, d.expected_close_date, d.actual_close_date,
		d.next_action_date, d.next_action_content, d.loss_reason,
		d.created_at, d.updated_at
	FROM deals d
	JOIN leads l ON l.id = d.lead_id
	JOIN customers c ON c.id = l.customer_id
`

func (s *PostgresStore) GetLead(ctx context.Context, id int64) (Lead, error) {
	var lead Lead
	err := s.conn(ctx).GetContext(ctx, &lead, leadSelect+` WHERE l.id = $1 AND l.deleted_at IS NULL`, id)
	if err != nil {
		return Lead{}, fmt.Errorf("get lead: %w", classify(err))
	}
	return lead, nil
}

func (s *PostgresStore) ListLeads(ctx context.Context, filter LeadFilter) ([]Lead, error) {
	where := []string{"l.deleted_at IS NULL"}
	args := []any{}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("l.status = $%d", len(args)))
	}
	if filter.CustomerID > 0 {
		args = append(args, filter.CustomerID)
		where = append(where, fmt.Sprintf("l.customer_id = $%d", len(args)))
	}
	if filter.OwnerID > 0 {
		args = append(args, filter.OwnerID)
		where = append(where, fmt.Sprintf("l.owner_id = $%d", len(args)))
	}
	args = append(args, clampLimit(filter.Limit), max(filter.Offset, 0))
	query := leadSelect + ` WHERE ` + strings.Join(where, " AND ") +
		fmt.Sprintf(` ORDER BY l.created_at DESC, l.id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	leads := []Lead{}
	if err := s.conn(ctx).SelectContext(ctx, &leads, query, args...); err != nil {
		return nil, fmt.Errorf("list leads: %w", classify(err))
	}
	return leads, nil
}

func (s *PostgresStore) GetDeal(ctx context.Context, id int64) (Deal, error) {
	var deal Deal
	err := s.conn(ctx).GetContext(ctx, &deal, dealSelect+` WHERE d.id = $1 AND d.deleted_at IS NULL`, id)
	if err != nil {
		return Deal{}, fmt.Errorf("get deal: %w", classify(err))
	}
	return deal, nil
}

func (s *PostgresStore) ListDeals(ctx context.Context, filter DealFilter) ([]Deal, error) {
	where := []string{"d.deleted_at IS NULL"}
	args := []any{}
	if filter.Stage != "" {
		args = append(args, filter.Stage)
		where = append(where, fmt.Sprintf("d.stage = $%d", len(args)))
	}
	if filter.LeadID > 0 {
		args = append(args, filter.LeadID)
		where = append(where, fmt.Sprintf("d.lead_id = $%d", len(args)))
	}
	args = append(args, clampLimit(filter.Limit), max(filter.Offset, 0))
	query := dealSelect + ` WHERE ` + strings.Join(where, " AND ") +
		fmt.Sprintf(` ORDER BY d.created_at DESC, d.id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	deals := []Deal{}
	if err := s.conn(ctx).SelectContext(ctx, &deals, query, args...); err != nil {
		return nil, fmt.Errorf("list deals: %w", classify(err))
	}
	return deals, nil
}

// PipelineSummary counts live leads per status and live deals per stage.
func (s *PostgresStore) PipelineSummary(ctx context.Context) (PipelineSummary, error) {
	summary := PipelineSummary{
		LeadsByStatus: map[string]int{},
		DealsByStage:  map[string]int{},
	}

	type bucket struct {
		Key   string `db:"key"`
		Count int    `db:"count"`
	}
	var leadBuckets []bucket
	if err := s.conn(ctx).SelectContext(ctx, &leadBuckets, `
		SELECT status AS key, COUNT(*) AS count FROM leads WHERE deleted_at IS NULL GROUP BY status
	`); err != nil {
		return PipelineSummary{}, fmt.Errorf("count leads: %w", classify(err))
	}
	for _, b := range leadBuckets {
		summary.LeadsByStatus[b.Key] = b.Count
	}

	var dealBuckets []bucket
	if err := s.conn(ctx).SelectContext(ctx, &dealBuckets, `
		SELECT stage AS key, COUNT(*) AS count FROM deals WHERE deleted_at IS NULL GROUP BY stage
	`); err != nil {
		return PipelineSummary{}, fmt.Errorf("count deals: %w", classify(err))
	}
	for _, b := range dealBuckets {
		summary.DealsByStage[b.Key] = b.Count
	}

	var amounts struct {
		Open string `db:"open_amount"`
		Won  string `db:"won_amount"`
	}
	if err := s.conn(ctx).GetContext(ctx, &amounts, `
		SELECT
			COALESCE(SUM(expected_amount) FILTER (WHERE stage NOT IN ('won', 'lost')), 0)::text AS open_amount,
			COALESCE(SUM(expected_amount) FILTER (WHERE stage = 'won'), 0)::text AS won_amount
		FROM deals
		WHERE deleted_at IS NULL
	`); err != nil {
		return PipelineSummary{}, fmt.Errorf("sum deal amounts: %w", classify(err))
	}
	var err error
	if summary.OpenAmount, err = parseAmount(amounts.Open); err != nil {
		return PipelineSummary{}, err
	}
	if summary.WonAmount, err = parseAmount(amounts.Won); err != nil {
		return PipelineSummary{}, err
	}
	return summary, nil
}
