package store

import (
	"context"
	"fmt"
	"strings"
)

// Activity actions recorded on each log row.
const (
	ActionCreated   = "created"
	ActionUpdated   = "updated"
	ActionDeleted   = "deleted"
	ActionConverted = "converted"
)

// AppendActivity inserts one audit row. logged_at is assigned by the store.
func (s *PostgresStore) AppendActivity(ctx context.Context, entry ActivityLog) (int64, error) {
	var id int64
	err := s.conn(ctx).QueryRowxContext(ctx, `
		INSERT INTO activity_logs (
			lead_id, deal_id, request_id, action, owner_name, contact_name,
			next_action_date, next_action_content, lead_code, deal_code,
			lead_status, project_name, stage, expected_amount
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id
	`,
		entry.LeadID, entry.DealID, entry.RequestID, entry.Action, entry.OwnerName, entry.ContactName,
		entry.NextActionDate, entry.NextActionContent, entry.LeadCode, entry.DealCode,
		entry.LeadStatus, entry.ProjectName, entry.Stage, entry.ExpectedAmount,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append activity: %w", classify(err))
	}
	return id, nil
}

// ListActivityLogs returns live logs newest first, joined with the parent
// lead and deal codes and the company name.
func (s *PostgresStore) ListActivityLogs(ctx context.Context, filter ActivityFilter) ([]ActivityLog, error) {
	where := []string{"a.deleted_at IS NULL"}
	args := []any{}
	if filter.LeadID > 0 {
		args = append(args, filter.LeadID)
		where = append(where, fmt.Sprintf("l.id = $%d", len(args)))
	}
	if filter.DealID > 0 {
		args = append(args, filter.DealID)
		where = append(where, fmt.Sprintf("a.deal_id = $%d", len(args)))
	}
	if filter.CustomerID > 0 {
		args = append(args, filter.CustomerID)
		where = append(where, fmt.Sprintf("c.id = $%d", len(args)))
	}
	args = append(args, clampLimit(filter.Limit))

	query := `
		SELECT a.id, a.lead_id, a.deal_id, a.request_id, a.action, a.logged_at,
			a.owner_name, a.contact_name, a.next_action_date, a.next_action_content,
			COALESCE(l.code, a.lead_code) AS lead_code,
			COALESCE(d.code, a.deal_code) AS deal_code,
			a.lead_status, a.project_name, a.stage, a.expected_amount,
			c.company_name
		FROM activity_logs a
		LEFT JOIN deals d ON d.id = a.deal_id
		LEFT JOIN leads l ON l.id = COALESCE(a.lead_id, d.lead_id)
		LEFT JOIN customers c ON c.id = l.customer_id
		WHERE ` + strings.Join(where, " AND ") + fmt.Sprintf(`
		ORDER BY a.logged_at DESC, a.id DESC
		LIMIT $%d`, len(args))

	logs := []ActivityLog{}
	if err := s.conn(ctx).SelectContext(ctx, &logs, query, args...); err != nil {
		return nil, fmt.Errorf("list activity logs: %w", classify(err))
	}
	return logs, nil
}
