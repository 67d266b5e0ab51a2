package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"salescrm/api/internal/store"
)

type SyncResult struct {
	Created bool
	DealID  int64
}

// EnsureDeal materializes the lead's deal if it has none. The lead row lock
// serializes concurrent converters, so a second call sees the first deal and
// returns Created=false. An existing deal is never modified.
func EnsureDeal(ctx context.Context, repo Repository, leadID int64, loc *time.Location) (SyncResult, error) {
	lead, err := repo.LockLead(ctx, leadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return SyncResult{}, fmt.Errorf("%w: %d", ErrLeadNotFound, leadID)
		}
		return SyncResult{}, err
	}

	existing, ok, err := repo.LiveDealForLead(ctx, leadID)
	if err != nil {
		return SyncResult{}, err
	}
	if ok {
		return SyncResult{Created: false, DealID: existing}, nil
	}

	stage, err := repo.FirstDealStage(ctx)
	if err != nil {
		return SyncResult{}, err
	}

	fields := store.Fields{
		"lead_id":      leadID,
		"project_name": lead.Content,
		"stage":        stage,
	}
	if lead.NextActionDate != nil {
		fields["next_action_date"] = formatDate(*lead.NextActionDate)
	}
	if lead.NextActionContent != nil {
		fields["next_action_content"] = *lead.NextActionContent
	}

	dealID, err := repo.InsertRow(ctx, store.EntityDeal, fields)
	if err != nil {
		return SyncResult{}, err
	}
	if _, err := AssignCode(ctx, repo, store.ScopeDeal, dealID, loc); err != nil {
		return SyncResult{}, err
	}
	if _, err := LogDealActivity(ctx, repo, dealID, store.ActionConverted); err != nil {
		return SyncResult{}, err
	}
	return SyncResult{Created: true, DealID: dealID}, nil
}

func formatDate(t time.Time) string {
	return t.Format(time.DateOnly)
}
