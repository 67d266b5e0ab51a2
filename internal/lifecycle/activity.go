package lifecycle

import (
	"context"

	"github.com/google/uuid"

	"salescrm/api/internal/store"
)

type requestIDKey struct{}

// WithRequestID tags every activity log written under ctx with id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func ensureRequestID(ctx context.Context) context.Context {
	if RequestID(ctx) != "" {
		return ctx
	}
	return WithRequestID(ctx, uuid.NewString())
}

// LogLeadActivity appends one log carrying the lead's current joined view.
// It writes nothing and returns false when the lead is not live.
func LogLeadActivity(ctx context.Context, repo Repository, leadID int64, action string) (bool, error) {
	snap, err := repo.LeadSnapshot(ctx, leadID)
	if err != nil || snap == nil {
		return false, err
	}
	status := snap.Status
	_, err = repo.AppendActivity(ctx, store.ActivityLog{
		LeadID:            &snap.LeadID,
		RequestID:         RequestID(ctx),
		Action:            action,
		OwnerName:         snap.OwnerName,
		ContactName:       snap.ContactName,
		NextActionDate:    snap.NextActionDate,
		NextActionContent: snap.NextActionContent,
		LeadCode:          snap.LeadCode,
		LeadStatus:        &status,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// LogDealActivity appends one log carrying the deal's current joined view.
// It writes nothing and returns false when the deal is not live.
func LogDealActivity(ctx context.Context, repo Repository, dealID int64, action string) (bool, error) {
	snap, err := repo.DealSnapshot(ctx, dealID)
	if err != nil || snap == nil {
		return false, err
	}
	project, stage := snap.ProjectName, snap.Stage
	_, err = repo.AppendActivity(ctx, store.ActivityLog{
		DealID:            &snap.DealID,
		RequestID:         RequestID(ctx),
		Action:            action,
		OwnerName:         snap.OwnerName,
		ContactName:       snap.ContactName,
		NextActionDate:    snap.NextActionDate,
		NextActionContent: snap.NextActionContent,
		LeadCode:          snap.LeadCode,
		DealCode:          snap.DealCode,
		LeadStatus:        snap.LeadStatus,
		ProjectName:       &project,
		Stage:             &stage,
		ExpectedAmount:    snap.ExpectedAmount,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
