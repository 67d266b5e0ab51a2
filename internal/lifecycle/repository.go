package lifecycle

import (
	"context"
	"time"

	"salescrm/api/internal/store"
)

// Repository is the store surface the lifecycle engine drives. Every call
// made inside InTx's fn runs on the same transaction.
type Repository interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	WritableColumns(ctx context.Context, entity store.Entity) ([]string, error)

	NextSequence(ctx context.Context, scope store.Scope, day time.Time) (int, error)
	CreatedAt(ctx context.Context, entity store.Entity, id int64) (time.Time, error)
	SetCode(ctx context.Context, entity store.Entity, id int64, code string) error

	InsertRow(ctx context.Context, entity store.Entity, fields store.Fields) (int64, error)
	UpdateRow(ctx context.Context, entity store.Entity, id int64, fields store.Fields) error
	SoftDelete(ctx context.Context, entity store.Entity, column string, value int64) ([]int64, error)

	LockLead(ctx context.Context, id int64) (store.LockedLead, error)
	LockDeal(ctx context.Context, id int64) (store.LockedDeal, error)
	LiveDealForLead(ctx context.Context, leadID int64) (int64, bool, error)
	FirstDealStage(ctx context.Context) (string, error)

	LeadSnapshot(ctx context.Context, id int64) (*store.LeadSnapshot, error)
	DealSnapshot(ctx context.Context, id int64) (*store.DealSnapshot, error)
	AppendActivity(ctx context.Context, entry store.ActivityLog) (int64, error)
}

var _ Repository = (*store.PostgresStore)(nil)
