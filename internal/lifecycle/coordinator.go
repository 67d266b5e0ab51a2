package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"salescrm/api/internal/store"
)

// Recorder receives lifecycle events for metrics.
type Recorder interface {
	CodeAssigned(entity string)
	DealMaterialized()
	ActivityLogged(action string)
	SoftDeleted(entity string, n int)
}

type nopRecorder struct{}

func (nopRecorder) CodeAssigned(string)     {}
func (nopRecorder) DealMaterialized()       {}
func (nopRecorder) ActivityLogged(string)   {}
func (nopRecorder) SoftDeleted(string, int) {}

// events buffers recorder calls until the transaction commits.
type events []func(Recorder)

func (e *events) add(fn func(Recorder)) { *e = append(*e, fn) }

func (e events) flush(recorder Recorder) {
	for _, fn := range e {
		fn(recorder)
	}
}

type LeadResult struct {
	ID          int64  `json:"id"`
	Code        string `json:"code,omitempty"`
	DealCreated bool   `json:"dealCreated"`
	DealID      *int64 `json:"dealId,omitempty"`
}

type DealResult struct {
	ID   int64  `json:"id"`
	Code string `json:"code,omitempty"`
}

type DeleteResult struct {
	Deleted  int            `json:"deleted"`
	Cascaded map[string]int `json:"cascaded,omitempty"`
}

// Coordinator runs each lead or deal write as one transaction: the row
// change, its code, its activity log and any deal it materializes commit
// or roll back together.
type Coordinator struct {
	repo     Repository
	loc      *time.Location
	logger   *zap.Logger
	recorder Recorder
	now      func() time.Time
}

func NewCoordinator(repo Repository, loc *time.Location, logger *zap.Logger) *Coordinator {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{repo: repo, loc: loc, logger: logger, recorder: nopRecorder{}, now: time.Now}
}

func (c *Coordinator) WithRecorder(recorder Recorder) *Coordinator {
	if recorder != nil {
		c.recorder = recorder
	}
	return c
}

func (c *Coordinator) writable(ctx context.Context, entity store.Entity, fields store.Fields) (store.Fields, error) {
	columns, err := c.repo.WritableColumns(ctx, entity)
	if err != nil {
		return nil, err
	}
	return fields.Only(columns), nil
}

func (c *Coordinator) assignCode(ctx context.Context, ev *events, scope store.Scope, id int64) (string, error) {
	code, err := AssignCode(ctx, c.repo, scope, id, c.loc)
	if err != nil {
		return "", err
	}
	ev.add(func(r Recorder) { r.CodeAssigned(string(scope.Entity())) })
	return code, nil
}

func (c *Coordinator) logLead(ctx context.Context, ev *events, id int64, action string) error {
	logged, err := LogLeadActivity(ctx, c.repo, id, action)
	if err != nil {
		return err
	}
	if logged {
		ev.add(func(r Recorder) { r.ActivityLogged(action) })
	}
	return nil
}

func (c *Coordinator) logDeal(ctx context.Context, ev *events, id int64, action string) error {
	logged, err := LogDealActivity(ctx, c.repo, id, action)
	if err != nil {
		return err
	}
	if logged {
		ev.add(func(r Recorder) { r.ActivityLogged(action) })
	}
	return nil
}

func (c *Coordinator) ensureDeal(ctx context.Context, ev *events, leadID int64, result *LeadResult) error {
	sync, err := EnsureDeal(ctx, c.repo, leadID, c.loc)
	if err != nil {
		return err
	}
	dealID := sync.DealID
	result.DealID = &dealID
	result.DealCreated = sync.Created
	if sync.Created {
		ev.add(func(r Recorder) {
			r.CodeAssigned(string(store.EntityDeal))
			r.ActivityLogged(store.ActionConverted)
			r.DealMaterialized()
		})
		c.logger.Info("deal materialized",
			zap.Int64("lead_id", leadID),
			zap.Int64("deal_id", dealID),
			zap.String("request_id", RequestID(ctx)))
	}
	return nil
}

// CreateLead inserts a lead, assigns its code, logs it and, when it is born
// converted, materializes its deal.
func (c *Coordinator) CreateLead(ctx context.Context, fields store.Fields) (LeadResult, error) {
	ctx = ensureRequestID(ctx)
	var ev events
	var result LeadResult
	err := c.repo.InTx(ctx, func(ctx context.Context) error {
		write, err := c.writable(ctx, store.EntityLead, fields)
		if err != nil {
			return err
		}
		status := StatusNew
		if raw, ok := write.String("status"); ok {
			if status, err = ParseLeadStatus(raw); err != nil {
				return err
			}
		}
		write["status"] = string(status)

		id, err := c.repo.InsertRow(ctx, store.EntityLead, write)
		if err != nil {
			return err
		}
		result.ID = id
		if result.Code, err = c.assignCode(ctx, &ev, store.ScopeLead, id); err != nil {
			return err
		}
		if err := c.logLead(ctx, &ev, id, store.ActionCreated); err != nil {
			return err
		}
		if status == StatusConverted {
			return c.ensureDeal(ctx, &ev, id, &result)
		}
		return nil
	})
	if err != nil {
		return LeadResult{}, err
	}
	ev.flush(c.recorder)
	return result, nil
}

// UpdateLead patches a lead and logs it. A deal is materialized only when
// the update moves the lead into converted.
func (c *Coordinator) UpdateLead(ctx context.Context, id int64, fields store.Fields) (LeadResult, error) {
	ctx = ensureRequestID(ctx)
	var ev events
	result := LeadResult{ID: id}
	err := c.repo.InTx(ctx, func(ctx context.Context) error {
		write, err := c.writable(ctx, store.EntityLead, fields)
		if err != nil {
			return err
		}
		if len(write) == 0 {
			return ErrEmptyWrite
		}

		prior, err := c.repo.LockLead(ctx, id)
		if err != nil {
			return err
		}
		from := LeadStatus(prior.Status)
		to := from
		if write.Has("status") {
			raw, _ := write.String("status")
			if to, err = ParseLeadStatus(raw); err != nil {
				return err
			}
			if !CanTransition(from, to) {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
			}
		}

		if err := c.repo.UpdateRow(ctx, store.EntityLead, id, write); err != nil {
			return err
		}
		if err := c.logLead(ctx, &ev, id, store.ActionUpdated); err != nil {
			return err
		}
		if EntersConversion(from, to) {
			return c.ensureDeal(ctx, &ev, id, &result)
		}
		return nil
	})
	if err != nil {
		return LeadResult{}, err
	}
	ev.flush(c.recorder)
	return result, nil
}

// CreateDeal inserts a deal under an existing lead that has no live deal.
func (c *Coordinator) CreateDeal(ctx context.Context, fields store.Fields) (DealResult, error) {
	ctx = ensureRequestID(ctx)
	var ev events
	var result DealResult
	err := c.repo.InTx(ctx, func(ctx context.Context) error {
		write, err := c.writable(ctx, store.EntityDeal, fields)
		if err != nil {
			return err
		}
		leadID, ok := write.Int64("lead_id")
		if !ok {
			return ErrLeadRequired
		}
		write["lead_id"] = leadID

		if _, err := c.repo.LockLead(ctx, leadID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %d", ErrLeadNotFound, leadID)
			}
			return err
		}
		if existing, ok, err := c.repo.LiveDealForLead(ctx, leadID); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("%w: lead %d has deal %d", ErrDealExists, leadID, existing)
		}

		stage, ok := write.String("stage")
		if !ok || stage == "" {
			if stage, err = c.repo.FirstDealStage(ctx); err != nil {
				return err
			}
			write["stage"] = stage
		}
		c.applyStageRules(write, stage, "", nil)

		id, err := c.repo.InsertRow(ctx, store.EntityDeal, write)
		if err != nil {
			return err
		}
		result.ID = id
		if result.Code, err = c.assignCode(ctx, &ev, store.ScopeDeal, id); err != nil {
			return err
		}
		return c.logDeal(ctx, &ev, id, store.ActionCreated)
	})
	if err != nil {
		return DealResult{}, err
	}
	ev.flush(c.recorder)
	return result, nil
}

// UpdateDeal patches a deal and logs it. lead_id is never reassigned.
func (c *Coordinator) UpdateDeal(ctx context.Context, id int64, fields store.Fields) (DealResult, error) {
	ctx = ensureRequestID(ctx)
	var ev events
	result := DealResult{ID: id}
	err := c.repo.InTx(ctx, func(ctx context.Context) error {
		write, err := c.writable(ctx, store.EntityDeal, fields)
		if err != nil {
			return err
		}
		write = write.Without("lead_id")
		if len(write) == 0 {
			return ErrEmptyWrite
		}

		prior, err := c.repo.LockDeal(ctx, id)
		if err != nil {
			return err
		}
		stage := prior.Stage
		if raw, ok := write.String("stage"); ok && raw != "" {
			stage = raw
		} else {
			delete(write, "stage")
		}
		if write.Has("stage") || write.Has("loss_reason") {
			c.applyStageRules(write, stage, prior.Stage, prior.ActualCloseDate)
		}
		if len(write) == 0 {
			return ErrEmptyWrite
		}

		if err := c.repo.UpdateRow(ctx, store.EntityDeal, id, write); err != nil {
			return err
		}
		return c.logDeal(ctx, &ev, id, store.ActionUpdated)
	})
	if err != nil {
		return DealResult{}, err
	}
	ev.flush(c.recorder)
	return result, nil
}

// applyStageRules clears loss_reason outside the lost stage and stamps
// today's close date when a deal enters won or lost without one.
func (c *Coordinator) applyStageRules(write store.Fields, stage, priorStage string, priorClose *time.Time) {
	if stage != StageLost {
		write["loss_reason"] = nil
	}
	if !IsTerminalStage(stage) || stage == priorStage || priorClose != nil {
		return
	}
	if value, ok := write["actual_close_date"]; ok && value != nil {
		return
	}
	write["actual_close_date"] = formatDate(c.now().In(c.loc))
}

// DeleteLead soft-deletes a lead, its deal and every log referencing either.
func (c *Coordinator) DeleteLead(ctx context.Context, id int64) (DeleteResult, error) {
	return c.delete(ctx, store.EntityLead, id)
}

// DeleteDeal soft-deletes a deal and its logs. The parent lead is untouched.
func (c *Coordinator) DeleteDeal(ctx context.Context, id int64) (DeleteResult, error) {
	return c.delete(ctx, store.EntityDeal, id)
}

// delete snapshots the row into a log and soft-deletes it while holding its
// row lock, then applies the cascade rules. A missing or already deleted row
// deletes nothing.
func (c *Coordinator) delete(ctx context.Context, entity store.Entity, id int64) (DeleteResult, error) {
	ctx = ensureRequestID(ctx)
	var ev events
	var result DeleteResult
	err := c.repo.InTx(ctx, func(ctx context.Context) error {
		var lockErr error
		switch entity {
		case store.EntityLead:
			_, lockErr = c.repo.LockLead(ctx, id)
		case store.EntityDeal:
			_, lockErr = c.repo.LockDeal(ctx, id)
		default:
			return fmt.Errorf("delete: unsupported entity %q", entity)
		}
		if errors.Is(lockErr, store.ErrNotFound) {
			return nil
		}
		if lockErr != nil {
			return lockErr
		}

		var err error
		if entity == store.EntityLead {
			err = c.logLead(ctx, &ev, id, store.ActionDeleted)
		} else {
			err = c.logDeal(ctx, &ev, id, store.ActionDeleted)
		}
		if err != nil {
			return err
		}

		ids, err := c.repo.SoftDelete(ctx, entity, "id", id)
		if err != nil {
			return err
		}
		result.Deleted = len(ids)
		if result.Deleted == 0 {
			return nil
		}

		counts := map[store.Entity]int{}
		if err := cascade(ctx, c.repo, entity, id, counts); err != nil {
			return err
		}
		result.Cascaded = make(map[string]int, len(counts))
		for child, n := range counts {
			result.Cascaded[string(child)] = n
		}
		return nil
	})
	if err != nil {
		return DeleteResult{}, err
	}

	ev.flush(c.recorder)
	c.recorder.SoftDeleted(string(entity), result.Deleted)
	for child, n := range result.Cascaded {
		c.recorder.SoftDeleted(child, n)
	}
	return result, nil
}
