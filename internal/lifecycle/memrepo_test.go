package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"salescrm/api/internal/store"
)

type memRow struct {
	fields    store.Fields
	code      *string
	createdAt time.Time
	deletedAt *time.Time
}

type memLog struct {
	entry     store.ActivityLog
	deletedAt *time.Time
}

type memState struct {
	rows   map[store.Entity]map[int64]*memRow
	logs   []*memLog
	nextID int64
}

func (s memState) clone() memState {
	out := memState{rows: map[store.Entity]map[int64]*memRow{}, nextID: s.nextID}
	for entity, rows := range s.rows {
		out.rows[entity] = map[int64]*memRow{}
		for id, row := range rows {
			copied := *row
			copied.fields = maps.Clone(row.fields)
			out.rows[entity][id] = &copied
		}
	}
	for _, log := range s.logs {
		copied := *log
		out.logs = append(out.logs, &copied)
	}
	return out
}

// memRepo is an in-memory Repository. InTx snapshots the state and restores
// it when fn fails, which is enough to observe rollback atomicity.
type memRepo struct {
	state      memState
	clock      time.Time
	firstStage string
	failAppend error
}

type memTxKey struct{}

var memColumns = map[store.Entity][]string{
	store.EntityLead: {"customer_id", "contact_id", "owner_id", "source", "content", "status",
		"next_action_date", "next_action_content"},
	store.EntityDeal: {"lead_id", "project_name", "stage", "expected_amount", "expected_close_date",
		"actual_close_date", "next_action_date", "next_action_content", "loss_reason"},
}

func newMemRepo() *memRepo {
	return &memRepo{
		state: memState{rows: map[store.Entity]map[int64]*memRow{
			store.EntityLead: {},
			store.EntityDeal: {},
		}},
		clock:      time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC),
		firstStage: "discovery",
	}
}

func (m *memRepo) tick() time.Time {
	m.clock = m.clock.Add(time.Millisecond)
	return m.clock
}

func (m *memRepo) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	saved := m.state.clone()
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		m.state = saved
		return err
	}
	return nil
}

func (m *memRepo) WritableColumns(_ context.Context, entity store.Entity) ([]string, error) {
	columns, ok := memColumns[entity]
	if !ok {
		return nil, fmt.Errorf("unknown entity %q", entity)
	}
	return columns, nil
}

func (m *memRepo) live(entity store.Entity, id int64) (*memRow, bool) {
	row, ok := m.state.rows[entity][id]
	if !ok || row.deletedAt != nil {
		return nil, false
	}
	return row, true
}

var codeSuffix = regexp.MustCompile(`([0-9]+)$`)

func (m *memRepo) NextSequence(ctx context.Context, scope store.Scope, day time.Time) (int, error) {
	if ctx.Value(memTxKey{}) == nil {
		return 0, store.ErrNoTx
	}
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.AddDate(0, 0, 1)
	highest := 0
	for _, row := range m.state.rows[scope.Entity()] {
		if row.code == nil || row.createdAt.Before(start) || !row.createdAt.Before(end) {
			continue
		}
		if match := codeSuffix.FindString(*row.code); match != "" {
			n, _ := strconv.Atoi(match)
			highest = max(highest, n)
		}
	}
	return highest + 1, nil
}

func (m *memRepo) CreatedAt(_ context.Context, entity store.Entity, id int64) (time.Time, error) {
	row, ok := m.state.rows[entity][id]
	if !ok {
		return time.Time{}, store.ErrNotFound
	}
	return row.createdAt, nil
}

func (m *memRepo) SetCode(_ context.Context, entity store.Entity, id int64, code string) error {
	row, ok := m.state.rows[entity][id]
	if !ok {
		return store.ErrNotFound
	}
	for _, other := range m.state.rows[entity] {
		if other.code != nil && *other.code == code {
			return store.ErrConflict
		}
	}
	row.code = &code
	return nil
}

func (m *memRepo) InsertRow(_ context.Context, entity store.Entity, fields store.Fields) (int64, error) {
	if entity == store.EntityDeal {
		leadID, _ := fields.Int64("lead_id")
		for _, row := range m.state.rows[store.EntityDeal] {
			if other, _ := row.fields.Int64("lead_id"); other == leadID && row.deletedAt == nil {
				return 0, store.ErrConflict
			}
		}
	}
	m.state.nextID++
	id := m.state.nextID
	m.state.rows[entity][id] = &memRow{fields: maps.Clone(fields), createdAt: m.tick()}
	return id, nil
}

func (m *memRepo) UpdateRow(_ context.Context, entity store.Entity, id int64, fields store.Fields) error {
	row, ok := m.live(entity, id)
	if !ok {
		return store.ErrNotFound
	}
	for key, value := range fields {
		row.fields[key] = value
	}
	return nil
}

func (m *memRepo) SoftDelete(ctx context.Context, entity store.Entity, column string, value int64) ([]int64, error) {
	if ctx.Value(memTxKey{}) == nil {
		return nil, store.ErrNoTx
	}
	now := m.tick()
	ids := []int64{}
	if entity == store.EntityActivityLog {
		for _, log := range m.state.logs {
			if log.deletedAt != nil {
				continue
			}
			ref := log.entry.LeadID
			if column == "deal_id" {
				ref = log.entry.DealID
			}
			if ref != nil && *ref == value {
				log.deletedAt = &now
				ids = append(ids, log.entry.ID)
			}
		}
		return ids, nil
	}
	for id, row := range m.state.rows[entity] {
		if row.deletedAt != nil {
			continue
		}
		match := id == value
		if column != "id" {
			ref, _ := row.fields.Int64(column)
			match = ref == value
		}
		if match {
			row.deletedAt = &now
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memRepo) LockLead(_ context.Context, id int64) (store.LockedLead, error) {
	row, ok := m.live(store.EntityLead, id)
	if !ok {
		return store.LockedLead{}, fmt.Errorf("lock lead %d: %w", id, store.ErrNotFound)
	}
	status, _ := row.fields.String("status")
	content, _ := row.fields.String("content")
	return store.LockedLead{
		ID:                id,
		Status:            status,
		Content:           content,
		NextActionDate:    dateField(row.fields, "next_action_date"),
		NextActionContent: stringField(row.fields, "next_action_content"),
	}, nil
}

func (m *memRepo) LockDeal(_ context.Context, id int64) (store.LockedDeal, error) {
	row, ok := m.live(store.EntityDeal, id)
	if !ok {
		return store.LockedDeal{}, fmt.Errorf("lock deal %d: %w", id, store.ErrNotFound)
	}
	leadID, _ := row.fields.Int64("lead_id")
	stage, _ := row.fields.String("stage")
	return store.LockedDeal{
		ID:              id,
		LeadID:          leadID,
		Stage:           stage,
		ActualCloseDate: dateField(row.fields, "actual_close_date"),
	}, nil
}

func (m *memRepo) LiveDealForLead(_ context.Context, leadID int64) (int64, bool, error) {
	for id, row := range m.state.rows[store.EntityDeal] {
		if ref, _ := row.fields.Int64("lead_id"); ref == leadID && row.deletedAt == nil {
			return id, true, nil
		}
	}
	return 0, false, nil
}

func (m *memRepo) FirstDealStage(context.Context) (string, error) {
	return m.firstStage, nil
}

func (m *memRepo) LeadSnapshot(_ context.Context, id int64) (*store.LeadSnapshot, error) {
	row, ok := m.live(store.EntityLead, id)
	if !ok {
		return nil, nil
	}
	status, _ := row.fields.String("status")
	content, _ := row.fields.String("content")
	return &store.LeadSnapshot{
		LeadID:            id,
		LeadCode:          row.code,
		Status:            status,
		Content:           content,
		NextActionDate:    dateField(row.fields, "next_action_date"),
		NextActionContent: stringField(row.fields, "next_action_content"),
	}, nil
}

func (m *memRepo) DealSnapshot(_ context.Context, id int64) (*store.DealSnapshot, error) {
	row, ok := m.live(store.EntityDeal, id)
	if !ok {
		return nil, nil
	}
	leadID, _ := row.fields.Int64("lead_id")
	project, _ := row.fields.String("project_name")
	stage, _ := row.fields.String("stage")
	snap := &store.DealSnapshot{
		DealID:            id,
		DealCode:          row.code,
		LeadID:            leadID,
		ProjectName:       project,
		Stage:             stage,
		NextActionDate:    dateField(row.fields, "next_action_date"),
		NextActionContent: stringField(row.fields, "next_action_content"),
	}
	if lead, ok := m.state.rows[store.EntityLead][leadID]; ok {
		snap.LeadCode = lead.code
		snap.LeadStatus = stringField(lead.fields, "status")
	}
	if amount, ok := row.fields.String("expected_amount"); ok {
		snap.ExpectedAmount = decimal.NewNullDecimal(decimal.RequireFromString(amount))
	}
	return snap, nil
}

func (m *memRepo) AppendActivity(_ context.Context, entry store.ActivityLog) (int64, error) {
	if m.failAppend != nil {
		return 0, m.failAppend
	}
	m.state.nextID++
	entry.ID = m.state.nextID
	entry.LoggedAt = m.tick()
	m.state.logs = append(m.state.logs, &memLog{entry: entry})
	return entry.ID, nil
}

func (m *memRepo) liveRows(entity store.Entity) int {
	n := 0
	for _, row := range m.state.rows[entity] {
		if row.deletedAt == nil {
			n++
		}
	}
	return n
}

func (m *memRepo) logsFor(leadID, dealID int64) []*memLog {
	var out []*memLog
	for _, log := range m.state.logs {
		if leadID > 0 && log.entry.LeadID != nil && *log.entry.LeadID == leadID {
			out = append(out, log)
		}
		if dealID > 0 && log.entry.DealID != nil && *log.entry.DealID == dealID {
			out = append(out, log)
		}
	}
	return out
}

func stringField(fields store.Fields, key string) *string {
	value, ok := fields.String(key)
	if !ok {
		return nil
	}
	return &value
}

func dateField(fields store.Fields, key string) *time.Time {
	value, ok := fields.String(key)
	if !ok {
		return nil
	}
	parsed, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return nil
	}
	return &parsed
}

var errAppendFailed = errors.New("activity log unavailable")
