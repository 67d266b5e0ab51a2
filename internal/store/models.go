package store

import (
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Entity names a table the write path may touch.
type Entity string

const (
	EntityCustomer    Entity = "customer"
	EntityContact     Entity = "contact"
	EntityLead        Entity = "lead"
	EntityDeal        Entity = "deal"
	EntityActivityLog Entity = "activity_log"
)

var entityTables = map[Entity]string{
	EntityCustomer:    "customers",
	EntityContact:     "contacts",
	EntityLead:        "leads",
	EntityDeal:        "deals",
	EntityActivityLog: "activity_logs",
}

// Table returns the backing table, or "" for unknown entities.
func (e Entity) Table() string {
	return entityTables[e]
}

// Fields is a column -> value map for a single-row write.
type Fields map[string]any

// Keys returns the column names in a stable order.
func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f))
	for key := range f {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Only keeps the columns present in allowed.
func (f Fields) Only(allowed []string) Fields {
	set := make(map[string]struct{}, len(allowed))
	for _, column := range allowed {
		set[column] = struct{}{}
	}
	out := make(Fields, len(f))
	for key, value := range f {
		if _, ok := set[key]; ok {
			out[key] = value
		}
	}
	return out
}

// Without drops the named columns.
func (f Fields) Without(columns ...string) Fields {
	out := make(Fields, len(f))
	for key, value := range f {
		out[key] = value
	}
	for _, column := range columns {
		delete(out, column)
	}
	return out
}

func (f Fields) Has(key string) bool {
	_, ok := f[key]
	return ok
}

// String returns the value as text; ok is false when absent or null.
func (f Fields) String(key string) (string, bool) {
	value, ok := f[key]
	if !ok || value == nil {
		return "", false
	}
	switch v := value.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	default:
		return "", false
	}
}

// Int64 returns the value as an id; ok is false when absent, null or not integral.
func (f Fields) Int64(key string) (int64, bool) {
	value, ok := f[key]
	if !ok || value == nil {
		return 0, false
	}
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if v != float64(int64(v)) {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		parsed, err := v.Int64()
		return parsed, err == nil
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}

// arg converts a decoded JSON value into something the pgx driver encodes
// unambiguously. Strings travel in text format, so dates and numerics parse
// server side.
func arg(value any) any {
	switch v := value.(type) {
	case json.Number:
		return v.String()
	case float64:
		if v == float64(int64(v)) {
			return int64(v)
		}
		return v
	default:
		return v
	}
}

type User struct {
	ID          int64     `db:"id" json:"id"`
	DisplayName string    `db:"display_name" json:"displayName"`
	Role        string    `db:"role" json:"role"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

type Customer struct {
	ID                 int64     `db:"id" json:"id"`
	CompanyName        string    `db:"company_name" json:"companyName"`
	RegistrationNumber *string   `db:"registration_number" json:"registrationNumber"`
	Industry           *string   `db:"industry" json:"industry"`
	Phone              *string   `db:"phone" json:"phone"`
	Address            *string   `db:"address" json:"address"`
	CreatedAt          time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time `db:"updated_at" json:"updatedAt"`
}

type Contact struct {
	ID         int64     `db:"id" json:"id"`
	CustomerID int64     `db:"customer_id" json:"customerId"`
	Name       string    `db:"name" json:"name"`
	Email      *string   `db:"email" json:"email"`
	Phone      *string   `db:"phone" json:"phone"`
	Position   *string   `db:"position" json:"position"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

type Lead struct {
	ID                int64      `db:"id" json:"id"`
	Code              *string    `db:"code" json:"code"`
	CustomerID        int64      `db:"customer_id" json:"customerId"`
	CompanyName       string     `db:"company_name" json:"companyName"`
	ContactID         *int64     `db:"contact_id" json:"contactId"`
	OwnerID           *int64     `db:"owner_id" json:"ownerId"`
	OwnerName         *string    `db:"owner_name" json:"ownerName"`
	Source            *string    `db:"source" json:"source"`
	Content           string     `db:"content" json:"content"`
	Status            string     `db:"status" json:"status"`
	NextActionDate    *time.Time `db:"next_action_date" json:"nextActionDate"`
	NextActionContent *string    `db:"next_action_content" json:"nextActionContent"`
	DealID            *int64     `db:"deal_id" json:"dealId"`
	CreatedAt         time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updatedAt"`
}

type Deal struct {
	ID                int64               `db:"id" json:"id"`
	Code              *string             `db:"code" json:"code"`
	LeadID            int64               `db:"lead_id" json:"leadId"`
	LeadCode          *string             `db:"lead_code" json:"leadCode"`
	CompanyName       string              `db:"company_name" json:"companyName"`
	ProjectName       string              `db:"project_name" json:"projectName"`
	Stage             string              `db:"stage" json:"stage"`
	ExpectedAmount    decimal.NullDecimal `db:"expected_amount" json:"expectedAmount"`
	ExpectedCloseDate *time.Time          `db:"expected_close_date" json:"expectedCloseDate"`
	ActualCloseDate   *time.Time          `db:"actual_close_date" json:"actualCloseDate"`
	NextActionDate    *time.Time          `db:"next_action_date" json:"nextActionDate"`
	NextActionContent *string             `db:"next_action_content" json:"nextActionContent"`
	LossReason        *string             `db:"loss_reason" json:"lossReason"`
	CreatedAt         time.Time           `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time           `db:"updated_at" json:"updatedAt"`
}

// LockedLead is what a writer sees after taking the lead's row lock.
type LockedLead struct {
	ID                int64      `db:"id"`
	Status            string     `db:"status"`
	Content           string     `db:"content"`
	NextActionDate    *time.Time `db:"next_action_date"`
	NextActionContent *string    `db:"next_action_content"`
}

// LockedDeal is what a writer sees after taking the deal's row lock.
type LockedDeal struct {
	ID              int64      `db:"id"`
	LeadID          int64      `db:"lead_id"`
	Stage           string     `db:"stage"`
	ActualCloseDate *time.Time `db:"actual_close_date"`
}

// LeadSnapshot is the joined live view of a lead at log time.
type LeadSnapshot struct {
	LeadID            int64      `db:"lead_id"`
	LeadCode          *string    `db:"lead_code"`
	Status            string     `db:"status"`
	Content           string     `db:"content"`
	OwnerName         *string    `db:"owner_name"`
	ContactName       *string    `db:"contact_name"`
	NextActionDate    *time.Time `db:"next_action_date"`
	NextActionContent *string    `db:"next_action_content"`
}

// DealSnapshot is the joined live view of a deal and its parent lead at log time.
type DealSnapshot struct {
	DealID            int64               `db:"deal_id"`
	DealCode          *string             `db:"deal_code"`
	LeadID            int64               `db:"lead_id"`
	LeadCode          *string             `db:"lead_code"`
	LeadStatus        *string             `db:"lead_status"`
	OwnerName         *string             `db:"owner_name"`
	ContactName       *string             `db:"contact_name"`
	ProjectName       string              `db:"project_name"`
	Stage             string              `db:"stage"`
	ExpectedAmount    decimal.NullDecimal `db:"expected_amount"`
	NextActionDate    *time.Time          `db:"next_action_date"`
	NextActionContent *string             `db:"next_action_content"`
}

// ActivityLog is one append-only audit row. CompanyName is only filled on reads.
type ActivityLog struct {
	ID                int64               `db:"id" json:"id"`
	LeadID            *int64              `db:"lead_id" json:"leadId"`
	DealID            *int64              `db:"deal_id" json:"dealId"`
	RequestID         string              `db:"request_id" json:"requestId"`
	Action            string              `db:"action" json:"action"`
	LoggedAt          time.Time           `db:"logged_at" json:"loggedAt"`
	OwnerName         *string             `db:"owner_name" json:"ownerName"`
	ContactName       *string             `db:"contact_name" json:"contactName"`
	NextActionDate    *time.Time          `db:"next_action_date" json:"nextActionDate"`
	NextActionContent *string             `db:"next_action_content" json:"nextActionContent"`
	LeadCode          *string             `db:"lead_code" json:"leadCode"`
	DealCode          *string             `db:"deal_code" json:"dealCode"`
	LeadStatus        *string             `db:"lead_status" json:"leadStatus"`
	ProjectName       *string             `db:"project_name" json:"projectName"`
	Stage             *string             `db:"stage" json:"stage"`
	ExpectedAmount    decimal.NullDecimal `db:"expected_amount" json:"expectedAmount"`
	CompanyName       *string             `db:"company_name" json:"companyName,omitempty"`
}

type LookupValue struct {
	ID        int64  `db:"id" json:"id"`
	Category  string `db:"category" json:"category"`
	Code      string `db:"code" json:"code"`
	Label     string `db:"label" json:"label"`
	SortOrder int    `db:"sort_order" json:"sortOrder"`
	IsActive  bool   `db:"is_active" json:"isActive"`
}

type LeadFilter struct {
	Status     string
	CustomerID int64
	OwnerID    int64
	Limit      int
	Offset     int
}

type DealFilter struct {
	Stage  string
	LeadID int64
	Limit  int
	Offset int
}

type ActivityFilter struct {
	LeadID     int64
	DealID     int64
	CustomerID int64
	Limit      int
}

// PipelineSummary backs the dashboard header counters.
type PipelineSummary struct {
	LeadsByStatus map[string]int  `json:"leadsByStatus"`
	DealsByStage  map[string]int  `json:"dealsByStage"`
	OpenAmount    decimal.Decimal `json:"openAmount"`
	WonAmount     decimal.Decimal `json:"wonAmount"`
}
