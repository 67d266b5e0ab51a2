package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultLead     ResultType = "lead"
	ResultDeal     ResultType = "deal"
	ResultCustomer ResultType = "customer"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type        ResultType `json:"type"`
	ID          string     `json:"id"`
	Code        string     `json:"code,omitempty"`
	Title       string     `json:"title"`
	Snippet     string     `json:"snippet"`
	CompanyName string     `json:"companyName,omitempty"`
	Status      string     `json:"status,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// LeadRecord is the data we index for a lead.
type LeadRecord struct {
	ID          string `json:"id" db:"id"`
	Code        string `json:"code" db:"code"`
	CompanyName string `json:"companyName" db:"company_name"`
	Content     string `json:"content" db:"content"`
	Status      string `json:"status" db:"status"`
}

// DealRecord is the data we index for a deal.
type DealRecord struct {
	ID          string `json:"id" db:"id"`
	Code        string `json:"code" db:"code"`
	LeadCode    string `json:"leadCode" db:"lead_code"`
	CompanyName string `json:"companyName" db:"company_name"`
	ProjectName string `json:"projectName" db:"project_name"`
	Stage       string `json:"stage" db:"stage"`
}

// CustomerRecord is the data we index for a customer.
type CustomerRecord struct {
	ID                 string `json:"id" db:"id"`
	CompanyName        string `json:"companyName" db:"company_name"`
	RegistrationNumber string `json:"registrationNumber" db:"registration_number"`
	Industry           string `json:"industry" db:"industry"`
}
