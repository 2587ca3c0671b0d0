package api

// Error codes returned in errorResponse.Code beyond the pipeline error kinds
// (missing_column, malformed_record, empty_session, weight_out_of_range).
const (
	CodeBadRequest      = "bad_request"
	CodeTooLarge        = "too_large"
	CodeInvalidWeight   = "invalid_dry_weight"
	CodeInvalidEncoding = "invalid_encoding"
	CodeInvalidPolicy   = "invalid_policy"
	CodeUnreadable      = "unreadable_file"
	CodeNotFound        = "not_found"
	CodeMethod          = "method_not_allowed"
	CodeExportFailed    = "export_failed"
)

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	// State is the worst label across live sessions, or "unknown" when there
	// are none.
	State        string `json:"state"`
	SessionCount int    `json:"session_count"`
	// Counts holds every label, including zero counts.
	Counts       map[string]int `json:"counts"`
	FiringAlerts int            `json:"firing_alerts"`
	GeneratedAt  string         `json:"generated_at"`
}

// errorResponse is the standard error body returned by all API endpoints.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
