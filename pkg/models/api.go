package models

// SubmitRequest is the body of a status API submission.
type SubmitRequest struct {
	RequestID  string   `json:"request_id,omitempty"`
	SourcePath string   `json:"source_path"`
	Targets    []Target `json:"targets"`
}

type SubmitResponse struct {
	RequestID string `json:"request_id"`
}

type ErrorResponse struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}
