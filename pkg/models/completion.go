package models

import (
	"errors"
	"fmt"
	"strings"
)

// Code is the closed set of outcomes a branch of a broadcast can report.
type Code int

const (
	CodeSuccess            Code = 0
	CodeUnknown            Code = 501
	CodeHeaderTooLong      Code = 502
	CodeHeaderMissingField Code = 503
	CodeOutputOpenFailed   Code = 504
	CodeBadDestination     Code = 505
	CodeConnectFailed      Code = 506
	CodeConnectionError    Code = 507
	CodeUnknownReply       Code = 508
	CodeAccessDenied       Code = 509
	CodeStatusNotReceived  Code = 510
	CodeChecksumMismatch   Code = 511
)

var codeNames = map[Code]string{
	CodeSuccess:            "SUCCESS",
	CodeUnknown:            "UNKNOWN",
	CodeHeaderTooLong:      "HEADER_TOO_LONG",
	CodeHeaderMissingField: "HEADER_MISSING_FIELD",
	CodeOutputOpenFailed:   "OUTPUT_OPEN_FAILED",
	CodeBadDestination:     "BAD_DESTINATION",
	CodeConnectFailed:      "CONNECT_FAILED",
	CodeConnectionError:    "CONNECTION_ERROR",
	CodeUnknownReply:       "UNKNOWN_REPLY",
	CodeAccessDenied:       "ACCESS_DENIED",
	CodeStatusNotReceived:  "STATUS_NOT_RECEIVED",
	CodeChecksumMismatch:   "CHECKSUM_MISMATCH",
}

var codeTemplates = map[Code]string{
	CodeSuccess:            "success",
	CodeUnknown:            "unknown error: %s",
	CodeHeaderTooLong:      "header too long: %s",
	CodeHeaderMissingField: "header missing required field: %s",
	CodeOutputOpenFailed:   "failed to open output file: %s",
	CodeBadDestination:     "badly formatted destination: %s",
	CodeConnectFailed:      "failed to connect to %s",
	CodeConnectionError:    "connection error: %s",
	CodeUnknownReply:       "unknown reply format: %s",
	CodeAccessDenied:       "access denied: %s",
	CodeStatusNotReceived:  "never received a status: %s",
	CodeChecksumMismatch:   "checksum mismatch: %s",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CODE(%d)", int(c))
}

// Known reports whether c belongs to the taxonomy.
func (c Code) Known() bool {
	_, ok := codeNames[c]
	return ok
}

// Retryable reports whether resending the same transfer could plausibly
// change the outcome for a branch that failed with c.
func (c Code) Retryable() bool {
	switch c {
	case CodeHeaderTooLong, CodeHeaderMissingField, CodeBadDestination, CodeAccessDenied:
		return false
	case CodeSuccess:
		return false
	}
	return true
}

// Error is a failure that has been mapped onto the taxonomy.
type Error struct {
	Code   Code
	Detail string
}

func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	tmpl, ok := codeTemplates[e.Code]
	if !ok {
		tmpl = codeTemplates[CodeUnknown]
	}
	if e.Code == CodeSuccess {
		return tmpl
	}
	return fmt.Sprintf(tmpl, e.Detail)
}

// AsError maps err onto the taxonomy. Errors that do not carry a code become
// CodeUnknown.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeUnknown, Detail: err.Error()}
}

// CompletionRecord is the outcome of a single leaf. An empty ID marks a
// hop-level record, emitted when a relay refuses a header before it knows
// anything about the leaves below it.
type CompletionRecord struct {
	ID      string `json:"id"`
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Path    string `json:"path,omitempty"`
	Bytes   int64  `json:"bytes"`
}

func (r CompletionRecord) OK() bool {
	return r.Code == CodeSuccess
}

func Succeeded(leaf Leaf, bytes int64) CompletionRecord {
	return CompletionRecord{
		ID:    leaf.Target.ID,
		Code:  CodeSuccess,
		Host:  leaf.Host,
		Port:  leaf.Port,
		Path:  leaf.Target.Path,
		Bytes: bytes,
	}
}

func Failed(leaf Leaf, err error) CompletionRecord {
	e := AsError(err)
	return CompletionRecord{
		ID:      leaf.Target.ID,
		Code:    e.Code,
		Message: e.Error(),
		Host:    leaf.Host,
		Port:    leaf.Port,
		Path:    leaf.Target.Path,
	}
}

// FailAll produces one failed record per leaf, all carrying err.
func FailAll(leaves []Leaf, err error) []CompletionRecord {
	records := make([]CompletionRecord, 0, len(leaves))
	for _, l := range leaves {
		records = append(records, Failed(l, err))
	}
	return records
}

// Report is the set of records a hop sends upstream once it has finished.
type Report struct {
	Host    string             `json:"host"`
	Port    int                `json:"port"`
	Records []CompletionRecord `json:"records"`
}

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomePartial
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomePartial:
		return "partial"
	default:
		return "failed"
	}
}

func (r Report) Failures() []CompletionRecord {
	var failed []CompletionRecord
	for _, rec := range r.Records {
		if !rec.OK() {
			failed = append(failed, rec)
		}
	}
	return failed
}

// Outcome classifies the report. An empty report is a success.
func (r Report) Outcome() Outcome {
	failed := len(r.Failures())
	switch {
	case failed == 0:
		return OutcomeSuccess
	case failed < len(r.Records):
		return OutcomePartial
	default:
		return OutcomeFailed
	}
}

// Summary renders a one line description suitable for a tracker message.
func (r Report) Summary() string {
	failed := r.Failures()
	if len(failed) == 0 {
		return fmt.Sprintf("delivered to %d destinations", len(r.Records))
	}
	parts := make([]string, 0, len(failed))
	for _, f := range failed {
		parts = append(parts, fmt.Sprintf("%s %s: %s", Endpoint(f.Host, f.Port), f.Path, f.Message))
	}
	return fmt.Sprintf("%d of %d destinations failed: %s", len(failed), len(r.Records), strings.Join(parts, "; "))
}
