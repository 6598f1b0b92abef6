package core

// # Error Codes Reference
//
// This file maps technical errors to user-facing messages with codes for
// support reference. Users can quote the code when reporting a problem.
//
// Codes are grouped by category:
//
//	SCH001 - Unknown entity kind        (ErrUnknownEntityKind)
//	SCH002 - Circular dependency        (ErrCircularDependency)
//	SCH003 - Invalid schema             (ErrInvalidSchema)
//	SCH004 - Invalid export filter      (ErrInvalidFilter)
//	CNF001 - Strategy not supported     (ErrUnsupportedOperation)
//	CNF002 - Unknown strategy           (ErrUnknownStrategy)
//	TXN001 - Operation already running  (ErrTransactionExists)
//	TXN002 - Operation not found        (ErrTransactionNotFound)
//	OPS001 - System busy                (ErrTooManyOperations)
//	OPS002 - Request cancelled          "context canceled"
//	OPS003 - Request timeout            "context deadline exceeded"
//	DB001  - Duplicate key              "duplicate key"
//	DB002  - Unique constraint          "unique constraint", "violates unique"
//	DB003  - Foreign key                "foreign key constraint", "violates foreign key"
//	DB004  - Connection refused         "connection refused"
//	DB005  - Connection reset           "connection reset"
//	DB006  - Timeout                    "timeout"
//	DB007  - Deadlock                   "deadlock"
//	VAL001 - Invalid date               "invalid date"
//	VAL002 - Invalid number             "invalid number", "invalid integer"
//	VAL003 - Required field             "required field"
//	VAL004 - Invalid email              "invalid email"
//	VAL005 - Invalid value              "must be one of"
//	FILE001 - File too large            "file too large", "exceeds size limit"
//	FILE002 - Malformed file            "malformed", "invalid json", "invalid yaml"
//	FILE003 - Encoding error            "encoding error"
//	FILE004 - Unsupported format        "unsupported format", "unknown format"
//	FILE005 - Empty file                "empty file"
//	FILE006 - Several kinds in CSV      "single entity kind"
//	ERR000 - Unknown error              fallback
//
// Sentinel errors are matched first with errors.Is. Remaining errors are
// matched case-insensitively with strings.Contains; the first matching
// pattern wins, so specific patterns come before general ones.

import (
	"errors"
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string `json:"message"` // What happened (user-friendly)
	Action  string `json:"action"`  // What to do about it
	Code    string `json:"code"`    // Error code for support reference
}

type sentinelMessage struct {
	target error
	msg    UserMessage
}

var sentinelMessages = []sentinelMessage{
	{ErrUnknownEntityKind, UserMessage{"Unknown entity kind", "Use one of the kinds listed by the schema endpoint", "SCH001"}},
	{ErrCircularDependency, UserMessage{"Entity kinds depend on each other in a cycle", "This is a configuration problem; contact support", "SCH002"}},
	{ErrInvalidSchema, UserMessage{"Schema configuration is invalid", "This is a configuration problem; contact support", "SCH003"}},
	{ErrInvalidFilter, UserMessage{"Export filter is not valid", "Filter on a date field listed by the schema endpoint", "SCH004"}},
	{ErrUnsupportedOperation, UserMessage{"This conflict strategy is not available for the entity kind", "Use the update strategy instead", "CNF001"}},
	{ErrUnknownStrategy, UserMessage{"Unknown conflict strategy", "Use skip, update or create_new_version", "CNF002"}},
	{ErrTransactionExists, UserMessage{"An operation with this id is already running", "Wait for it to finish or use a different operation id", "TXN001"}},
	{ErrTransactionNotFound, UserMessage{"Operation not found", "The operation may have finished already", "TXN002"}},
	{ErrTooManyOperations, UserMessage{"System is busy processing other operations", "Please wait a moment and try again", "OPS001"}},
}

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	// =========================================================================
	// Request lifecycle
	// =========================================================================
	{"context canceled", UserMessage{"Request was cancelled", "Please try again", "OPS002"}},
	{"context deadline exceeded", UserMessage{"Request timed out", "Try a smaller file or try again later", "OPS003"}},

	// =========================================================================
	// Database constraint and connection errors
	// =========================================================================
	{"duplicate key", UserMessage{"A record with this ID already exists", "Choose the update or skip strategy", "DB001"}},
	{"unique constraint", UserMessage{"This value must be unique but already exists", "Check for duplicate entries in your file", "DB002"}},
	{"violates unique", UserMessage{"A duplicate value was found", "Review your data for duplicate key values", "DB002"}},
	{"foreign key constraint", UserMessage{"Referenced record does not exist", "Include the referenced records in the same import", "DB003"}},
	{"violates foreign key", UserMessage{"Referenced record does not exist", "Include the referenced records in the same import", "DB003"}},
	{"connection refused", UserMessage{"Unable to connect to database", "Please try again in a few moments", "DB004"}},
	{"connection reset", UserMessage{"Database connection was interrupted", "Please try again", "DB005"}},
	{"timeout", UserMessage{"Operation timed out", "Try a smaller file or try again later", "DB006"}},
	{"deadlock", UserMessage{"Database was busy with conflicting operations", "Please try again", "DB007"}},

	// =========================================================================
	// Validation errors
	// =========================================================================
	{"invalid date", UserMessage{"Invalid date format detected", "Use YYYY-MM-DD, MM/DD/YYYY, or Jan 15, 2024", "VAL001"}},
	{"invalid number", UserMessage{"Invalid number format detected", "Remove currency symbols and use standard decimal format", "VAL002"}},
	{"invalid integer", UserMessage{"Invalid number format detected", "Use whole numbers without decimals", "VAL002"}},
	{"required field", UserMessage{"Required field is empty", "Ensure all required fields have values", "VAL003"}},
	{"invalid email", UserMessage{"Invalid email address", "Use an address like name@example.com", "VAL004"}},
	{"must be one of", UserMessage{"Value is not in the allowed list", "Check the allowed values for this field", "VAL005"}},

	// =========================================================================
	// File errors
	// =========================================================================
	{"file too large", UserMessage{"File exceeds maximum size limit", "Split the file into smaller chunks", "FILE001"}},
	{"exceeds size limit", UserMessage{"File exceeds maximum size limit", "Split the file into smaller chunks", "FILE001"}},
	{"malformed", UserMessage{"File could not be parsed", "Check the file syntax and root structure", "FILE002"}},
	{"invalid json", UserMessage{"File is not valid JSON", "Check the file syntax and root structure", "FILE002"}},
	{"invalid yaml", UserMessage{"File is not valid YAML", "Check the file syntax and root structure", "FILE002"}},
	{"encoding error", UserMessage{"File contains invalid characters", "Save file as UTF-8 encoding", "FILE003"}},
	{"unsupported format", UserMessage{"File format is not supported", "Use json, yaml, csv or xlsx", "FILE004"}},
	{"unknown format", UserMessage{"File format is not supported", "Use json, yaml, csv or xlsx", "FILE004"}},
	{"single entity kind", UserMessage{"CSV holds one entity kind per file", "Name exactly one kind or choose json, yaml or xlsx", "FILE006"}},
	{"empty file", UserMessage{"The uploaded file is empty", "Please upload a file with records", "FILE005"}},
}

// defaultMessage is returned when nothing matches (ERR000).
// Support staff should check application logs for the original error.
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	for _, sm := range sentinelMessages {
		if errors.Is(err, sm.target) {
			return sm.msg
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err matches a known pattern rather than
// the ERR000 fallback.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

// UserError pairs a technical error with its user message.
type UserError struct {
	Technical error       // Original technical error for logging
	User      UserMessage // User-friendly message for display
}

func (e *UserError) Error() string {
	return e.User.Message
}

func (e *UserError) Unwrap() error {
	return e.Technical
}

// NewUserError maps err to a UserError. Returns nil if err is nil.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{
		Technical: err,
		User:      MapError(err),
	}
}
