package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeNormalization represents malformed identifying input. It is
	// recorded on the normalized key and never returned to callers.
	ErrorTypeNormalization ErrorType = "normalization"
	// ErrorTypeMatch represents entity resolution errors
	ErrorTypeMatch ErrorType = "match"
	// ErrorTypeSource represents source adapter / system of record failures
	ErrorTypeSource ErrorType = "source"
	// ErrorTypeLink represents linking errors
	ErrorTypeLink ErrorType = "link"
	// ErrorTypeGraph represents graph database errors
	ErrorTypeGraph ErrorType = "graph"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeContext represents context cancellation/timeout errors
	ErrorTypeContext ErrorType = "context"
)

// BaseError is the base error type with common fields
type BaseError struct {
	Type      ErrorType
	Message   string
	Timestamp time.Time
	Err       error // Wrapped error
}

// Error implements the error interface
func (e *BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error for error unwrapping
func (e *BaseError) Unwrap() error {
	return e.Err
}

// NewBaseError creates a new base error
func NewBaseError(errType ErrorType, message string, err error) *BaseError {
	return &BaseError{
		Type:      errType,
		Message:   message,
		Timestamp: time.Now(),
		Err:       err,
	}
}

// Normalization Defects

// NormalizationDefect describes an identifying field that was dropped because
// it was malformed. Defects are collected, never thrown.
type NormalizationDefect struct {
	*BaseError
	Field string
	Value string
}

func NewNormalizationDefect(field, value, reason string) *NormalizationDefect {
	return &NormalizationDefect{
		BaseError: NewBaseError(ErrorTypeNormalization, fmt.Sprintf("%s %q dropped: %s", field, value, reason), nil),
		Field:     field,
		Value:     value,
	}
}

// Match Errors

// ErrAmbiguousMatch is returned when a record plausibly belongs to more than
// one canonical identity at the same confidence tier. Nothing is merged.
type ErrAmbiguousMatch struct {
	*BaseError
	SourceKind string
	SourceID   string
	Rule       string
	Candidates []string
}

func NewAmbiguousMatch(sourceKind, sourceID, rule string, candidates []string) *ErrAmbiguousMatch {
	return &ErrAmbiguousMatch{
		BaseError: NewBaseError(ErrorTypeMatch,
			fmt.Sprintf("ambiguous %s match for %s/%s: %s", rule, sourceKind, sourceID, strings.Join(candidates, ", ")), nil),
		SourceKind: sourceKind,
		SourceID:   sourceID,
		Rule:       rule,
		Candidates: candidates,
	}
}

// Source Errors

// ErrSourceUnavailable is returned when a source adapter or the system of
// record cannot be reached (network, auth, query failure).
type ErrSourceUnavailable struct {
	*BaseError
	Source    string
	Operation string
}

func NewSourceUnavailable(source, operation string, err error) *ErrSourceUnavailable {
	return &ErrSourceUnavailable{
		BaseError: NewBaseError(ErrorTypeSource, fmt.Sprintf("%s unavailable during %s", source, operation), err),
		Source:    source,
		Operation: operation,
	}
}

// ErrUnsupportedSource is returned when an adapter is asked for a source kind
// it does not serve.
type ErrUnsupportedSource struct {
	*BaseError
	SourceKind string
}

func NewUnsupportedSource(adapter, sourceKind string) *ErrUnsupportedSource {
	return &ErrUnsupportedSource{
		BaseError:  NewBaseError(ErrorTypeSource, fmt.Sprintf("%s does not serve source kind %s", adapter, sourceKind), nil),
		SourceKind: sourceKind,
	}
}

// Link Errors

// ErrInvalidConnection is returned for candidates that must never be written:
// missing ids, self links, no evidence or an out-of-range confidence.
type ErrInvalidConnection struct {
	*BaseError
	SourceEntityID string
	TargetEntityID string
	Reason         string
}

func NewInvalidConnection(sourceID, targetID, reason string) *ErrInvalidConnection {
	return &ErrInvalidConnection{
		BaseError:      NewBaseError(ErrorTypeLink, fmt.Sprintf("invalid connection %s -> %s: %s", sourceID, targetID, reason), nil),
		SourceEntityID: sourceID,
		TargetEntityID: targetID,
		Reason:         reason,
	}
}

// Graph Errors

// ErrGraphQueryFailed is returned when a graph query fails
type ErrGraphQueryFailed struct {
	*BaseError
	Query string
}

func NewGraphQueryFailed(query string, err error) *ErrGraphQueryFailed {
	return &ErrGraphQueryFailed{
		BaseError: NewBaseError(ErrorTypeGraph, fmt.Sprintf("query failed: %s", query), err),
		Query:     query,
	}
}

// ErrEntityNotFound is returned when an entity id is unknown to the store
type ErrEntityNotFound struct {
	*BaseError
	EntityID string
}

func NewEntityNotFound(entityID string) *ErrEntityNotFound {
	return &ErrEntityNotFound{
		BaseError: NewBaseError(ErrorTypeGraph, fmt.Sprintf("entity not found: %s", entityID), nil),
		EntityID:  entityID,
	}
}

// Context Errors

// ErrContextCancelled is returned when context is cancelled
type ErrContextCancelled struct {
	*BaseError
	Operation string
}

func NewContextCancelled(operation string, err error) *ErrContextCancelled {
	return &ErrContextCancelled{
		BaseError: NewBaseError(ErrorTypeContext, fmt.Sprintf("context cancelled: %s", operation), err),
		Operation: operation,
	}
}

// Config Errors

// ErrConfigValidationFailed is returned when configuration validation fails
type ErrConfigValidationFailed struct {
	*BaseError
	Field  string
	Reason string
}

func NewConfigValidationFailed(field, reason string) *ErrConfigValidationFailed {
	return &ErrConfigValidationFailed{
		BaseError: NewBaseError(ErrorTypeConfig, fmt.Sprintf("config validation failed: %s - %s", field, reason), nil),
		Field:     field,
		Reason:    reason,
	}
}

// ErrConfigMissingRequired is returned when a required config value is missing
type ErrConfigMissingRequired struct {
	*BaseError
	Field string
}

func NewConfigMissingRequired(field string) *ErrConfigMissingRequired {
	return &ErrConfigMissingRequired{
		BaseError: NewBaseError(ErrorTypeConfig, fmt.Sprintf("missing required config: %s", field), nil),
		Field:     field,
	}
}

// Helper functions

type typed interface {
	errorType() ErrorType
}

func (e *BaseError) errorType() ErrorType { return e.Type }

// IsErrorType checks if an error, or anything it wraps, is of a specific type
func IsErrorType(err error, errType ErrorType) bool {
	for err != nil {
		if t, ok := err.(typed); ok && t.errorType() == errType {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// IsSourceUnavailable reports whether err is (or wraps) ErrSourceUnavailable
func IsSourceUnavailable(err error) bool {
	var target *ErrSourceUnavailable
	return stderrors.As(err, &target)
}

// IsAmbiguousMatch reports whether err is (or wraps) ErrAmbiguousMatch
func IsAmbiguousMatch(err error) bool {
	var target *ErrAmbiguousMatch
	return stderrors.As(err, &target)
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	// Context errors are not retryable
	if IsErrorType(err, ErrorTypeContext) {
		return false
	}
	// An unsupported source will not start working on retry
	var unsupported *ErrUnsupportedSource
	if stderrors.As(err, &unsupported) {
		return false
	}
	var notFound *ErrEntityNotFound
	if stderrors.As(err, &notFound) {
		return false
	}
	if IsErrorType(err, ErrorTypeSource) || IsErrorType(err, ErrorTypeGraph) {
		return true
	}
	return false
}
