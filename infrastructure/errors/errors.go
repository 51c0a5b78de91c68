// Package errors provides the structured error taxonomy used across the
// engine: every error the RPC executor can return to a client carries one
// of the codes below plus an HTTP-equivalent status for the admin surface.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a client-visible failure class.
type Code string

const (
	// Logic errors: returned verbatim to the caller, never retried.
	CodeUnknownSystem     Code = "UnknownSystem"
	CodePermissionDenied  Code = "PermissionDenied"
	CodeUniqueViolation   Code = "UniqueViolation"
	CodeLogicError        Code = "LogicError"
	CodeNotSubscribable   Code = "NotSubscribable"
	CodeQueryError        Code = "QueryError"

	// Fatal errors: surfaced at startup, the worker refuses to serve.
	CodeSchemaMismatch      Code = "SchemaMismatch"
	CodeSchemaConflict      Code = "SchemaConflict"
	CodeCrossBackendCluster Code = "CrossBackendCluster"

	// Resource errors: structured, typed, the client can react to them.
	CodeSubscriptionBudget  Code = "SubscriptionBudget"
	CodeRaceExhausted       Code = "RaceExhausted"
	CodeSubscriptionEvicted Code = "SubscriptionEvicted"

	// Transient: retried silently, never surfaced unless the retry budget
	// is exhausted (at which point it becomes CodeRaceExhausted).
	CodeRace Code = "RACE"
)

// EngineError is a structured error carrying a client-visible code.
type EngineError struct {
	Code       Code                   `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error { return e.Err }

// WithDetails attaches diagnostic fields, returned to the client under
// "details" in the rpc error envelope.
func (e *EngineError) WithDetails(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates an EngineError.
func New(code Code, message string, httpStatus int) *EngineError {
	return &EngineError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap wraps an underlying error with an EngineError.
func Wrap(code Code, message string, httpStatus int, err error) *EngineError {
	return &EngineError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// Logic errors

func UnknownSystem(name string) *EngineError {
	return New(CodeUnknownSystem, "no such system", http.StatusNotFound).WithDetails("system", name)
}

func PermissionDenied(system string, required, have string) *EngineError {
	return New(CodePermissionDenied, "insufficient permission", http.StatusForbidden).
		WithDetails("system", system).
		WithDetails("required", required).
		WithDetails("have", have)
}

func UniqueViolation(component, column string, value interface{}) *EngineError {
	return New(CodeUniqueViolation, "unique constraint violated", http.StatusConflict).
		WithDetails("component", component).
		WithDetails("column", column).
		WithDetails("value", value)
}

func LogicErrorf(format string, args ...interface{}) *EngineError {
	return New(CodeLogicError, fmt.Sprintf(format, args...), http.StatusBadRequest)
}

func NotSubscribable(component, column string) *EngineError {
	return New(CodeNotSubscribable, "column is not indexed", http.StatusBadRequest).
		WithDetails("component", component).
		WithDetails("column", column)
}

func QueryError(reason string) *EngineError {
	return New(CodeQueryError, reason, http.StatusBadRequest)
}

func QueryErrorf(format string, args ...interface{}) *EngineError {
	return New(CodeQueryError, fmt.Sprintf(format, args...), http.StatusBadRequest)
}

// Fatal errors

func SchemaMismatch(component string, reason string) *EngineError {
	return New(CodeSchemaMismatch, "schema incompatible with prior run", http.StatusInternalServerError).
		WithDetails("component", component).
		WithDetails("reason", reason)
}

func SchemaConflict(name string) *EngineError {
	return New(CodeSchemaConflict, "component already registered with a different definition", http.StatusConflict).
		WithDetails("component", name)
}

func CrossBackendCluster(clusterID uint64, components []string) *EngineError {
	return New(CodeCrossBackendCluster, "cluster components resolve to different backends", http.StatusInternalServerError).
		WithDetails("cluster", clusterID).
		WithDetails("components", components)
}

// Resource errors

func SubscriptionBudget(max int) *EngineError {
	return New(CodeSubscriptionBudget, "subscription budget exceeded", http.StatusTooManyRequests).
		WithDetails("max", max)
}

func RaceExhausted(attempts int, elapsed string) *EngineError {
	return New(CodeRaceExhausted, "commit race retry budget exhausted", http.StatusServiceUnavailable).
		WithDetails("attempts", attempts).
		WithDetails("elapsed", elapsed)
}

func SubscriptionEvicted(subID string, reason string) *EngineError {
	return New(CodeSubscriptionEvicted, "subscription evicted", http.StatusGone).
		WithDetails("subId", subID).
		WithDetails("reason", reason)
}

// ErrRace is the sentinel returned by a backend commit whose preconditions
// failed. It is never returned to a client; the executor retries on it.
var ErrRace = New(CodeRace, "optimistic precondition failed", 0)

// Helpers

// IsEngineError reports whether err (or something it wraps) is an EngineError.
func IsEngineError(err error) bool {
	var e *EngineError
	return errors.As(err, &e)
}

// As extracts an EngineError from an error chain.
func As(err error) *EngineError {
	var e *EngineError
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// IsRace reports whether err is the race sentinel.
func IsRace(err error) bool {
	e := As(err)
	return e != nil && e.Code == CodeRace
}

// HTTPStatus returns the HTTP-equivalent status for err, for the admin API.
func HTTPStatus(err error) int {
	if e := As(err); e != nil {
		return e.HTTPStatus
	}
	return http.StatusInternalServerError
}
