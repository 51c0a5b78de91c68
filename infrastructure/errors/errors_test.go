package errors

import (
	"errors"
	"net/http"
	"testing"
)

func TestEngineError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *EngineError
		want string
	}{
		{
			name: "error without underlying error",
			err:  New(CodeUnknownSystem, "test message", http.StatusNotFound),
			want: "[UnknownSystem] test message",
		},
		{
			name: "error with underlying error",
			err:  Wrap(CodeQueryError, "test message", http.StatusBadRequest, errors.New("underlying")),
			want: "[QueryError] test message: underlying",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEngineError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Wrap(CodeQueryError, "test", http.StatusBadRequest, underlying)

	if got := err.Unwrap(); got != underlying {
		t.Errorf("Unwrap() = %v, want %v", got, underlying)
	}
}

func TestEngineError_WithDetails(t *testing.T) {
	err := New(CodeLogicError, "test", http.StatusBadRequest)
	err.WithDetails("field", "owner").WithDetails("reason", "resurrection not permitted")

	if len(err.Details) != 2 {
		t.Errorf("Details length = %d, want 2", len(err.Details))
	}
	if err.Details["field"] != "owner" {
		t.Errorf("Details[field] = %v, want owner", err.Details["field"])
	}
}

func TestUnknownSystem(t *testing.T) {
	err := UnknownSystem("move_to")
	if err.Code != CodeUnknownSystem {
		t.Errorf("Code = %v, want %v", err.Code, CodeUnknownSystem)
	}
	if err.HTTPStatus != http.StatusNotFound {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusNotFound)
	}
	if err.Details["system"] != "move_to" {
		t.Errorf("Details[system] = %v, want move_to", err.Details["system"])
	}
}

func TestPermissionDenied(t *testing.T) {
	err := PermissionDenied("move_to", "USER", "EVERYBODY")
	if err.Code != CodePermissionDenied {
		t.Errorf("Code = %v, want %v", err.Code, CodePermissionDenied)
	}
	if err.HTTPStatus != http.StatusForbidden {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusForbidden)
	}
}

func TestUniqueViolation(t *testing.T) {
	err := UniqueViolation("HP", "owner", int64(1))
	if err.Code != CodeUniqueViolation {
		t.Errorf("Code = %v, want %v", err.Code, CodeUniqueViolation)
	}
	if err.HTTPStatus != http.StatusConflict {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusConflict)
	}
	if err.Details["column"] != "owner" {
		t.Errorf("Details[column] = %v, want owner", err.Details["column"])
	}
}

func TestLogicErrorf(t *testing.T) {
	err := LogicErrorf("resurrection not permitted for row %d", 7)
	if err.Code != CodeLogicError {
		t.Errorf("Code = %v, want %v", err.Code, CodeLogicError)
	}
	if err.Message != "resurrection not permitted for row 7" {
		t.Errorf("Message = %v", err.Message)
	}
}

func TestNotSubscribable(t *testing.T) {
	err := NotSubscribable("HP", "value")
	if err.Code != CodeNotSubscribable {
		t.Errorf("Code = %v, want %v", err.Code, CodeNotSubscribable)
	}
	if err.Details["column"] != "value" {
		t.Errorf("Details[column] = %v, want value", err.Details["column"])
	}
}

func TestSchemaMismatch(t *testing.T) {
	err := SchemaMismatch("HP", "column owner changed type")
	if err.Code != CodeSchemaMismatch {
		t.Errorf("Code = %v, want %v", err.Code, CodeSchemaMismatch)
	}
}

func TestSchemaConflict(t *testing.T) {
	err := SchemaConflict("HP")
	if err.Code != CodeSchemaConflict {
		t.Errorf("Code = %v, want %v", err.Code, CodeSchemaConflict)
	}
	if err.HTTPStatus != http.StatusConflict {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusConflict)
	}
}

func TestCrossBackendCluster(t *testing.T) {
	err := CrossBackendCluster(3, []string{"HP", "Position"})
	if err.Code != CodeCrossBackendCluster {
		t.Errorf("Code = %v, want %v", err.Code, CodeCrossBackendCluster)
	}
}

func TestSubscriptionBudget(t *testing.T) {
	err := SubscriptionBudget(100)
	if err.Code != CodeSubscriptionBudget {
		t.Errorf("Code = %v, want %v", err.Code, CodeSubscriptionBudget)
	}
	if err.Details["max"] != 100 {
		t.Errorf("Details[max] = %v, want 100", err.Details["max"])
	}
}

func TestRaceExhausted(t *testing.T) {
	err := RaceExhausted(5, "250ms")
	if err.Code != CodeRaceExhausted {
		t.Errorf("Code = %v, want %v", err.Code, CodeRaceExhausted)
	}
	if err.HTTPStatus != http.StatusServiceUnavailable {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusServiceUnavailable)
	}
}

func TestSubscriptionEvicted(t *testing.T) {
	err := SubscriptionEvicted("HP.owner[1:None:1][:1]", "outbound queue saturated")
	if err.Code != CodeSubscriptionEvicted {
		t.Errorf("Code = %v, want %v", err.Code, CodeSubscriptionEvicted)
	}
}

func TestIsEngineErrorAndAs(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "engine error", err: New(CodeLogicError, "test", http.StatusBadRequest), want: true},
		{name: "standard error", err: errors.New("standard error"), want: false},
		{name: "nil error", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsEngineError(tt.err); got != tt.want {
				t.Errorf("IsEngineError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRace(t *testing.T) {
	if !IsRace(ErrRace) {
		t.Errorf("IsRace(ErrRace) = false, want true")
	}
	if IsRace(New(CodeLogicError, "x", http.StatusBadRequest)) {
		t.Errorf("IsRace(LogicError) = true, want false")
	}
	if IsRace(errors.New("plain")) {
		t.Errorf("IsRace(plain) = true, want false")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "engine error", err: New(CodeUnknownSystem, "test", http.StatusNotFound), want: http.StatusNotFound},
		{name: "standard error", err: errors.New("standard error"), want: http.StatusInternalServerError},
		{name: "nil error", err: nil, want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.want {
				t.Errorf("HTTPStatus() = %v, want %v", got, tt.want)
			}
		})
	}
}
