// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Standard sentinel errors
var (
	ErrNotAuthenticated   = errors.New("not authenticated: no signing key configured")
	ErrBalanceUnavailable = errors.New("balance unavailable")
	ErrAgentNotRunning    = errors.New("agent is not running")
	ErrConfigInvalid      = errors.New("invalid configuration")
	ErrDataNotFound       = errors.New("data not found")
	ErrInvalidOrder       = errors.New("invalid order")
	ErrCircuitOpen        = errors.New("circuit breaker is open")
	ErrTooManyConcurrent  = errors.New("too many concurrent requests")
)

// SigningError represents a failure to produce a request signature.
// It is fatal to the call and never retried.
type SigningError struct {
	Op  string
	Err error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("signing error [%s]: %v", e.Op, e.Err)
}

func (e *SigningError) Unwrap() error {
	return e.Err
}

// NewSigningError creates a new SigningError.
func NewSigningError(op string, err error) *SigningError {
	return &SigningError{Op: op, Err: err}
}

// ExchangeError represents a non-success response from the venue.
// Code and Message are set when the body carried {code, msg}.
type ExchangeError struct {
	Endpoint string
	Status   int
	Code     int64
	Message  string
	Body     string
}

func (e *ExchangeError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("exchange error [%s] status %d code %d: %s", e.Endpoint, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("exchange error [%s] status %d: %s", e.Endpoint, e.Status, e.Body)
}

// NewExchangeError creates a new ExchangeError.
func NewExchangeError(endpoint string, status int, code int64, message, body string) *ExchangeError {
	return &ExchangeError{
		Endpoint: endpoint,
		Status:   status,
		Code:     code,
		Message:  message,
		Body:     body,
	}
}

// ProtocolError represents a success response whose body could not be decoded.
type ProtocolError struct {
	Endpoint string
	Body     string
	Err      error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error [%s]: %v", e.Endpoint, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewProtocolError creates a new ProtocolError.
func NewProtocolError(endpoint, body string, err error) *ProtocolError {
	return &ProtocolError{Endpoint: endpoint, Body: body, Err: err}
}

// OracleValidationError represents an oracle reply that failed parsing or schema validation.
type OracleValidationError struct {
	Raw string
	Err error
}

func (e *OracleValidationError) Error() string {
	return fmt.Sprintf("oracle validation error: %v", e.Err)
}

func (e *OracleValidationError) Unwrap() error {
	return e.Err
}

// NewOracleValidationError creates a new OracleValidationError.
func NewOracleValidationError(raw string, err error) *OracleValidationError {
	return &OracleValidationError{Raw: raw, Err: err}
}

// PersistenceError represents a failure of the storage layer.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error [%s]: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// NewPersistenceError creates a new PersistenceError.
func NewPersistenceError(op string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Err: err}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// AgentError represents a failure inside the agent loop, scoped to a symbol when one applies.
type AgentError struct {
	AgentName string
	Symbol    string
	Operation string
	Err       error
}

func (e *AgentError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("agent error [%s] %s %s: %v", e.AgentName, e.Symbol, e.Operation, e.Err)
	}
	return fmt.Sprintf("agent error [%s] %s: %v", e.AgentName, e.Operation, e.Err)
}

func (e *AgentError) Unwrap() error {
	return e.Err
}

// NewAgentError creates a new AgentError.
func NewAgentError(agentName, symbol, operation string, err error) *AgentError {
	return &AgentError{
		AgentName: agentName,
		Symbol:    symbol,
		Operation: operation,
		Err:       err,
	}
}

// Venue codes for rejected credentials or signatures.
var authErrorCodes = map[int64]bool{
	-1022: true, // invalid signature
	-2014: true, // bad API key format
	-2015: true, // rejected API key or permissions
}

// IsAuthOrBalanceFailure reports whether err points at broken credentials
// or an account balance that could not be read.
func IsAuthOrBalanceFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotAuthenticated) || errors.Is(err, ErrBalanceUnavailable) {
		return true
	}
	var signErr *SigningError
	if errors.As(err, &signErr) {
		return true
	}
	var exErr *ExchangeError
	if errors.As(err, &exErr) {
		if exErr.Status == 401 || exErr.Status == 403 || authErrorCodes[exErr.Code] {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "api key") ||
		strings.Contains(msg, "signature") ||
		strings.Contains(msg, "balance")
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
