// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Iteration-level sentinel errors. The loop driver maps each of these to a
// skip, halt or failure outcome.
var (
	ErrInsufficientHistory  = errors.New("insufficient candle history")
	ErrBelowMinimumNotional = errors.New("sized order below minimum notional")
	ErrInsufficientBalance  = errors.New("sized order exceeds available balance")
	ErrExecutionFailure     = errors.New("execution failure")
	ErrStalePendingOrder    = errors.New("pending order exceeded time-to-live")
	ErrGovernorHalt         = errors.New("daily loss limit reached")
	ErrOrderNotFound        = errors.New("order not found on venue")
)

// Configuration and data errors.
var (
	ErrConfigInvalid    = errors.New("invalid configuration")
	ErrInvalidState     = errors.New("invalid position state")
	ErrInvalidInput     = errors.New("invalid input")
	ErrSymbolNotFound   = errors.New("symbol not found")
	ErrDataNotFound     = errors.New("data not found")
	ErrDatabaseError    = errors.New("database error")
	ErrConnectionFailed = errors.New("connection failed")
)

// ExecutionError represents a failed call to the execution gateway.
// It always matches ErrExecutionFailure via errors.Is.
type ExecutionError struct {
	Op            string
	Symbol        string
	ClientOrderID string
	Err           error
}

func (e *ExecutionError) Error() string {
	if e.ClientOrderID != "" {
		return fmt.Sprintf("execution error [%s] %s %s: %v", e.Op, e.Symbol, e.ClientOrderID, e.Err)
	}
	return fmt.Sprintf("execution error [%s] %s: %v", e.Op, e.Symbol, e.Err)
}

func (e *ExecutionError) Unwrap() []error {
	return []error{ErrExecutionFailure, e.Err}
}

// NewExecutionError creates a new ExecutionError.
func NewExecutionError(op, symbol, clientOrderID string, err error) *ExecutionError {
	return &ExecutionError{
		Op:            op,
		Symbol:        symbol,
		ClientOrderID: clientOrderID,
		Err:           err,
	}
}

// PersistenceError represents a failed state or ledger write. These are never
// swallowed: they can desynchronize recorded state from the venue.
type PersistenceError struct {
	Target string // "state" or "ledger"
	Key    string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error [%s] %s: %v", e.Target, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// NewPersistenceError creates a new PersistenceError.
func NewPersistenceError(target, key string, err error) *PersistenceError {
	return &PersistenceError{
		Target: target,
		Key:    key,
		Err:    err,
	}
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

// DataError represents a market-data error.
type DataError struct {
	DataType string
	Symbol   string
	Message  string
	Err      error
}

func (e *DataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("data error [%s] %s: %s: %v", e.DataType, e.Symbol, e.Message, e.Err)
	}
	return fmt.Sprintf("data error [%s] %s: %s", e.DataType, e.Symbol, e.Message)
}

func (e *DataError) Unwrap() error {
	return e.Err
}

// NewDataError creates a new DataError.
func NewDataError(dataType, symbol, message string, err error) *DataError {
	return &DataError{
		DataType: dataType,
		Symbol:   symbol,
		Message:  message,
		Err:      err,
	}
}

// RiskError represents a risk management rejection.
type RiskError struct {
	Rule    string
	Current float64
	Limit   float64
	Err     error
}

func (e *RiskError) Error() string {
	return fmt.Sprintf("risk violation [%s]: %v (current: %.4f, limit: %.4f)", e.Rule, e.Err, e.Current, e.Limit)
}

func (e *RiskError) Unwrap() error {
	return e.Err
}

// NewRiskError creates a new RiskError wrapping one of the sentinels.
func NewRiskError(rule string, current, limit float64, err error) *RiskError {
	return &RiskError{
		Rule:    rule,
		Current: current,
		Limit:   limit,
		Err:     err,
	}
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

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}
