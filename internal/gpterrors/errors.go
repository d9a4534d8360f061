// Package gpterrors defines the coded-error shape used across the trust
// core: every subsystem wraps failures with a category so callers (and the
// service manager) can decide whether to retry, drain, or exit.
package gpterrors

import (
	"errors"
	"fmt"
	"strings"
)

// Category classifies an error by how it should be handled, not by where
// it came from.
type Category string

const (
	// CategoryConfiguration covers missing seeds, invalid principals,
	// malformed policy, and API-key decryption failures. Terminal.
	CategoryConfiguration Category = "configuration"

	// CategoryAttestation covers report fetch, chain verification,
	// signature verification, and policy-check failures. Terminal at
	// startup; retried only inside the certificate fetcher's own budget.
	CategoryAttestation Category = "attestation"

	// CategoryTransport covers registry RPC timeouts, connection resets,
	// and 5xx/429 responses. Retryable up to a bounded attempt count.
	CategoryTransport Category = "transport"

	// CategoryPolicy covers registry-side rejections such as Unauthorized
	// or an unexpected NodeNotFound. Terminal.
	CategoryPolicy Category = "policy"

	// CategoryLiveness covers heartbeat timeouts. Self-heals via drain.
	CategoryLiveness Category = "liveness"

	// CategoryRouting covers an unknown Host header. Not an error of the
	// proxy itself — callers should translate this to a 404, not a crash.
	CategoryRouting Category = "routing"
)

// CodedError is the error type every package in this module returns for
// anything beyond a trivial wrapped stdlib error.
type CodedError struct {
	Module    string
	Phase     string
	Message   string
	Category  Category
	Retryable bool
	Cause     error
	Context   map[string]any
}

func (e *CodedError) Error() string {
	var b strings.Builder
	if e.Module != "" {
		b.WriteString(e.Module)
		b.WriteString(": ")
	}
	if e.Phase != "" {
		b.WriteString(e.Phase)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *CodedError) Unwrap() error { return e.Cause }

// Is compares by module+phase+category, ignoring message and cause, so
// sentinel-style matching works across wrapped layers.
func (e *CodedError) Is(target error) bool {
	t, ok := target.(*CodedError)
	if !ok {
		return false
	}
	return e.Module == t.Module && e.Phase == t.Phase && e.Category == t.Category
}

// WithContext attaches a diagnostic key-value pair and returns the receiver
// for chaining.
func (e *CodedError) WithContext(key string, value any) *CodedError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates a CodedError for the given module and category.
func New(module string, category Category, message string) *CodedError {
	return &CodedError{Module: module, Category: category, Message: message}
}

// Wrap annotates cause with a phase name as it travels up
// ("chain verify: ARK->ASK"), so diagnostics stay meaningful without
// exposing internal structure.
func Wrap(module string, category Category, phase string, cause error) *CodedError {
	return &CodedError{
		Module:   module,
		Phase:    phase,
		Category: category,
		Message:  "failed",
		Cause:    cause,
	}
}

// Retryable marks err retryable and returns it for chaining.
func Retryable(err *CodedError) *CodedError {
	err.Retryable = true
	return err
}

// CategoryOf extracts the Category from err, defaulting to
// CategoryConfiguration when err is not a *CodedError (an unclassified
// failure is treated as terminal, the safest default).
func CategoryOf(err error) Category {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return CategoryConfiguration
}

// IsRetryable reports whether err (or anything it wraps) is marked
// retryable.
func IsRetryable(err error) bool {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// JoinSemicolon aggregates multiple failures (e.g. per-measurement or
// per-TCB-component policy failures) into a single semicolon-separated
// message: one log line per registration attempt, not one per failed
// check.
func JoinSemicolon(errs ...error) error {
	var nonNil []string
	for _, e := range errs {
		if e != nil {
			nonNil = append(nonNil, e.Error())
		}
	}
	if len(nonNil) == 0 {
		return nil
	}
	return errors.New(strings.Join(nonNil, "; "))
}
