// Package taxonomy defines the stable error kinds returned across the
// control plane, independent of any transport's wire format.
package taxonomy

import "errors"

// Sentinel errors. Every fallible operation in the control plane returns
// one of these (wrapped with context via fmt.Errorf("...: %w", ErrX)) so
// that callers can classify failures with errors.Is regardless of which
// component raised them.
var (
	ErrNotFound           = errors.New("not_found")
	ErrAlreadyExists      = errors.New("already_exists")
	ErrImagePolicy        = errors.New("image_policy")
	ErrPathViolation      = errors.New("path_violation")
	ErrETagConflict       = errors.New("etag_conflict")
	ErrConcurrencyLimit   = errors.New("concurrency_limit")
	ErrTimeout            = errors.New("timeout")
	ErrCancelled          = errors.New("cancelled")
	ErrRuntimeUnavailable = errors.New("runtime_unavailable")
	ErrRuntimeError       = errors.New("runtime_error")
	ErrInternal           = errors.New("internal")
)

// Code is the machine-readable error kind carried at the RPC boundary.
type Code string

const (
	CodeNotFound           Code = "not_found"
	CodeAlreadyExists      Code = "already_exists"
	CodeImagePolicy        Code = "image_policy"
	CodePathViolation      Code = "path_violation"
	CodeETagConflict       Code = "etag_conflict"
	CodeConcurrencyLimit   Code = "concurrency_limit"
	CodeTimeout            Code = "timeout"
	CodeCancelled          Code = "cancelled"
	CodeRuntimeUnavailable Code = "runtime_unavailable"
	CodeRuntimeError       Code = "runtime_error"
	CodeInternal           Code = "internal"
)

// codeTable maps each sentinel to its wire code, checked in order with
// errors.Is so wrapped errors classify correctly.
var codeTable = []struct {
	err  error
	code Code
}{
	{ErrNotFound, CodeNotFound},
	{ErrAlreadyExists, CodeAlreadyExists},
	{ErrImagePolicy, CodeImagePolicy},
	{ErrPathViolation, CodePathViolation},
	{ErrETagConflict, CodeETagConflict},
	{ErrConcurrencyLimit, CodeConcurrencyLimit},
	{ErrTimeout, CodeTimeout},
	{ErrCancelled, CodeCancelled},
	{ErrRuntimeUnavailable, CodeRuntimeUnavailable},
	{ErrRuntimeError, CodeRuntimeError},
	{ErrInternal, CodeInternal},
}

// Classify maps err to its stable taxonomy code. Unrecognized errors
// classify as CodeInternal rather than panicking or crashing the caller.
func Classify(err error) Code {
	if err == nil {
		return ""
	}
	for _, entry := range codeTable {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return CodeInternal
}

// Error is the structured, machine-readable error surfaced at the RPC
// boundary. Message is a one-line human string; it MUST NOT echo env vars
// or file contents.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Message }

// Wrap classifies err and produces the structured Error for the boundary.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: Classify(err), Message: err.Error()}
}
