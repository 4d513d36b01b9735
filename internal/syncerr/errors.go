// Package syncerr classifies pipeline failures as permanent or transient.
// Transient failures are retried with backoff until the attempt budget runs
// out; permanent failures park the job immediately.
package syncerr

import (
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for a sync failure.
type Code string

const (
	CodeTargetNotFound Code = "sync.target.not_found"
	CodeTargetMismatch Code = "sync.target.project_mismatch"
	CodeTargetInvalid  Code = "sync.target.invalid_type"
	CodeSourceFailure  Code = "sync.source.failure"
	CodeEmbedRejected  Code = "sync.embed.rejected"
	CodeEmbedFailure   Code = "sync.embed.failure"
	CodeIndexRejected  Code = "sync.index.rejected"
	CodeIndexFailure   Code = "sync.index.failure"
)

const retryableKey = "retryable"

// Permanent builds a non-retryable error with the given code.
func Permanent(code Code, format string, args ...any) error {
	return oops.Code(string(code)).With(retryableKey, false).Errorf(format, args...)
}

// Transient builds a retryable error with the given code.
func Transient(code Code, format string, args ...any) error {
	return oops.Code(string(code)).With(retryableKey, true).Errorf(format, args...)
}

// WrapPermanent marks err non-retryable, preserving it in the chain.
func WrapPermanent(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	return oops.Code(string(code)).With(retryableKey, false).Wrapf(err, "%s", msg)
}

// WrapTransient marks err retryable, preserving it in the chain.
func WrapTransient(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	return oops.Code(string(code)).With(retryableKey, true).Wrapf(err, "%s", msg)
}

// IsPermanent reports whether err is marked non-retryable. Unmarked errors
// count as transient so that unclassified failures keep retrying until the
// attempt budget is spent.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return false
	}
	retryable, ok := oopsErr.Context()[retryableKey].(bool)
	return ok && !retryable
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}

// CodeOf extracts the Code from an error chain, or "" if none is attached.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsNotFound reports whether the error's code names a missing target.
func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func reason(code Code) string {
	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
