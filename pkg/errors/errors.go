/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package errors defines the broker error taxonomy. Every error that crosses
// a package boundary is classified into a Kind so that callers can decide
// whether to retry, fall back, or fail the request.
package errors

import (
	stderrors "errors"
	"fmt"
)

type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindQuota      Kind = "quota"
	KindTransient  Kind = "provider_transient"
	KindPermanent  Kind = "provider_permanent"
	KindSaturated  Kind = "saturated"
	KindCancelled  Kind = "cancelled"
	KindTimeout    Kind = "timeout"
	KindInternal   Kind = "internal"
)

// retryableKinds are safe to retry against the same or another provider.
var retryableKinds = map[Kind]bool{
	KindQuota:     true,
	KindTransient: true,
	KindSaturated: true,
	KindTimeout:   true,
}

// Error is a classified broker error. Details carry structured context that
// survives into outcome envelopes and event payloads.
type Error struct {
	kind    Kind
	message string
	details map[string]any
	cause   error
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, message: fmt.Sprintf(format, args...)}
}

func Wrap(cause error, kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, message: fmt.Sprintf(format, args...), cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", e.message, e.cause)
	}
	return e.message
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Kind() Kind { return e.kind }

func (e *Error) Message() string { return e.message }

// WithDetail attaches a key/value pair and returns the receiver for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.details == nil {
		e.details = map[string]any{}
	}
	e.details[key] = value
	return e
}

func (e *Error) Details() map[string]any { return e.details }

// Is matches another *Error with the same Kind and message, which lets
// sentinel errors constructed with New participate in errors.Is chains.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.kind == other.kind && e.message == other.message
}

// AsError is errors.As specialized to the classified error type.
func AsError(err error, target **Error) bool {
	return stderrors.As(err, target)
}

// KindOf walks the error chain for the first classified error. Unclassified
// non-nil errors report KindInternal; nil reports the empty Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.kind
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether the error's Kind permits a retry.
func IsRetryable(err error) bool {
	return retryableKinds[KindOf(err)]
}

func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

func IsConflict(err error) bool { return IsKind(err, KindConflict) }

func IsValidation(err error) bool { return IsKind(err, KindValidation) }

func IsCancelled(err error) bool { return IsKind(err, KindCancelled) }

// IsProviderError reports whether the error originated on the provider side,
// as opposed to caller mistakes or local state conflicts.
func IsProviderError(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindPermanent, KindQuota, KindSaturated, KindTimeout:
		return true
	default:
		return false
	}
}
