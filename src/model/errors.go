// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package model

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a failure for retry policy and API reporting.
type ErrorKind string

const (
	ErrTransient     ErrorKind = "transient"     // retried with backoff
	ErrConfiguration ErrorKind = "configuration" // bad parameters, no retry
	ErrPermission    ErrorKind = "permission"    // one retry after credential refresh
	ErrResource      ErrorKind = "resource"      // degraded retry, tightens admission
	ErrLogic         ErrorKind = "logic"         // unsatisfiable request, no retry

	// ErrRecoveryExhausted marks a task interrupted by two consecutive
	// process crashes.
	ErrRecoveryExhausted ErrorKind = "recovery_exhausted"
)

// TaskError carries a machine-readable kind alongside the human-readable
// message surfaced through the API.
type TaskError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	cause   error
}

func NewTaskError(kind ErrorKind, format string, args ...any) *TaskError {
	return &TaskError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind to an existing error, preserving the chain.
func WrapError(kind ErrorKind, err error) *TaskError {
	if err == nil {
		return nil
	}
	return &TaskError{Kind: kind, Message: err.Error(), cause: err}
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *TaskError) Unwrap() error { return e.cause }

func (e *TaskError) clonePtr() *TaskError {
	cp := *e
	return &cp
}

// Classify maps an arbitrary error onto the taxonomy. Errors already carrying
// a TaskError keep their kind; timeouts and network faults are transient.
// Unclassified errors default to transient so the retry policy gets a chance
// before the step is declared dead.
func Classify(err error) *TaskError {
	if err == nil {
		return nil
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return WrapError(ErrTransient, err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return WrapError(ErrTransient, err)
	}
	return WrapError(ErrTransient, err)
}

// KindOf extracts the classification from an error chain.
func KindOf(err error) ErrorKind {
	return Classify(err).Kind
}
