// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package errors

import (
	"errors"
	"fmt"
)

type Category uint8

const (
	CategoryInternal Category = iota
	CategoryValidation
	CategoryNotFound
	CategoryConflict
	CategoryIntegrity
	CategoryAvailability
	CategoryPolicy
)

func (c Category) String() string {
	switch c {
	case CategoryValidation:
		return "validation"
	case CategoryNotFound:
		return "not_found"
	case CategoryConflict:
		return "conflict"
	case CategoryIntegrity:
		return "integrity"
	case CategoryAvailability:
		return "availability"
	case CategoryPolicy:
		return "policy"
	default:
		return "internal"
	}
}

const (
	CodeValidation = 701 + iota
	CodeAssetNotFound
	CodeConflictNotFound
	CodeDuplicateAsset
	CodeCyclicDependency
	CodeOptimisticConflict
	CodeConflictDetected
	CodeInvalidTransition
	CodeInvalidDependency
	CodeGraphTooLarge
	CodeChecksumMismatch
	CodeQuorumNotReached
	CodeReplicationTimeout
	CodeStorageUnavailable
	CodePolicyRejected
	CodePolicyTimeout
	CodeClosed
)

var (
	ErrValidation         = newError(CodeValidation, CategoryValidation, "invalid request")
	ErrAssetNotFound      = newError(CodeAssetNotFound, CategoryNotFound, "asset not found")
	ErrConflictNotFound   = newError(CodeConflictNotFound, CategoryNotFound, "conflict not found")
	ErrDuplicateAsset     = newError(CodeDuplicateAsset, CategoryConflict, "asset name and version already registered")
	ErrCyclicDependency   = newError(CodeCyclicDependency, CategoryConflict, "dependency would form a cycle")
	ErrOptimisticConflict = newError(CodeOptimisticConflict, CategoryConflict, "asset changed since last read")
	ErrConflictDetected   = newError(CodeConflictDetected, CategoryConflict, "concurrent changes require explicit resolution")
	ErrInvalidTransition  = newError(CodeInvalidTransition, CategoryConflict, "status transition not allowed")
	ErrInvalidDependency  = newError(CodeInvalidDependency, CategoryValidation, "dependency can not be resolved")
	ErrGraphTooLarge      = newError(CodeGraphTooLarge, CategoryValidation, "graph traversal exceeded visit limit")
	ErrChecksumMismatch   = newError(CodeChecksumMismatch, CategoryIntegrity, "checksum does not match artifact digest")
	ErrQuorumNotReached   = newError(CodeQuorumNotReached, CategoryAvailability, "quorum not reached")
	ErrReplicationTimeout = newError(CodeReplicationTimeout, CategoryAvailability, "replication timeout")
	ErrStorageUnavailable = newError(CodeStorageUnavailable, CategoryAvailability, "artifact storage unavailable")
	ErrPolicyRejected     = newError(CodePolicyRejected, CategoryPolicy, "rejected by policy")
	ErrPolicyTimeout      = newError(CodePolicyTimeout, CategoryPolicy, "policy validation timeout")
	ErrClosed             = newError(CodeClosed, CategoryAvailability, "service closed")
)

// Error is the typed error returned by every public operation. Errors
// compare equal under errors.Is when their codes match.
type Error struct {
	Code     uint32
	Category Category
	Msg      string
	// Logged is set on availability errors raised after the change was
	// durably appended to the local replication log; Seq is its position.
	Logged bool
	Seq    uint64

	cause error
}

func newError(code uint32, category Category, msg string) *Error {
	return &Error{
		Code:     code,
		Category: category,
		Msg:      msg,
	}
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Logged {
		msg = fmt.Sprintf("%s (logged locally at seq %d)", msg, e.Seq)
	}
	if e.cause != nil {
		return msg + ": " + e.cause.Error()
	}
	return msg
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) Retryable() bool {
	return e.Category == CategoryAvailability
}

// Withf returns a copy carrying a more specific message.
func (e *Error) Withf(format string, args ...interface{}) *Error {
	c := *e
	c.Msg = e.Msg + ": " + fmt.Sprintf(format, args...)
	return &c
}

// WithCause returns a copy wrapping err.
func (e *Error) WithCause(err error) *Error {
	c := *e
	c.cause = err
	return &c
}

// WithLogged returns a copy marked as durably logged at seq.
func (e *Error) WithLogged(seq uint64) *Error {
	c := *e
	c.Logged = true
	c.Seq = seq
	return &c
}

// Is reports whether err matches target anywhere in its chain.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func CodeOf(err error) uint32 {
	if e, ok := As(err); ok {
		return e.Code
	}
	return 0
}

func CategoryOf(err error) Category {
	if e, ok := As(err); ok {
		return e.Category
	}
	return CategoryInternal
}

// IsRetryable reports whether a retry may succeed without caller changes.
func IsRetryable(err error) bool {
	e, ok := As(err)
	return ok && e.Retryable()
}

// IsLogged reports whether the failed write is durably in the local log, in
// which case a blind retry would register a duplicate change.
func IsLogged(err error) bool {
	e, ok := As(err)
	return ok && e.Logged
}
