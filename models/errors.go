// Copyright 2020 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package models

import (
	"errors"
	"fmt"
)

// Kind tags an error with the class of failure so callers can give
// different guidance for each.
type Kind string

// Error kinds.
const (
	KindNone            Kind = ""
	KindValidation      Kind = "validation"
	KindAccessCancelled Kind = "access_cancelled"
	KindAccessDenied    Kind = "access_denied"
	KindAccessSystem    Kind = "access_system"
	KindIO              Kind = "io"
	KindFormat          Kind = "format"
	KindCancelled       Kind = "cancelled"
	// KindUnknown is reported for errors that carry no kind tag.
	KindUnknown Kind = "unknown"
)

// Sentinels usable with errors.Is. Every *Error matches the sentinel of its
// kind.
var (
	ErrValidation      = errors.New("validation error")
	ErrAccessCancelled = errors.New("authorization was cancelled")
	ErrAccessDenied    = errors.New("access denied")
	ErrAccessSystem    = errors.New("access system error")
	ErrIO              = errors.New("device I/O error")
	ErrFormat          = errors.New("format error")
	ErrCancelled       = errors.New("operation cancelled")
)

var sentinels = map[Kind]error{
	KindValidation:      ErrValidation,
	KindAccessCancelled: ErrAccessCancelled,
	KindAccessDenied:    ErrAccessDenied,
	KindAccessSystem:    ErrAccessSystem,
	KindIO:              ErrIO,
	KindFormat:          ErrFormat,
	KindCancelled:       ErrCancelled,
}

// Error is a classified failure with a human readable detail string.
type Error struct {
	Kind   Kind
	Detail string
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Detail == "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// Errorf builds an *Error of the given kind. A %w verb in format is kept
// as the cause, and its text becomes part of the detail.
func Errorf(kind Kind, format string, args ...interface{}) error {
	wrapped := fmt.Errorf(format, args...)
	return &Error{Kind: kind, Detail: wrapped.Error(), Err: errors.Unwrap(wrapped)}
}

// Validationf returns a KindValidation error.
func Validationf(format string, args ...interface{}) error {
	return Errorf(KindValidation, format, args...)
}

// IOf returns a KindIO error.
func IOf(format string, args ...interface{}) error {
	return Errorf(KindIO, format, args...)
}

// Formatf returns a KindFormat error.
func Formatf(format string, args ...interface{}) error {
	return Errorf(KindFormat, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain. Bare
// sentinels are recognized as well.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for k, s := range sentinels {
		if errors.Is(err, s) {
			return k
		}
	}
	return KindUnknown
}
