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
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		desc string
		err  error
		want Kind
	}{
		{
			desc: "nil",
			err:  nil,
			want: KindNone,
		},
		{
			desc: "plain error",
			err:  errors.New("boom"),
			want: KindUnknown,
		},
		{
			desc: "validation",
			err:  Validationf("too small"),
			want: KindValidation,
		},
		{
			desc: "wrapped io",
			err:  fmt.Errorf("burn: %w", IOf("write at %d: %w", 512, io.ErrShortWrite)),
			want: KindIO,
		},
		{
			desc: "bare sentinel",
			err:  fmt.Errorf("open: %w", ErrAccessDenied),
			want: KindAccessDenied,
		},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("%s: KindOf(%v) = %q, want %q", tt.desc, tt.err, got, tt.want)
		}
	}
}

func TestErrorIs(t *testing.T) {
	err := IOf("write at %d: %w", 4096, io.ErrShortWrite)
	if !errors.Is(err, ErrIO) {
		t.Errorf("errors.Is(%v, ErrIO) = false, want true", err)
	}
	if errors.Is(err, ErrFormat) {
		t.Errorf("errors.Is(%v, ErrFormat) = true, want false", err)
	}
	if !errors.Is(err, io.ErrShortWrite) {
		t.Errorf("errors.Is(%v, io.ErrShortWrite) = false, want true", err)
	}
}

func TestResultFromError(t *testing.T) {
	tests := []struct {
		desc string
		err  error
		want Result
	}{
		{
			desc: "success",
			want: Result{Status: StatusSuccess},
		},
		{
			desc: "cancelled",
			err:  &Error{Kind: KindCancelled, Detail: "stopped"},
			want: Result{Status: StatusCancelled, Kind: KindCancelled, Message: "cancelled: stopped"},
		},
		{
			desc: "failed",
			err:  &Error{Kind: KindFormat, Detail: "mkfs exited 1"},
			want: Result{Status: StatusFailed, Kind: KindFormat, Message: "format: mkfs exited 1"},
		},
	}
	for _, tt := range tests {
		got := ResultFromError(tt.err)
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("%s: ResultFromError() returned diff (-want +got):\n%s", tt.desc, diff)
		}
	}
}

func TestDriveInfo(t *testing.T) {
	d := DriveInfo{ID: "sdb", SizeBytes: 1 << 30, Removable: true}
	if got, want := d.FriendlyName(), "Unknown Device"; got != want {
		t.Errorf("FriendlyName() = %q, want %q", got, want)
	}
	if got, want := d.String(), "sdb (Unknown Device, 1.0 GiB) [removable]"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if d.Mounted() {
		t.Errorf("Mounted() = true, want false")
	}
}
