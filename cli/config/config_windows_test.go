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

//go:build windows

package config

import (
	"errors"
	"testing"

	"golang.org/x/sys/windows"
)

func TestIsAdmin(t *testing.T) {
	tests := []struct {
		desc       string
		fakeMember func(*windows.SID) (bool, error)
		want       bool
		err        error
	}{
		{
			desc:       "membership error",
			fakeMember: func(*windows.SID) (bool, error) { return false, errors.New("access denied") },
			want:       false,
			err:        errElevation,
		},
		{
			desc:       "is not admin",
			fakeMember: func(*windows.SID) (bool, error) { return false, nil },
			want:       false,
			err:        nil,
		},
		{
			desc: "is admin",
			fakeMember: func(sid *windows.SID) (bool, error) {
				return sid.String() == "S-1-5-32-544", nil
			},
			want: true,
			err:  nil,
		},
	}
	orig := tokenMember
	defer func() { tokenMember = orig }()
	for _, tt := range tests {
		tokenMember = tt.fakeMember
		got, err := isAdmin()
		if !errors.Is(err, tt.err) {
			t.Errorf("%s: isAdmin() err: %v, want err: %v", tt.desc, err, tt.err)
		}
		if got != tt.want {
			t.Errorf("%s: isAdmin() got: %t, want: %t", tt.desc, got, tt.want)
		}
	}
}
