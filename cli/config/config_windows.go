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
	"fmt"

	"golang.org/x/sys/windows"
)

var (
	// IsElevatedCmd injects the command to determine the elevation state of the
	// user context.
	IsElevatedCmd = isAdmin

	// Dependency injection for testing.
	tokenMember = func(sid *windows.SID) (bool, error) {
		// A zero token checks the caller's effective token.
		return windows.Token(0).IsMember(sid)
	}
)

// isAdmin reports whether the effective token is a member of the builtin
// Administrators group (S-1-5-32-544). Under UAC the group is only enabled
// when the binary was started with 'run as administrator'.
func isAdmin() (bool, error) {
	sid, err := windows.CreateWellKnownSid(windows.WinBuiltinAdministratorsSid)
	if err != nil {
		return false, fmt.Errorf("CreateWellKnownSid() returned %v: %w", err, errElevation)
	}
	member, err := tokenMember(sid)
	if err != nil {
		return false, fmt.Errorf("IsMember(%s) returned %v: %w", sid, err, errElevation)
	}
	return member, nil
}
