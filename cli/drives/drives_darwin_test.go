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

package drives

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestListPhysical(t *testing.T) {
	orig := diskutil
	defer func() { diskutil = orig }()
	var calls []string
	diskutil = func(args ...string) ([]byte, error) {
		calls = append(calls, strings.Join(args, " "))
		if args[0] == "list" {
			return []byte(fakeDiskutilList), nil
		}
		info, ok := fakeDiskutilInfo[args[len(args)-1]]
		if !ok {
			return nil, fmt.Errorf("no such disk %q", args[len(args)-1])
		}
		return []byte(info), nil
	}
	if _, err := list(); err != nil {
		t.Fatalf("list() returned %v", err)
	}
	if len(calls) == 0 {
		t.Fatalf("list() did not run diskutil")
	}
	if diff := cmp.Diff("list -plist physical", calls[0]); diff != "" {
		t.Errorf("diskutil arguments diff (-want +got):\n%s", diff)
	}
}
