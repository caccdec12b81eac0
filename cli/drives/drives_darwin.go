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
	"os/exec"

	"github.com/cardforge/cardforge/models"
)

var diskutil = func(args ...string) ([]byte, error) {
	return exec.Command("diskutil", args...).Output()
}

// list enumerates physical disks. Synthesized APFS containers are views of
// a physical disk and are never offered as targets.
func list() ([]models.DriveInfo, error) {
	listing, err := diskutil("list", "-plist", "physical")
	if err != nil {
		return nil, fmt.Errorf("diskutil list -plist physical returned %w", err)
	}
	return parseDiskutil(listing, func(id string) ([]byte, error) {
		return diskutil("info", "-plist", id)
	})
}
