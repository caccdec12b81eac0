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

package fat32

import (
	"strings"

	"github.com/cardforge/cardforge/models"
)

const nativeLimit = 2 << 40

// diskutil always writes a partition table.
func nativeSupported(l Layout) bool { return l == LayoutMBR }

func nativeSteps(drive models.DriveInfo, plan Plan) ([]step, func(), error) {
	disk := "/dev/" + strings.TrimPrefix(drive.ID, "r")
	return []step{
		{name: "diskutil", args: []string{"eraseDisk", "FAT32", plan.Label, "MBRFormat", disk}},
	}, func() {}, nil
}
