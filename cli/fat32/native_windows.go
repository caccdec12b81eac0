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
	"fmt"
	"os"

	"github.com/cardforge/cardforge/models"
)

// The format command refuses FAT32 volumes larger than 32 GiB.
const nativeLimit = 32 << 30

func nativeSupported(l Layout) bool { return l == LayoutMBR }

// nativeSteps writes a diskpart script that repartitions the disk and
// quick formats the new partition.
func nativeSteps(drive models.DriveInfo, plan Plan) ([]step, func(), error) {
	script := fmt.Sprintf("select disk %s\nclean\ncreate partition primary align=1024\nactive\nformat fs=fat32 quick label=\"%s\"\nassign\nexit\n", drive.ID, plan.Label)
	f, err := os.CreateTemp("", "cardforge-diskpart-*.txt")
	if err != nil {
		return nil, nil, err
	}
	if _, err := f.WriteString(script); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, nil, err
	}
	return []step{{name: "diskpart", args: []string{"/s", f.Name()}}},
		func() { os.Remove(f.Name()) }, nil
}
