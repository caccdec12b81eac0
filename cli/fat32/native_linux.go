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
	"path/filepath"

	"github.com/cardforge/cardforge/models"
)

const nativeLimit = 2 << 40

func nativeSupported(Layout) bool { return true }

func nativeSteps(drive models.DriveInfo, plan Plan) ([]step, func(), error) {
	disk := drive.Path
	if disk == "" {
		disk = filepath.Join("/dev", drive.ID)
	}
	// mkfs.vfat and sfdisk refuse a disk with mounted partitions.
	var steps []step
	for _, m := range drive.Mounts {
		steps = append(steps, step{name: "umount", args: []string{m}})
	}
	mkfs := []string{"-F", "32", "-n", plan.Label, "-S", fmt.Sprint(plan.BytesPerSector)}
	if plan.Layout == LayoutSuperfloppy {
		mkfs = append(mkfs, "-I", disk)
		return append(steps, step{name: "mkfs.vfat", args: mkfs}), func() {}, nil
	}
	table := fmt.Sprintf("label: dos\nstart=%d, type=c, bootable\n", plan.VolumeStart)
	return append(steps,
		step{name: "sfdisk", args: []string{"--wipe", "always", disk}, stdin: table},
		step{name: "mkfs.vfat", args: append(mkfs, PartitionPath(disk))},
	), func() {}, nil
}
