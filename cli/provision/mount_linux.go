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

package provision

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/cardforge/cardforge/cli/fat32"
	"github.com/cardforge/cardforge/models"
	"github.com/google/logger"
)

var (
	// Dependency injections for testing.
	runMount = func(name string, args ...string) ([]byte, error) {
		return exec.Command(name, args...).CombinedOutput()
	}
	mountDir = func() (string, error) {
		return os.MkdirTemp("", "cardforge-")
	}
)

// volumeDevice is the block device holding the volume written to drive.
func volumeDevice(drive models.DriveInfo, l fat32.Layout) string {
	disk := drive.Path
	if disk == "" {
		disk = filepath.Join("/dev", drive.ID)
	}
	if l == fat32.LayoutSuperfloppy {
		return disk
	}
	return fat32.PartitionPath(disk)
}

// mountVolume mounts the new volume through udisks, which picks the usual
// per user location. Hosts without udisks get a plain mount on a
// temporary directory.
func mountVolume(ctx context.Context, drive models.DriveInfo, l fat32.Layout) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dev := volumeDevice(drive, l)
	out, err := runMount("udisksctl", "mount", "--block-device", dev, "--no-user-interaction")
	if err == nil {
		if path := parseUdisks(string(out)); path != "" {
			return path, nil
		}
		return "", fmt.Errorf("udisksctl mount %s printed no mount point: %q: %w", dev, out, errMount)
	}
	logger.V(1).Infof("provision: udisksctl mount %s returned %v: %s", dev, err, strings.TrimSpace(string(out)))

	dir, derr := mountDir()
	if derr != nil {
		return "", fmt.Errorf("creating a mount point returned %v: %w", derr, errMount)
	}
	if out, err := runMount("mount", "-t", "vfat", dev, dir); err != nil {
		os.Remove(dir)
		return "", fmt.Errorf("mount %s %s returned %v: %s: %w", dev, dir, err, strings.TrimSpace(string(out)), errMount)
	}
	return dir, nil
}

// parseUdisks extracts the mount point from "Mounted /dev/sdb1 at
// /media/user/BOOT." as printed by udisksctl.
func parseUdisks(out string) string {
	out = strings.TrimSpace(out)
	i := strings.Index(out, " at ")
	if i < 0 {
		return ""
	}
	return strings.TrimSuffix(out[i+len(" at "):], ".")
}
