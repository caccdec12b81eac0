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
	"os"

	"github.com/cardforge/cardforge/models"
	"golang.org/x/sys/unix"
)

var (
	sysRoot    = "/sys"
	mountsPath = "/proc/mounts"
	rootDevice = statRoot
)

// statRoot returns the major:minor number of the device holding /.
func statRoot() string {
	var st unix.Stat_t
	if err := unix.Stat("/", &st); err != nil {
		return ""
	}
	return fmt.Sprintf("%d:%d", unix.Major(uint64(st.Dev)), unix.Minor(uint64(st.Dev)))
}

func list() ([]models.DriveInfo, error) {
	f, err := os.Open(mountsPath)
	if err != nil {
		return nil, fmt.Errorf("os.Open(%q) returned %w", mountsPath, err)
	}
	defer f.Close()
	return listSysfs(sysRoot, parseMounts(f), rootDevice())
}
