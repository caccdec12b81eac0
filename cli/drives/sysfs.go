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
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cardforge/cardforge/models"
)

// virtualPrefixes are block devices that are never physical media.
var virtualPrefixes = []string{"loop", "ram", "zram", "dm-", "md", "sr", "fd", "nbd"}

// systemMounts are mount points that identify the disk running the host.
var systemMounts = map[string]bool{"/": true, "/boot": true, "/boot/efi": true, "/usr": true}

// mountEntry is one line of a mounts table.
type mountEntry struct {
	device string
	path   string
}

// unescapeMount decodes the octal escapes (\040 for space) used in mount
// tables.
func unescapeMount(s string) string {
	if !strings.Contains(s, "\\") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// parseMounts reads a /proc/mounts formatted table.
func parseMounts(r io.Reader) []mountEntry {
	var out []mountEntry
	s := bufio.NewScanner(r)
	for s.Scan() {
		f := strings.Fields(s.Text())
		if len(f) < 2 || !strings.HasPrefix(f[0], "/dev/") {
			continue
		}
		dev := f[0]
		if resolved, err := filepath.EvalSymlinks(dev); err == nil {
			dev = resolved
		}
		out = append(out, mountEntry{device: filepath.Base(dev), path: unescapeMount(f[1])})
	}
	return out
}

func readTrimmed(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func readUint(path string) uint64 {
	v, _ := strconv.ParseUint(readTrimmed(path), 10, 64)
	return v
}

// partitions lists the partition names of disk, such as sdb1 or
// mmcblk0p1.
func partitions(blockDir, disk string) []string {
	entries, err := os.ReadDir(filepath.Join(blockDir, disk))
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), disk) {
			if _, err := os.Stat(filepath.Join(blockDir, disk, e.Name(), "partition")); err == nil {
				out = append(out, e.Name())
			}
		}
	}
	return out
}

// backing expands a device mapper name to the devices beneath it.
func backing(blockDir, name string, seen map[string]bool) {
	if seen[name] {
		return
	}
	seen[name] = true
	slaves, err := os.ReadDir(filepath.Join(blockDir, name, "slaves"))
	if err != nil {
		return
	}
	for _, s := range slaves {
		backing(blockDir, s.Name(), seen)
	}
}

// markDevice adds the block device numbered dev (major:minor), and the
// devices beneath it, to system.
func markDevice(blockDir string, entries []os.DirEntry, dev string, system map[string]bool) {
	for _, e := range entries {
		name := e.Name()
		if readTrimmed(filepath.Join(blockDir, name, "dev")) == dev {
			backing(blockDir, name, system)
			return
		}
		for _, p := range partitions(blockDir, name) {
			if readTrimmed(filepath.Join(blockDir, name, p, "dev")) == dev {
				backing(blockDir, p, system)
				return
			}
		}
	}
}

// listSysfs enumerates the disks under sysRoot/block. Removable media is
// recognized by the kernel's removable flag or by a USB device in the
// device path, since USB card readers often report fixed media. rootDev
// is the major:minor number of the root filesystem. It finds the system
// disk when the mounts table names it by an alias such as /dev/root.
func listSysfs(sysRoot string, mounts []mountEntry, rootDev string) ([]models.DriveInfo, error) {
	blockDir := filepath.Join(sysRoot, "block")
	entries, err := os.ReadDir(blockDir)
	if err != nil {
		return nil, err
	}

	system := map[string]bool{}
	mountsOf := map[string][]string{}
	for _, m := range mounts {
		mountsOf[m.device] = append(mountsOf[m.device], m.path)
		if systemMounts[m.path] {
			backing(blockDir, m.device, system)
		}
	}
	if rootDev != "" {
		markDevice(blockDir, entries, rootDev, system)
	}

	out := []models.DriveInfo{}
next:
	for _, e := range entries {
		name := e.Name()
		for _, p := range virtualPrefixes {
			if strings.HasPrefix(name, p) {
				continue next
			}
		}
		dir := filepath.Join(blockDir, name)
		sectors := readUint(filepath.Join(dir, "size"))
		if sectors == 0 {
			// Empty card reader slots report a zero size.
			continue
		}
		d := models.DriveInfo{
			ID:         name,
			Path:       "/dev/" + name,
			Name:       strings.TrimSpace(readTrimmed(filepath.Join(dir, "device", "vendor")) + " " + readTrimmed(filepath.Join(dir, "device", "model"))),
			SizeBytes:  sectors * 512,
			SectorSize: int(readUint(filepath.Join(dir, "queue", "logical_block_size"))),
			Removable:  readTrimmed(filepath.Join(dir, "removable")) == "1",
			System:     system[name],
			Mounts:     append([]string{}, mountsOf[name]...),
		}
		if target, err := filepath.EvalSymlinks(dir); err == nil && strings.Contains(target, "/usb") {
			d.Removable = true
		}
		for _, p := range partitions(blockDir, name) {
			d.Mounts = append(d.Mounts, mountsOf[p]...)
			if system[p] {
				d.System = true
			}
		}
		out = append(out, d)
	}
	return out, nil
}
