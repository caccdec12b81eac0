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

	"github.com/cardforge/cardforge/models"
	"github.com/groob/plist"
)

// diskList is the output of diskutil list -plist.
type diskList struct {
	AllDisksAndPartitions []struct {
		DeviceIdentifier string `plist:"DeviceIdentifier"`
		MountPoint       string `plist:"MountPoint"`
		Partitions       []struct {
			DeviceIdentifier string `plist:"DeviceIdentifier"`
			MountPoint       string `plist:"MountPoint"`
		} `plist:"Partitions"`
		APFSPhysicalStores []struct {
			DeviceIdentifier string `plist:"DeviceIdentifier"`
		} `plist:"APFSPhysicalStores"`
		APFSVolumes []struct {
			MountPoint string `plist:"MountPoint"`
		} `plist:"APFSVolumes"`
	} `plist:"AllDisksAndPartitions"`
	WholeDisks []string `plist:"WholeDisks"`
}

// diskInfo is the output of diskutil info -plist for one disk.
type diskInfo struct {
	DeviceIdentifier  string `plist:"DeviceIdentifier"`
	MediaName         string `plist:"MediaName"`
	IORegistryName    string `plist:"IORegistryEntryName"`
	BusProtocol       string `plist:"BusProtocol"`
	Internal          bool   `plist:"Internal"`
	RemovableMedia    bool   `plist:"RemovableMedia"`
	Ejectable         bool   `plist:"Ejectable"`
	VirtualOrPhysical string `plist:"VirtualOrPhysical"`
	Size              uint64 `plist:"Size"`
	TotalSize         uint64 `plist:"TotalSize"`
	DeviceBlockSize   int    `plist:"DeviceBlockSize"`
}

// removableBuses are bus protocols used by card readers and sticks.
var removableBuses = map[string]bool{"USB": true, "Secure Digital": true, "SD": true, "FireWire": true}

// parseDiskutil combines diskutil list and per disk info plists into drive
// records. No single flag identifies removable media on this platform, so
// several are combined: external disks, removable or ejectable media and
// card reader buses all count.
func parseDiskutil(listing []byte, info func(id string) ([]byte, error)) ([]models.DriveInfo, error) {
	var l diskList
	if err := plist.Unmarshal(listing, &l); err != nil {
		return nil, fmt.Errorf("decoding diskutil list: %w", err)
	}

	// Synthesized APFS containers point back at the physical disk that
	// stores them. A container holding / makes its store a system disk.
	mounts := map[string][]string{}
	system := map[string]bool{}
	for _, d := range l.AllDisksAndPartitions {
		var mps []string
		if d.MountPoint != "" {
			mps = append(mps, d.MountPoint)
		}
		for _, p := range d.Partitions {
			if p.MountPoint != "" {
				mps = append(mps, p.MountPoint)
			}
		}
		for _, v := range d.APFSVolumes {
			if v.MountPoint != "" {
				mps = append(mps, v.MountPoint)
			}
		}
		isSystem := false
		for _, mp := range mps {
			if mp == "/" || strings.HasPrefix(mp, "/System/Volumes") {
				isSystem = true
			}
		}
		mounts[d.DeviceIdentifier] = append(mounts[d.DeviceIdentifier], mps...)
		if isSystem {
			system[d.DeviceIdentifier] = true
		}
		for _, s := range d.APFSPhysicalStores {
			whole := wholeDisk(s.DeviceIdentifier)
			if isSystem {
				system[whole] = true
			}
		}
	}

	out := []models.DriveInfo{}
	for _, d := range l.AllDisksAndPartitions {
		if len(d.APFSPhysicalStores) > 0 {
			// Synthesized container, not a physical device.
			continue
		}
		raw, err := info(d.DeviceIdentifier)
		if err != nil {
			// The disk vanished between list and info.
			continue
		}
		var di diskInfo
		if err := plist.Unmarshal(raw, &di); err != nil {
			continue
		}
		if di.VirtualOrPhysical == "Virtual" || di.BusProtocol == "Disk Image" {
			continue
		}
		size := di.TotalSize
		if size == 0 {
			size = di.Size
		}
		name := di.MediaName
		if name == "" {
			name = di.IORegistryName
		}
		out = append(out, models.DriveInfo{
			ID:         d.DeviceIdentifier,
			Path:       "/dev/r" + d.DeviceIdentifier,
			Name:       name,
			SizeBytes:  size,
			SectorSize: di.DeviceBlockSize,
			Removable:  !di.Internal || di.RemovableMedia || di.Ejectable || removableBuses[di.BusProtocol],
			System:     d.DeviceIdentifier == "disk0" || system[d.DeviceIdentifier],
			Mounts:     mounts[d.DeviceIdentifier],
		})
	}
	return out, nil
}

// wholeDisk trims the slice suffix from a BSD name: disk3s2 -> disk3.
func wholeDisk(id string) string {
	const prefix = "disk"
	if !strings.HasPrefix(id, prefix) {
		return id
	}
	if i := strings.IndexByte(id[len(prefix):], 's'); i >= 0 {
		return id[:len(prefix)+i]
	}
	return id
}
