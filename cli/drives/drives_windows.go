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
	"sort"
	"strings"
	"unsafe"

	"github.com/cardforge/cardforge/models"
	"github.com/google/logger"
	"golang.org/x/sys/windows"
)

const (
	ioctlStorageGetDeviceNumber = 0x002D1080
	ioctlDiskGetLengthInfo      = 0x0007405C
)

// storageDeviceNumber mirrors STORAGE_DEVICE_NUMBER.
type storageDeviceNumber struct {
	DeviceType      uint32
	DeviceNumber    uint32
	PartitionNumber uint32
}

// openQuery opens a device for metadata queries only. No access rights are
// requested, so elevation is not needed.
func openQuery(path string) (windows.Handle, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return windows.InvalidHandle, err
	}
	return windows.CreateFile(p, 0, windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE, nil, windows.OPEN_EXISTING, 0, 0)
}

func query(path string, code uint32, out unsafe.Pointer, size uint32) error {
	h, err := openQuery(path)
	if err != nil {
		return err
	}
	defer windows.CloseHandle(h)
	var returned uint32
	return windows.DeviceIoControl(h, code, nil, 0, (*byte)(out), size, &returned, nil)
}

// list walks the logical drive bitmap and groups drive letters by the
// physical disk number that backs them.
func list() ([]models.DriveInfo, error) {
	mask, err := windows.GetLogicalDrives()
	if err != nil {
		return nil, fmt.Errorf("GetLogicalDrives returned %w", err)
	}
	sysDrive := strings.ToUpper(os.Getenv("SystemDrive"))
	if sysDrive == "" {
		sysDrive = "C:"
	}

	disks := map[uint32]*models.DriveInfo{}
	for i := 0; i < 26; i++ {
		if mask&(1<<uint(i)) == 0 {
			continue
		}
		letter := string(rune('A'+i)) + ":"
		root, err := windows.UTF16PtrFromString(letter + `\`)
		if err != nil {
			continue
		}
		kind := windows.GetDriveType(root)
		if kind != windows.DRIVE_REMOVABLE && kind != windows.DRIVE_FIXED {
			continue
		}
		var num storageDeviceNumber
		if err := query(`\\.\`+letter, ioctlStorageGetDeviceNumber, unsafe.Pointer(&num), uint32(unsafe.Sizeof(num))); err != nil {
			// Card readers with no media and volumes spanning disks end up here.
			logger.V(2).Infof("drives: no device number for %s: %v", letter, err)
			continue
		}
		d, ok := disks[num.DeviceNumber]
		if !ok {
			d = &models.DriveInfo{
				ID:   fmt.Sprint(num.DeviceNumber),
				Path: fmt.Sprintf(`\\.\PhysicalDrive%d`, num.DeviceNumber),
				Name: fmt.Sprintf("Disk %d", num.DeviceNumber),
			}
			disks[num.DeviceNumber] = d
		}
		d.Removable = d.Removable || kind == windows.DRIVE_REMOVABLE
		d.System = d.System || letter == sysDrive
		d.Mounts = append(d.Mounts, letter+`\`)
	}

	out := []models.DriveInfo{}
	for _, d := range disks {
		var length int64
		if err := query(d.Path, ioctlDiskGetLengthInfo, unsafe.Pointer(&length), uint32(unsafe.Sizeof(length))); err != nil {
			logger.V(2).Infof("drives: no length for %s: %v", d.Path, err)
			continue
		}
		d.SizeBytes = uint64(length)
		d.SectorSize = 512
		sort.Strings(d.Mounts)
		out = append(out, *d)
	}
	return out, nil
}
