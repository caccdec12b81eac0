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

package access

import (
	"context"
	"fmt"
	"os"
	"strings"
	"unsafe"

	"github.com/cardforge/cardforge/models"
	"github.com/google/logger"
	"golang.org/x/sys/windows"
)

const (
	fsctlLockVolume           = 0x00090018
	fsctlUnlockVolume         = 0x0009001C
	fsctlDismountVolume       = 0x00090020
	ioctlDiskGetDriveGeometry = 0x00070000
	ioctlDiskGetLengthInfo    = 0x0007405C
	ioctlDiskUpdateProperties = 0x00070140
)

// diskGeometry mirrors DISK_GEOMETRY.
type diskGeometry struct {
	Cylinders         int64
	MediaType         uint32
	TracksPerCylinder uint32
	SectorsPerTrack   uint32
	BytesPerSector    uint32
}

func ioctl(h windows.Handle, code uint32, out unsafe.Pointer, outSize uint32) error {
	var returned uint32
	return windows.DeviceIoControl(h, code, nil, 0, (*byte)(out), outSize, &returned, nil)
}

// lockVolume opens a volume such as `E:\`, locks it and dismounts it. The
// returned handle must stay open for as long as the disk is written:
// closing it lets the OS mount the volume again.
func lockVolume(mount string) (windows.Handle, error) {
	name := `\\.\` + strings.TrimSuffix(strings.TrimSuffix(mount, `\`), `/`)
	p, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return windows.InvalidHandle, err
	}
	h, err := windows.CreateFile(p, windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE, nil, windows.OPEN_EXISTING, 0, 0)
	if err != nil {
		return windows.InvalidHandle, openError(name, err)
	}
	if err := ioctl(h, fsctlLockVolume, nil, 0); err != nil {
		windows.CloseHandle(h)
		return windows.InvalidHandle, &models.Error{Kind: models.KindAccessSystem, Detail: fmt.Sprintf("FSCTL_LOCK_VOLUME on %q, the volume is in use", name), Err: err}
	}
	if err := ioctl(h, fsctlDismountVolume, nil, 0); err != nil {
		ioctl(h, fsctlUnlockVolume, nil, 0)
		windows.CloseHandle(h)
		return windows.InvalidHandle, &models.Error{Kind: models.KindAccessSystem, Detail: fmt.Sprintf("FSCTL_DISMOUNT_VOLUME on %q", name), Err: err}
	}
	return h, nil
}

// openDevice opens \\.\PhysicalDriveN with no sharing and no buffering
// after locking every volume on it. Administrator rights grant access.
func openDevice(ctx context.Context, drive models.DriveInfo) (Handle, error) {
	path := drive.Path
	if path == "" {
		path = `\\.\PhysicalDrive` + drive.ID
	}

	var locks []windows.Handle
	unlock := func() error {
		var err error
		for _, l := range locks {
			ioctl(l, fsctlUnlockVolume, nil, 0)
			if e := windows.CloseHandle(l); e != nil && err == nil {
				err = e
			}
		}
		locks = nil
		return err
	}
	for _, m := range drive.Mounts {
		logger.V(2).Infof("access: locking volume %q on device=%s", m, drive.ID)
		l, err := lockVolume(m)
		if err != nil {
			unlock()
			return nil, err
		}
		locks = append(locks, l)
	}
	if err := ctx.Err(); err != nil {
		unlock()
		return nil, &models.Error{Kind: models.KindCancelled, Detail: "open interrupted", Err: err}
	}

	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		unlock()
		return nil, openError(path, err)
	}
	h, err := windows.CreateFile(p, windows.GENERIC_READ|windows.GENERIC_WRITE, 0, nil,
		windows.OPEN_EXISTING, windows.FILE_FLAG_NO_BUFFERING|windows.FILE_FLAG_WRITE_THROUGH, 0)
	if err != nil {
		unlock()
		return nil, openError(path, err)
	}

	var length int64
	if err := ioctl(h, ioctlDiskGetLengthInfo, unsafe.Pointer(&length), uint32(unsafe.Sizeof(length))); err != nil {
		windows.CloseHandle(h)
		unlock()
		return nil, &models.Error{Kind: models.KindAccessSystem, Detail: fmt.Sprintf("IOCTL_DISK_GET_LENGTH_INFO on %q", path), Err: err}
	}
	sector := defaultSectorSize
	var geo diskGeometry
	if err := ioctl(h, ioctlDiskGetDriveGeometry, unsafe.Pointer(&geo), uint32(unsafe.Sizeof(geo))); err == nil && geo.BytesPerSector > 0 {
		sector = int(geo.BytesPerSector)
	}

	return &device{
		f:          os.NewFile(uintptr(h), path),
		path:       path,
		size:       uint64(length),
		sectorSize: sector,
		flush: func() error {
			// Make the OS re-read the partition table we may have written.
			return ioctl(h, ioctlDiskUpdateProperties, nil, 0)
		},
		release: unlock,
	}, nil
}
