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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unsafe"

	"github.com/cardforge/cardforge/models"
	"github.com/google/logger"
	"golang.org/x/sys/unix"
)

var (
	// Dependency injections for testing.
	unmount          = unix.Unmount
	rereadPartitions = blkrrpart
	rereadRetries    = 5
	rereadBackoff    = 200 * time.Millisecond
)

// blkrrpart asks the kernel to read the partition table of the disk at
// path again.
func blkrrpart(path string) error {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.BLKRRPART, 0); errno != 0 {
		return errno
	}
	return nil
}

// releaseDevice runs once the exclusive handle on path is closed. A
// partition table written through the raw handle is unknown to the kernel
// until it is read again, and no partition device exists to mount before
// that. udev scanning the disk holds it briefly, so EBUSY is retried.
func releaseDevice(path string) func() error {
	return func() error {
		var err error
		for i := 0; i < rereadRetries; i++ {
			if err = rereadPartitions(path); !errors.Is(err, unix.EBUSY) {
				break
			}
			time.Sleep(rereadBackoff)
		}
		if err != nil {
			logger.Warningf("access: BLKRRPART on %q returned %v, new partitions may not appear until the device is reattached", path, err)
		}
		return nil
	}
}

// openDevice opens a block device directly. Root grants raw access, and
// O_EXCL makes the kernel refuse the open while any partition is mounted
// or held by another process.
func openDevice(ctx context.Context, drive models.DriveInfo) (Handle, error) {
	path := drive.Path
	if path == "" {
		path = filepath.Join("/dev", drive.ID)
	}
	for _, m := range drive.Mounts {
		logger.V(2).Infof("access: unmounting %q from device=%s", m, drive.ID)
		if err := unmount(m, 0); err != nil {
			return nil, &models.Error{Kind: models.KindAccessSystem, Detail: fmt.Sprintf("unmount %q: %v", m, err), Err: err}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, &models.Error{Kind: models.KindCancelled, Detail: "open interrupted", Err: err}
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_DIRECT|unix.O_SYNC|unix.O_EXCL|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, openError(path, err)
	}
	var size uint64
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size))); errno != 0 {
		unix.Close(fd)
		return nil, &models.Error{Kind: models.KindAccessSystem, Detail: fmt.Sprintf("BLKGETSIZE64 on %q: %v", path, errno), Err: errno}
	}
	sector, err := unix.IoctlGetInt(fd, unix.BLKSSZGET)
	if err != nil || sector <= 0 {
		logger.Warningf("access: BLKSSZGET failed on %q (%v), assuming %d byte sectors", path, err, defaultSectorSize)
		sector = defaultSectorSize
	}

	return &device{
		f:          os.NewFile(uintptr(fd), path),
		path:       path,
		size:       size,
		sectorSize: sector,
		flush: func() error {
			// Drop the kernel's buffer cache for the device so later
			// readers see what is on the media.
			if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.BLKFLSBUF, 0); errno != 0 {
				return fmt.Errorf("BLKFLSBUF on %q: %w", path, errno)
			}
			return nil
		},
		release: releaseDevice(path),
	}, nil
}
