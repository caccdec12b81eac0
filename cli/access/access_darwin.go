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
	"os/exec"
	"strings"
	"unsafe"

	"github.com/cardforge/cardforge/models"
	"github.com/google/logger"
	"golang.org/x/sys/unix"
)

const (
	dkiocGetBlockSize  = 0x40046418 // _IOR('d', 24, uint32)
	dkiocGetBlockCount = 0x40086419 // _IOR('d', 25, uint64)
)

var (
	geteuid = os.Geteuid
	// unmountDisk releases every volume of the disk so the raw device can be
	// opened for writing.
	unmountDisk = func(ctx context.Context, disk string) ([]byte, error) {
		return exec.CommandContext(ctx, "diskutil", "unmountDisk", disk).CombinedOutput()
	}
)

// openDevice opens the raw (uncached) disk node. When already running as
// root the node is opened directly, otherwise the authorization helper
// prompts the user and hands back a descriptor.
func openDevice(ctx context.Context, drive models.DriveInfo) (Handle, error) {
	path := drive.Path
	if path == "" {
		path = "/dev/r" + strings.TrimPrefix(drive.ID, "r")
	}
	if out, err := unmountDisk(ctx, "/dev/"+strings.TrimPrefix(drive.ID, "r")); err != nil {
		return nil, &models.Error{Kind: models.KindAccessSystem, Detail: fmt.Sprintf("diskutil unmountDisk: %s", strings.TrimSpace(string(out))), Err: err}
	}

	var f *os.File
	if geteuid() == 0 {
		logger.V(2).Infof("access: running as root, opening %q directly", path)
		fd, err := unix.Open(path, unix.O_RDWR|unix.O_SYNC|unix.O_EXLOCK|unix.O_CLOEXEC, 0)
		if err != nil {
			return nil, openError(path, err)
		}
		f = os.NewFile(uintptr(fd), path)
	} else {
		var err error
		if f, err = helperOpen(ctx, path); err != nil {
			return nil, err
		}
	}

	if err := validateDescriptor(f, unix.S_IFCHR); err != nil {
		f.Close()
		return nil, err
	}
	fd := f.Fd()
	if _, err := unix.FcntlInt(fd, unix.F_NOCACHE, 1); err != nil {
		f.Close()
		return nil, &models.Error{Kind: models.KindAccessSystem, Detail: fmt.Sprintf("F_NOCACHE on %q", path), Err: err}
	}

	var blockSize uint32
	var blockCount uint64
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, dkiocGetBlockSize, uintptr(unsafe.Pointer(&blockSize))); errno != 0 {
		f.Close()
		return nil, &models.Error{Kind: models.KindAccessSystem, Detail: fmt.Sprintf("DKIOCGETBLOCKSIZE on %q", path), Err: errno}
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, dkiocGetBlockCount, uintptr(unsafe.Pointer(&blockCount))); errno != 0 {
		f.Close()
		return nil, &models.Error{Kind: models.KindAccessSystem, Detail: fmt.Sprintf("DKIOCGETBLOCKCOUNT on %q", path), Err: errno}
	}

	return &device{
		f:          f,
		path:       path,
		size:       uint64(blockSize) * blockCount,
		sectorSize: int(blockSize),
	}, nil
}
