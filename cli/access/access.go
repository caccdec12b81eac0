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

// Package access obtains exclusive raw read/write handles to physical
// devices using the elevation model of the running platform. Handles
// bypass the OS cache and use synchronous writes, so a completed write is
// durable before the device can be removed.
package access

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"unsafe"

	"github.com/cardforge/cardforge/models"
	"github.com/google/logger"
)

const defaultSectorSize = 512

var (
	// ErrBusy is returned when a device is already held by another
	// operation. It is a validation failure: nothing was attempted.
	ErrBusy = &models.Error{Kind: models.KindValidation, Detail: "device is already open by another operation"}

	errOutOfRange = errors.New("access beyond end of device")
	errEmptyID    = errors.New("drive has no identifier")
)

// Handle is an exclusively owned raw handle to a block device. Offsets and
// buffer lengths passed to ReadAt and WriteAt must be multiples of
// SectorSize, and buffers should come from AlignedBuffer.
type Handle interface {
	io.ReaderAt
	io.WriterAt
	// Sync flushes any device level write cache.
	Sync() error
	// Close releases the handle. It is safe to call more than once.
	Close() error
	// Size is the capacity of the device in bytes.
	Size() uint64
	// SectorSize is the logical sector size of the device.
	SectorSize() int
	// Path is the raw device path backing the handle.
	Path() string
}

// device is the Handle used by every platform. The platform open functions
// populate flush and release with whatever extra work their OS needs.
type device struct {
	f          *os.File
	path       string
	size       uint64
	sectorSize int

	// flush runs after f.Sync.
	flush func() error
	// release runs after f is closed.
	release func() error
	closed  bool
}

func (d *device) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errOutOfRange
	}
	if uint64(off) >= d.size {
		return 0, io.EOF
	}
	if remain := d.size - uint64(off); uint64(len(p)) > remain {
		n, err := d.f.ReadAt(p[:remain], off)
		if err == nil {
			err = io.EOF
		}
		return n, err
	}
	return d.f.ReadAt(p, off)
}

func (d *device) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off)+uint64(len(p)) > d.size {
		return 0, fmt.Errorf("write of %d bytes at %d on %q: %w", len(p), off, d.path, errOutOfRange)
	}
	return d.f.WriteAt(p, off)
}

func (d *device) Sync() error {
	if err := d.f.Sync(); err != nil {
		return err
	}
	if d.flush != nil {
		return d.flush()
	}
	return nil
}

func (d *device) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	err := d.f.Close()
	if d.release != nil {
		if err2 := d.release(); err2 != nil {
			if err != nil {
				return fmt.Errorf("release(%q) returned %v: %w", d.path, err, err2)
			}
			err = err2
		}
	}
	return err
}

func (d *device) Size() uint64    { return d.size }
func (d *device) SectorSize() int { return d.sectorSize }
func (d *device) Path() string    { return d.path }

// NewFileHandle wraps a regular file as a Handle. Image files and tests use
// it in place of a physical device. The file is neither truncated nor
// extended: its current length is the device capacity.
func NewFileHandle(path string, sectorSize int) (Handle, error) {
	if sectorSize <= 0 {
		sectorSize = defaultSectorSize
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("os.OpenFile(%q) returned %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("Stat(%q) returned %w", path, err)
	}
	return &device{f: f, path: path, size: uint64(fi.Size()), sectorSize: sectorSize}, nil
}

// AlignedBuffer returns a zeroed buffer of size bytes whose first byte is
// aligned to align. Unbuffered device I/O on several platforms rejects
// buffers that are not aligned to the sector size.
func AlignedBuffer(size, align int) []byte {
	if align <= 0 {
		align = defaultSectorSize
	}
	buf := make([]byte, size+align)
	off := 0
	if rem := int(uintptr(unsafe.Pointer(&buf[0])) & uintptr(align-1)); rem != 0 {
		off = align - rem
	}
	return buf[off : off+size : off+size]
}

// openError classifies a failed device open as an access error.
func openError(path string, err error) error {
	kind := models.KindAccessSystem
	if errors.Is(err, os.ErrPermission) {
		kind = models.KindAccessDenied
	}
	return &models.Error{Kind: kind, Detail: fmt.Sprintf("open %q: %v", path, err), Err: err}
}

// Broker hands out exclusive device handles. A device may be held by at
// most one operation at a time. A second request fails immediately with
// ErrBusy rather than waiting.
type Broker struct {
	mu     sync.Mutex
	leases map[string]bool

	// open performs the platform specific open.
	open func(context.Context, models.DriveInfo) (Handle, error)
}

// NewBroker returns a Broker that opens devices with the platform's
// access model.
func NewBroker() *Broker {
	return &Broker{leases: make(map[string]bool), open: openDevice}
}

// NewFileBroker returns a Broker that opens each drive's Path as a
// regular file with the given sector size. It serves disk image files,
// which are written exactly like devices.
func NewFileBroker(sectorSize int) *Broker {
	return &Broker{
		leases: make(map[string]bool),
		open: func(_ context.Context, drive models.DriveInfo) (Handle, error) {
			h, err := NewFileHandle(drive.Path, sectorSize)
			if err != nil {
				return nil, openError(drive.Path, err)
			}
			return h, nil
		},
	}
}

// Open obtains an exclusive raw handle to drive. Closing the returned
// Handle releases the device for later operations.
func (b *Broker) Open(ctx context.Context, drive models.DriveInfo) (Handle, error) {
	release, err := b.Reserve(drive)
	if err != nil {
		return nil, err
	}
	h, err := b.open(ctx, drive)
	if err != nil {
		release()
		logger.Errorf("access: open failed device=%s kind=%s detail=%q", drive.ID, models.KindOf(err), err)
		return nil, err
	}
	logger.V(1).Infof("access: opened device=%s path=%s size=%d sector=%d", drive.ID, h.Path(), h.Size(), h.SectorSize())
	return &leased{Handle: h, release: release}, nil
}

// Reserve marks drive as held without opening it. It is used when an
// external utility needs the device while this process must still keep
// other operations away from it. The returned release func may be called
// more than once.
func (b *Broker) Reserve(drive models.DriveInfo) (func(), error) {
	if drive.ID == "" {
		return nil, models.Validationf("reserve: %w", errEmptyID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.leases == nil {
		b.leases = make(map[string]bool)
	}
	if b.leases[drive.ID] {
		return nil, ErrBusy
	}
	b.leases[drive.ID] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.leases, drive.ID)
			b.mu.Unlock()
		})
	}, nil
}

// leased returns its lease to the Broker when closed.
type leased struct {
	Handle
	once     sync.Once
	closeErr error
	release  func()
}

func (l *leased) Close() error {
	l.once.Do(func() {
		l.closeErr = l.Handle.Close()
		l.release()
		if l.closeErr != nil {
			logger.Errorf("access: close failed path=%s detail=%q", l.Path(), l.closeErr)
		}
	})
	return l.closeErr
}
