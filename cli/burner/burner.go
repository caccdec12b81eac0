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

// Package burner streams raw disk images onto devices with a pre-scan
// capacity check, sector aligned writes and read back verification.
package burner

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash"
	"io"

	"github.com/cardforge/cardforge/cli/access"
	"github.com/cardforge/cardforge/models"
	"github.com/docker/go-units"
	"github.com/google/logger"
)

// DefaultChunkSize is the amount of image data written per device write.
const DefaultChunkSize = 4 << 20

// Device is the raw device an image is written to. access.Handle
// satisfies it.
type Device interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Size() uint64
	SectorSize() int
	Path() string
}

var _ Device = access.Handle(nil)

// Options controls a burn.
type Options struct {
	// ChunkSize is rounded up to a multiple of the sector size.
	ChunkSize int
	// Verify re-reads the written region and compares it against the
	// checksum computed while writing.
	Verify bool
	// ImageSize is a previous pre-scan result. Zero triggers a pre-scan.
	ImageSize uint64
}

// Summary describes a completed burn.
type Summary struct {
	// ImageSize is the uncompressed length of the image.
	ImageSize uint64
	// Written is ImageSize rounded up to whole sectors.
	Written uint64
	// Checksum is the hex SHA-256 of the image data.
	Checksum string
	Verified bool
}

// ProgressFunc receives cumulative progress after every chunk.
type ProgressFunc func(models.ProgressEvent)

var errImageChanged = errors.New("image length differs from the pre-scan")

func cancelled(err error) error {
	return &models.Error{Kind: models.KindCancelled, Detail: "burn cancelled, the device is partially written", Err: err}
}

// PaddedLength rounds n up to a whole number of sectors.
func PaddedLength(n uint64, sector int) uint64 {
	s := uint64(sector)
	return (n + s - 1) / s * s
}

// Burn writes the image produced by open onto dev. The capacity check runs
// before the first write. Every write is a whole number of sectors and
// the final partial sector is padded with zeros, so exactly
// PaddedLength(image, sector) bytes reach the device. Cancellation is
// checked between chunks and leaves the device partially written.
func Burn(ctx context.Context, dev Device, open Opener, opts Options, progress ProgressFunc) (Summary, error) {
	sector := dev.SectorSize()
	if sector <= 0 {
		sector = 512
	}
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	chunk = int(PaddedLength(uint64(chunk), sector))
	if progress == nil {
		progress = func(models.ProgressEvent) {}
	}

	size := opts.ImageSize
	if size == 0 {
		logger.Infof("burner: phase=prescan device=%s", dev.Path())
		var err error
		if size, err = Prescan(open); err != nil {
			return Summary{}, err
		}
	}
	padded := PaddedLength(size, sector)
	if size == 0 {
		return Summary{}, models.Validationf("image is empty")
	}
	if padded > dev.Size() {
		return Summary{}, models.Validationf("image needs %s (%d bytes) but the device holds %s (%d bytes)",
			units.BytesSize(float64(padded)), padded, units.BytesSize(float64(dev.Size())), dev.Size())
	}

	r, err := open()
	if err != nil {
		return Summary{}, models.Validationf("reopening image: %w", err)
	}
	defer r.Close()

	logger.Infof("burner: phase=burning device=%s bytes=%d padded=%d chunk=%d", dev.Path(), size, padded, chunk)
	sum := sha256.New()
	buf := access.AlignedBuffer(chunk, sector)
	var data, off uint64
	for {
		if err := ctx.Err(); err != nil {
			logger.Warningf("burner: phase=cancelled device=%s bytes=%d", dev.Path(), off)
			return Summary{}, cancelled(err)
		}
		n, rerr := io.ReadFull(r, buf)
		if rerr != nil && rerr != io.EOF && rerr != io.ErrUnexpectedEOF {
			return Summary{}, sourceError(off, "reading image at %d: %w", data, rerr)
		}
		if n == 0 {
			break
		}
		if data+uint64(n) > size {
			return Summary{}, sourceError(off, "%w: more than %d bytes", errImageChanged, size)
		}
		data += uint64(n)
		sum.Write(buf[:n])
		w := int(PaddedLength(uint64(n), sector))
		clear(buf[n:w])
		if _, err := dev.WriteAt(buf[:w], int64(off)); err != nil {
			return Summary{}, models.IOf("write of %d bytes at offset %d: %w", w, off, err)
		}
		off += uint64(w)
		progress(models.ProgressEvent{Phase: models.PhaseBurning, Bytes: off, Total: padded})
		if n < len(buf) {
			break
		}
	}
	if data != size {
		return Summary{}, sourceError(off, "%w: read %d of %d bytes", errImageChanged, data, size)
	}
	if err := dev.Sync(); err != nil {
		return Summary{}, models.IOf("sync after burn: %w", err)
	}

	s := Summary{ImageSize: size, Written: off, Checksum: hex.EncodeToString(sum.Sum(nil))}
	if !opts.Verify {
		logger.Warningf("burner: verification disabled, integrity of written data is not checked device=%s", dev.Path())
		logger.Infof("burner: phase=done device=%s bytes=%d verified=false", dev.Path(), off)
		return s, nil
	}

	logger.Infof("burner: phase=verifying device=%s bytes=%d", dev.Path(), off)
	got, err := readBack(ctx, dev, size, padded, buf, progress)
	if err != nil {
		return Summary{}, err
	}
	if got != s.Checksum {
		return Summary{}, models.IOf("verification mismatch: wrote sha256 %s, read back %s", s.Checksum, got)
	}
	s.Verified = true
	logger.Infof("burner: phase=done device=%s bytes=%d verified=true sha256=%s", dev.Path(), off, s.Checksum)
	return s, nil
}

// sourceError reports a failure of the image source. Before the first
// write the device is untouched and the operation is rejected. Once
// written bytes reached the device its contents are undefined, which is
// an I/O failure of the operation.
func sourceError(written uint64, format string, args ...interface{}) error {
	if written == 0 {
		return models.Validationf(format, args...)
	}
	return models.IOf("device partially written (%d bytes): "+format, append([]interface{}{written}, args...)...)
}

// readBack hashes the first size bytes of dev and checks that the padding
// up to padded is zero.
func readBack(ctx context.Context, dev Device, size, padded uint64, buf []byte, progress ProgressFunc) (string, error) {
	var h hash.Hash = sha256.New()
	for off := uint64(0); off < padded; {
		if err := ctx.Err(); err != nil {
			return "", cancelled(err)
		}
		n := uint64(len(buf))
		if padded-off < n {
			n = padded - off
		}
		if _, err := dev.ReadAt(buf[:n], int64(off)); err != nil {
			return "", models.IOf("read back of %d bytes at offset %d: %w", n, off, err)
		}
		dataEnd := n
		if off+n > size {
			dataEnd = 0
			if size > off {
				dataEnd = size - off
			}
			if !bytes.Equal(buf[dataEnd:n], make([]byte, n-dataEnd)) {
				return "", models.IOf("verification mismatch: padding after byte %d is not zero", size)
			}
		}
		h.Write(buf[:dataEnd])
		off += n
		progress(models.ProgressEvent{Phase: models.PhaseVerifying, Bytes: off, Total: padded})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
