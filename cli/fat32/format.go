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

package fat32

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/cardforge/cardforge/cli/access"
	"github.com/cardforge/cardforge/models"
	"github.com/google/logger"
)

const (
	zeroChunk = 1 << 20
	oemName   = "MSWIN4.1"
	fsType    = "FAT32   "

	attrVolumeID = 0x08
	partTypeLBA  = 0x0C
)

var (
	// now is the clock used for the volume serial and label timestamps.
	now = time.Now
)

// ProgressFunc receives cumulative progress for the formatting phase.
type ProgressFunc func(models.ProgressEvent)

// Device is the raw device a volume is written to. access.Handle
// satisfies it.
type Device interface {
	io.WriterAt
	Sync() error
	Size() uint64
	SectorSize() int
}

var _ Device = access.Handle(nil)

// writer tracks formatting progress across the individual writes.
type writer struct {
	ctx      context.Context
	dev      Device
	progress ProgressFunc
	done     uint64
	total    uint64
}

func (w *writer) write(buf []byte, off uint64) error {
	if err := w.ctx.Err(); err != nil {
		return &models.Error{Kind: models.KindCancelled, Detail: "format cancelled, the device is left unformatted", Err: err}
	}
	if _, err := w.dev.WriteAt(buf, int64(off)); err != nil {
		return models.IOf("write of %d bytes at offset %d: %w", len(buf), off, err)
	}
	w.done += uint64(len(buf))
	if w.progress != nil {
		w.progress(models.ProgressEvent{Phase: models.PhaseFormatting, Bytes: w.done, Total: w.total})
	}
	return nil
}

// zero clears length bytes starting at off using chunked writes.
func (w *writer) zero(off, length uint64, bps int) error {
	buf := access.AlignedBuffer(zeroChunk, bps)
	for length > 0 {
		n := uint64(len(buf))
		if length < n {
			n = length
		}
		if err := w.write(buf[:n], off); err != nil {
			return err
		}
		off += n
		length -= n
	}
	return nil
}

// Format writes plan onto dev without using any OS formatting facility.
// Only positioned raw writes are issued. A failure part way leaves the
// device in an undefined state and the whole format must be repeated.
func Format(ctx context.Context, dev Device, plan Plan, progress ProgressFunc) error {
	bps := plan.BytesPerSector
	if bps != dev.SectorSize() && dev.SectorSize() != 0 {
		return models.Formatf("plan uses %d byte sectors but the device has %d", bps, dev.SectorSize())
	}
	volStart := uint64(plan.VolumeStart) * uint64(bps)
	volBytes := uint64(plan.TotalSectors) * uint64(bps)
	if volStart+volBytes > dev.Size() {
		return models.Formatf("plan needs %d bytes but the device has %d", volStart+volBytes, dev.Size())
	}

	// Everything up to the end of the root directory cluster is cleared,
	// which covers the reserved area, both FATs and any previous
	// partition table.
	clearLen := (plan.DataStart())*uint64(bps) + plan.ClusterBytes()
	metaLen := uint64(bps) * 4 // boot sector, FSInfo and their backups
	if plan.Layout == LayoutMBR {
		clearLen += volStart
		metaLen += uint64(bps)
	}
	metaLen += uint64(plan.NumFATs)*uint64(bps) + uint64(bps)

	w := &writer{ctx: ctx, dev: dev, progress: progress, total: clearLen + metaLen}
	logger.V(1).Infof("fat32: writing volume %s", plan)

	clearFrom := volStart
	if plan.Layout == LayoutMBR {
		clearFrom = 0
	}
	if err := w.zero(clearFrom, clearLen, bps); err != nil {
		return err
	}

	serial := volumeSerial(now())
	sector := access.AlignedBuffer(bps, bps)

	for i := uint32(0); i < plan.NumFATs; i++ {
		clear(sector)
		fatStart := uint64(plan.ReservedSectors) + uint64(i)*uint64(plan.FATSectors)
		binary.LittleEndian.PutUint32(sector[0:], 0x0FFFFF00|mediaFixed)
		binary.LittleEndian.PutUint32(sector[4:], 0x0FFFFFFF)
		// End of chain for the single cluster root directory.
		binary.LittleEndian.PutUint32(sector[8:], 0x0FFFFFFF)
		if err := w.write(sector, volStart+fatStart*uint64(bps)); err != nil {
			return err
		}
	}

	clear(sector)
	putLabelEntry(sector, plan.Label, now())
	if err := w.write(sector, volStart+plan.DataStart()*uint64(bps)); err != nil {
		return err
	}

	clear(sector)
	putFSInfo(sector, plan)
	if err := w.write(sector, volStart+fsInfoSector*uint64(bps)); err != nil {
		return err
	}
	if err := w.write(sector, volStart+(backupBoot+fsInfoSector)*uint64(bps)); err != nil {
		return err
	}

	// The boot sector goes last among the volume structures: until it is
	// written the volume is not recognized.
	clear(sector)
	putBootSector(sector, plan, serial)
	if err := w.write(sector, volStart+backupBoot*uint64(bps)); err != nil {
		return err
	}
	if err := w.write(sector, volStart); err != nil {
		return err
	}

	if plan.Layout == LayoutMBR {
		clear(sector)
		putMBR(sector, plan, serial)
		if err := w.write(sector, 0); err != nil {
			return err
		}
	}

	if err := dev.Sync(); err != nil {
		return models.IOf("sync after format: %w", err)
	}
	logger.Infof("fat32: volume written label=%q clusters=%d serial=%08X", plan.Label, plan.Clusters, serial)
	return nil
}

// volumeSerial derives a volume serial number from the clock the way DOS
// does: date and time words mixed with the sub second part.
func volumeSerial(t time.Time) uint32 {
	hi := uint32(t.Hour())<<8 | uint32(t.Minute())
	hi += uint32(t.Year())
	lo := uint32(t.Second())<<8 | uint32(t.Nanosecond()/10000000)
	lo += uint32(t.Month())<<8 | uint32(t.Day())
	return hi<<16 | lo&0xFFFF
}

// fatTimestamp encodes t as FAT date and time words.
func fatTimestamp(t time.Time) (date, clock uint16) {
	year := t.Year() - 1980
	if year < 0 {
		year = 0
	}
	date = uint16(year<<9 | int(t.Month())<<5 | t.Day())
	clock = uint16(t.Hour()<<11 | t.Minute()<<5 | t.Second()/2)
	return date, clock
}

// padLabel returns the label padded with spaces to 11 bytes.
func padLabel(label string) []byte {
	b := []byte("           ")
	copy(b, label)
	return b
}

func putBootSector(b []byte, p Plan, serial uint32) {
	b[0], b[1], b[2] = 0xEB, 0x58, 0x90
	copy(b[3:11], oemName)
	binary.LittleEndian.PutUint16(b[11:], uint16(p.BytesPerSector))
	b[13] = byte(p.SectorsPerCluster)
	binary.LittleEndian.PutUint16(b[14:], uint16(p.ReservedSectors))
	b[16] = byte(p.NumFATs)
	// Root entry count, 16 bit total sectors and 16 bit FAT size are zero
	// on FAT32.
	b[21] = mediaFixed
	binary.LittleEndian.PutUint16(b[24:], 63)  // sectors per track
	binary.LittleEndian.PutUint16(b[26:], 255) // heads
	binary.LittleEndian.PutUint32(b[28:], p.VolumeStart)
	binary.LittleEndian.PutUint32(b[32:], p.TotalSectors)
	binary.LittleEndian.PutUint32(b[36:], p.FATSectors)
	binary.LittleEndian.PutUint32(b[44:], rootCluster)
	binary.LittleEndian.PutUint16(b[48:], fsInfoSector)
	binary.LittleEndian.PutUint16(b[50:], backupBoot)
	b[64] = 0x80
	b[66] = 0x29
	binary.LittleEndian.PutUint32(b[67:], serial)
	copy(b[71:82], padLabel(p.Label))
	copy(b[82:90], fsType)
	// Minimal boot code: print nothing and wait for a key, then reboot.
	copy(b[90:], []byte{0xFA, 0x31, 0xC0, 0xCD, 0x16, 0xCD, 0x19})
	b[510], b[511] = 0x55, 0xAA
}

func putFSInfo(b []byte, p Plan) {
	binary.LittleEndian.PutUint32(b[0:], 0x41615252)
	binary.LittleEndian.PutUint32(b[484:], 0x61417272)
	// The root directory holds the only allocated cluster.
	binary.LittleEndian.PutUint32(b[488:], p.Clusters-1)
	binary.LittleEndian.PutUint32(b[492:], rootCluster+1)
	binary.LittleEndian.PutUint32(b[508:], 0xAA550000)
}

func putLabelEntry(b []byte, label string, t time.Time) {
	copy(b[0:11], padLabel(label))
	b[11] = attrVolumeID
	date, clock := fatTimestamp(t)
	binary.LittleEndian.PutUint16(b[22:], clock)
	binary.LittleEndian.PutUint16(b[24:], date)
}

// putMBR writes a partition table with one active FAT32 (LBA) partition
// covering the volume. CHS fields carry the conventional "use LBA"
// maximum values.
func putMBR(b []byte, p Plan, serial uint32) {
	binary.LittleEndian.PutUint32(b[440:], serial)
	e := b[446:462]
	e[0] = 0x80
	e[1], e[2], e[3] = 0xFE, 0xFF, 0xFF
	e[4] = partTypeLBA
	e[5], e[6], e[7] = 0xFE, 0xFF, 0xFF
	binary.LittleEndian.PutUint32(e[8:], p.VolumeStart)
	binary.LittleEndian.PutUint32(e[12:], p.TotalSectors)
	b[510], b[511] = 0x55, 0xAA
}

// BootSector is the subset of a FAT32 boot sector needed to recognize and
// mount a volume.
type BootSector struct {
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	HiddenSectors     uint32
	TotalSectors      uint32
	FATSectors        uint32
	RootCluster       uint32
	Serial            uint32
	Label             string
	FSType            string
}

// ParseBootSector decodes a FAT32 boot sector and checks its signatures.
func ParseBootSector(b []byte) (BootSector, error) {
	if len(b) < 512 {
		return BootSector{}, fmt.Errorf("boot sector is %d bytes, want at least 512", len(b))
	}
	if b[510] != 0x55 || b[511] != 0xAA {
		return BootSector{}, fmt.Errorf("missing boot signature, got %02X %02X", b[510], b[511])
	}
	if b[0] != 0xEB && b[0] != 0xE9 {
		return BootSector{}, fmt.Errorf("invalid jump instruction %02X", b[0])
	}
	if b[66] != 0x29 {
		return BootSector{}, fmt.Errorf("missing extended boot signature, got %02X", b[66])
	}
	bs := BootSector{
		BytesPerSector:    binary.LittleEndian.Uint16(b[11:]),
		SectorsPerCluster: b[13],
		ReservedSectors:   binary.LittleEndian.Uint16(b[14:]),
		NumFATs:           b[16],
		HiddenSectors:     binary.LittleEndian.Uint32(b[28:]),
		TotalSectors:      binary.LittleEndian.Uint32(b[32:]),
		FATSectors:        binary.LittleEndian.Uint32(b[36:]),
		RootCluster:       binary.LittleEndian.Uint32(b[44:]),
		Serial:            binary.LittleEndian.Uint32(b[67:]),
		Label:             string(b[71:82]),
		FSType:            string(b[82:90]),
	}
	if bs.FSType != fsType {
		return BootSector{}, fmt.Errorf("filesystem type %q is not FAT32", bs.FSType)
	}
	if bs.FATSectors == 0 || bs.NumFATs == 0 || bs.SectorsPerCluster == 0 {
		return BootSector{}, fmt.Errorf("invalid geometry %+v", bs)
	}
	return bs, nil
}
