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
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cardforge/cardforge/cli/access"
	"github.com/cardforge/cardforge/models"
	"github.com/google/go-cmp/cmp"
)

const (
	mib = uint64(1) << 20
	gib = uint64(1) << 30
	tib = uint64(1) << 40
)

func TestNormalizeLabel(t *testing.T) {
	tests := []struct {
		desc    string
		in      string
		want    string
		wantErr error
	}{
		{desc: "upper cased", in: "testos", want: "TESTOS"},
		{desc: "empty", in: "", want: "NO NAME"},
		{desc: "eleven characters", in: "abcdefghijk", want: "ABCDEFGHIJK"},
		{desc: "special characters", in: "FW_1-2", want: "FW_1-2"},
		{desc: "too long", in: "abcdefghijkl", wantErr: models.ErrValidation},
		{desc: "invalid character", in: "a.b", wantErr: models.ErrValidation},
	}
	for _, tt := range tests {
		got, err := NormalizeLabel(tt.in)
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("%s: NormalizeLabel(%q) returned %v, want %v", tt.desc, tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("%s: NormalizeLabel(%q) = %q, want %q", tt.desc, tt.in, got, tt.want)
		}
	}
}

func TestNewPlanClusterRange(t *testing.T) {
	sizes := []uint64{64 * mib, 100 * mib, 256 * mib, 512 * mib, gib, 8*gib - 1, 8*gib + 1, 16 * gib, 32 * gib, 64 * gib, 500 * gib, tib, 2 * tib}
	for _, l := range []Layout{LayoutMBR, LayoutSuperfloppy} {
		for _, bps := range []int{512, 4096} {
			for _, size := range sizes {
				if bps == 4096 && size < 512*mib {
					// 4K sector devices of this size cannot reach the minimum cluster count.
					continue
				}
				p, err := NewPlan("TESTOS", size, bps, l)
				if err != nil {
					t.Errorf("NewPlan(%d, %d, %s) returned %v", size, bps, l, err)
					continue
				}
				if p.Clusters < MinClusters || p.Clusters > MaxClusters {
					t.Errorf("NewPlan(%d, %d, %s) clusters = %d, want within [%d, %d]", size, bps, l, p.Clusters, MinClusters, MaxClusters)
				}
				if need := (uint64(p.Clusters) + 2) * 4; need > uint64(p.FATSectors)*uint64(bps) {
					t.Errorf("NewPlan(%d, %d, %s) FAT of %d sectors cannot map %d clusters", size, bps, l, p.FATSectors, p.Clusters)
				}
				if end := p.DataStart() + uint64(p.Clusters)*uint64(p.SectorsPerCluster); end > uint64(p.TotalSectors) {
					t.Errorf("NewPlan(%d, %d, %s) data region ends at %d, past volume end %d", size, bps, l, end, p.TotalSectors)
				}
				if vol := (uint64(p.VolumeStart) + uint64(p.TotalSectors)) * uint64(bps); vol > size {
					t.Errorf("NewPlan(%d, %d, %s) volume of %d bytes exceeds device", size, bps, l, vol)
				}
				if p.NumFATs != 2 || p.ReservedSectors != 32 {
					t.Errorf("NewPlan(%d, %d, %s) = %d FATs %d reserved, want 2 and 32", size, bps, l, p.NumFATs, p.ReservedSectors)
				}
			}
		}
	}
}

func TestNewPlan(t *testing.T) {
	tests := []struct {
		desc    string
		size    uint64
		layout  Layout
		wantSPC uint32
		wantErr error
	}{
		{desc: "64 GiB", size: 64 * gib, layout: LayoutMBR, wantSPC: 64},
		{desc: "16 GiB", size: 16 * gib, layout: LayoutMBR, wantSPC: 16},
		{desc: "1 GiB", size: gib, layout: LayoutMBR, wantSPC: 8},
		{desc: "64 MiB", size: 64 * mib, layout: LayoutSuperfloppy, wantSPC: 1},
		{desc: "too small", size: 16 * mib, layout: LayoutMBR, wantErr: models.ErrFormat},
		{desc: "smaller than alignment", size: 512 * 1024, layout: LayoutMBR, wantErr: models.ErrFormat},
	}
	for _, tt := range tests {
		p, err := NewPlan("x", tt.size, 512, tt.layout)
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("%s: NewPlan() returned %v, want %v", tt.desc, err, tt.wantErr)
		}
		if p.SectorsPerCluster != tt.wantSPC {
			t.Errorf("%s: NewPlan() sectors per cluster = %d, want %d", tt.desc, p.SectorsPerCluster, tt.wantSPC)
		}
	}
}

func TestNewPlanClamp(t *testing.T) {
	p, err := NewPlan("BIG", 4*tib, 512, LayoutSuperfloppy)
	if err != nil {
		t.Fatalf("NewPlan(4 TiB) returned %v", err)
	}
	if p.TotalSectors != 0xFFFFFFFF {
		t.Errorf("NewPlan(4 TiB) total sectors = %d, want %d", p.TotalSectors, uint32(0xFFFFFFFF))
	}
}

// sparseDevice returns a file backed handle of size bytes.
func sparseDevice(t *testing.T, size uint64) access.Handle {
	t.Helper()
	path := filepath.Join(t.TempDir(), "card.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("os.Create() returned %v", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		t.Fatalf("Truncate(%d) returned %v", size, err)
	}
	f.Close()
	h, err := access.NewFileHandle(path, 512)
	if err != nil {
		t.Fatalf("NewFileHandle() returned %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func readSector(t *testing.T, h access.Handle, lba uint64) []byte {
	t.Helper()
	b := make([]byte, 512)
	if _, err := h.ReadAt(b, int64(lba*512)); err != nil {
		t.Fatalf("ReadAt(sector %d) returned %v", lba, err)
	}
	return b
}

func TestFormat(t *testing.T) {
	fixed := time.Date(2024, 5, 17, 10, 30, 42, 0, time.UTC)
	origNow := now
	now = func() time.Time { return fixed }
	defer func() { now = origNow }()

	tests := []struct {
		desc   string
		size   uint64
		layout Layout
	}{
		{desc: "64 GiB card with partition table", size: 64 * gib, layout: LayoutMBR},
		{desc: "256 MiB superfloppy", size: 256 * mib, layout: LayoutSuperfloppy},
	}
	for _, tt := range tests {
		h := sparseDevice(t, tt.size)
		plan, err := NewPlan("TESTOS", h.Size(), h.SectorSize(), tt.layout)
		if err != nil {
			t.Fatalf("%s: NewPlan() returned %v", tt.desc, err)
		}
		var last models.ProgressEvent
		progress := func(e models.ProgressEvent) {
			if e.Bytes < last.Bytes || e.Phase != models.PhaseFormatting {
				t.Errorf("%s: progress went from %+v to %+v", tt.desc, last, e)
			}
			last = e
		}
		if err := Format(context.Background(), h, plan, progress); err != nil {
			t.Fatalf("%s: Format() returned %v", tt.desc, err)
		}
		if last.Bytes != last.Total || last.Total == 0 {
			t.Errorf("%s: final progress = %+v, want Bytes == Total", tt.desc, last)
		}

		vol := uint64(plan.VolumeStart)
		bs, err := ParseBootSector(readSector(t, h, vol))
		if err != nil {
			t.Fatalf("%s: ParseBootSector() returned %v", tt.desc, err)
		}
		want := BootSector{
			BytesPerSector:    512,
			SectorsPerCluster: uint8(plan.SectorsPerCluster),
			ReservedSectors:   32,
			NumFATs:           2,
			HiddenSectors:     plan.VolumeStart,
			TotalSectors:      plan.TotalSectors,
			FATSectors:        plan.FATSectors,
			RootCluster:       2,
			Serial:            volumeSerial(fixed),
			Label:             "TESTOS     ",
			FSType:            "FAT32   ",
		}
		if diff := cmp.Diff(want, bs); diff != "" {
			t.Errorf("%s: boot sector returned diff (-want +got):\n%s", tt.desc, diff)
		}
		if backup := readSector(t, h, vol+6); !bytes.Equal(backup, readSector(t, h, vol)) {
			t.Errorf("%s: backup boot sector differs from primary", tt.desc)
		}

		info := readSector(t, h, vol+1)
		if binary.LittleEndian.Uint32(info[0:]) != 0x41615252 || binary.LittleEndian.Uint32(info[484:]) != 0x61417272 || binary.LittleEndian.Uint32(info[508:]) != 0xAA550000 {
			t.Errorf("%s: FSInfo signatures are invalid", tt.desc)
		}
		if got := binary.LittleEndian.Uint32(info[488:]); got != plan.Clusters-1 {
			t.Errorf("%s: FSInfo free count = %d, want %d", tt.desc, got, plan.Clusters-1)
		}

		for i := uint64(0); i < 2; i++ {
			fat := readSector(t, h, vol+32+i*uint64(plan.FATSectors))
			got := []uint32{binary.LittleEndian.Uint32(fat[0:]), binary.LittleEndian.Uint32(fat[4:]), binary.LittleEndian.Uint32(fat[8:]), binary.LittleEndian.Uint32(fat[12:])}
			if diff := cmp.Diff([]uint32{0x0FFFFFF8, 0x0FFFFFFF, 0x0FFFFFFF, 0}, got); diff != "" {
				t.Errorf("%s: FAT %d entries returned diff (-want +got):\n%s", tt.desc, i, diff)
			}
		}

		root := readSector(t, h, vol+plan.DataStart())
		if string(root[:11]) != "TESTOS     " || root[11] != 0x08 {
			t.Errorf("%s: root directory entry = %q attr %#x, want volume label", tt.desc, root[:11], root[11])
		}
		if !bytes.Equal(root[32:], make([]byte, 512-32)) {
			t.Errorf("%s: root directory holds entries beyond the label", tt.desc)
		}

		mbr := readSector(t, h, 0)
		if tt.layout == LayoutSuperfloppy {
			continue
		}
		if mbr[510] != 0x55 || mbr[511] != 0xAA || mbr[446] != 0x80 || mbr[450] != 0x0C {
			t.Errorf("%s: partition table is invalid: status %#x type %#x", tt.desc, mbr[446], mbr[450])
		}
		if got := binary.LittleEndian.Uint32(mbr[454:]); got != 2048 {
			t.Errorf("%s: partition starts at %d, want 2048", tt.desc, got)
		}
		if got := binary.LittleEndian.Uint32(mbr[458:]); got != plan.TotalSectors {
			t.Errorf("%s: partition length = %d, want %d", tt.desc, got, plan.TotalSectors)
		}
	}
}

func TestFormatCancelled(t *testing.T) {
	h := sparseDevice(t, 128*mib)
	plan, err := NewPlan("TESTOS", h.Size(), 512, LayoutMBR)
	if err != nil {
		t.Fatalf("NewPlan() returned %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	writes := 0
	err = Format(ctx, h, plan, func(models.ProgressEvent) {
		writes++
		cancel()
	})
	if !errors.Is(err, models.ErrCancelled) {
		t.Errorf("Format() returned %v, want %v", err, models.ErrCancelled)
	}
	if writes != 1 {
		t.Errorf("Format() issued %d writes after cancellation, want 1", writes)
	}
}

// failingDevice fails every write after the first n.
type failingDevice struct {
	access.Handle
	n int
}

func (f *failingDevice) WriteAt(p []byte, off int64) (int, error) {
	if f.n == 0 {
		return 0, errors.New("medium removed")
	}
	f.n--
	return f.Handle.WriteAt(p, off)
}

func TestFormatErrors(t *testing.T) {
	h := sparseDevice(t, 128*mib)
	plan, err := NewPlan("TESTOS", h.Size(), 512, LayoutMBR)
	if err != nil {
		t.Fatalf("NewPlan() returned %v", err)
	}
	tests := []struct {
		desc string
		dev  Device
		plan Plan
		want error
	}{
		{
			desc: "write failure",
			dev:  &failingDevice{Handle: h, n: 3},
			plan: plan,
			want: models.ErrIO,
		},
		{
			desc: "plan larger than device",
			dev:  sparseDevice(t, 64*mib),
			plan: plan,
			want: models.ErrFormat,
		},
	}
	for _, tt := range tests {
		if err := Format(context.Background(), tt.dev, tt.plan, nil); !errors.Is(err, tt.want) {
			t.Errorf("%s: Format() returned %v, want %v", tt.desc, err, tt.want)
		}
	}
}

func TestParseBootSector(t *testing.T) {
	good := make([]byte, 512)
	p, _ := NewPlan("A", gib, 512, LayoutMBR)
	putBootSector(good, p, 1)
	noSig := append([]byte(nil), good...)
	noSig[511] = 0
	fat16 := append([]byte(nil), good...)
	copy(fat16[82:], "FAT16   ")
	tests := []struct {
		desc    string
		in      []byte
		wantErr bool
	}{
		{desc: "valid", in: good},
		{desc: "short", in: good[:100], wantErr: true},
		{desc: "missing signature", in: noSig, wantErr: true},
		{desc: "wrong type", in: fat16, wantErr: true},
	}
	for _, tt := range tests {
		if _, err := ParseBootSector(tt.in); (err != nil) != tt.wantErr {
			t.Errorf("%s: ParseBootSector() returned %v, want error %t", tt.desc, err, tt.wantErr)
		}
	}
}

func TestChoose(t *testing.T) {
	small := models.DriveInfo{ID: "sdb", SizeBytes: 16 * gib}
	huge := models.DriveInfo{ID: "sdb", SizeBytes: 3 * tib}
	wantSmall := PathManual
	if nativeSupported(LayoutMBR) {
		wantSmall = PathNative
	}
	tests := []struct {
		desc  string
		path  Path
		drive models.DriveInfo
		want  Path
	}{
		{desc: "auto within native limit", path: PathAuto, drive: small, want: wantSmall},
		{desc: "auto beyond native limit", path: PathAuto, drive: huge, want: PathManual},
		{desc: "explicit manual", path: PathManual, drive: small, want: PathManual},
		{desc: "explicit native", path: PathNative, drive: huge, want: PathNative},
	}
	for _, tt := range tests {
		if got := Choose(tt.path, tt.drive, LayoutMBR); got != tt.want {
			t.Errorf("%s: Choose() = %q, want %q", tt.desc, got, tt.want)
		}
	}
}

func TestParsePath(t *testing.T) {
	for in, want := range map[string]Path{"": PathAuto, "AUTO": PathAuto, "native": PathNative, "manual": PathManual} {
		if got, err := ParsePath(in); err != nil || got != want {
			t.Errorf("ParsePath(%q) = (%q, %v), want (%q, nil)", in, got, err, want)
		}
	}
	if _, err := ParsePath("mkfs"); !errors.Is(err, models.ErrValidation) {
		t.Errorf("ParsePath(mkfs) returned %v, want %v", err, models.ErrValidation)
	}
}

func TestFormatNative(t *testing.T) {
	if !nativeSupported(LayoutMBR) {
		t.Skip("no native format utility on this platform")
	}
	plan, err := NewPlan("TESTOS", 8*gib, 512, LayoutMBR)
	if err != nil {
		t.Fatalf("NewPlan() returned %v", err)
	}
	drive := models.DriveInfo{ID: "2", SizeBytes: 8 * gib}
	orig := runCommand
	defer func() { runCommand = orig }()

	tests := []struct {
		desc    string
		out     string
		err     error
		want    error
		wantMsg string
	}{
		{desc: "success"},
		{
			desc:    "utility failure",
			out:     "mkfs.fat: unable to open /dev/sdb: Device or resource busy\n",
			err:     errors.New("exit status 1"),
			want:    models.ErrFormat,
			wantMsg: "format: mkfs.fat: unable to open /dev/sdb: Device or resource busy\n",
		},
	}
	for _, tt := range tests {
		var ran []string
		runCommand = func(ctx context.Context, stdin, name string, args ...string) ([]byte, error) {
			ran = append(ran, name)
			return []byte(tt.out), tt.err
		}
		err := FormatNative(context.Background(), drive, plan)
		if !errors.Is(err, tt.want) {
			t.Errorf("%s: FormatNative() returned %v, want %v", tt.desc, err, tt.want)
		}
		if err != nil && err.Error() != tt.wantMsg {
			t.Errorf("%s: FormatNative() message = %q, want %q", tt.desc, err.Error(), tt.wantMsg)
		}
		if len(ran) == 0 {
			t.Errorf("%s: FormatNative() ran no commands", tt.desc)
		}
	}

	big := models.DriveInfo{ID: "2", SizeBytes: 3 * tib}
	if err := FormatNative(context.Background(), big, plan); !errors.Is(err, models.ErrFormat) {
		t.Errorf("FormatNative(3 TiB) returned %v, want %v", err, models.ErrFormat)
	}
}

func TestFormatNativeCancel(t *testing.T) {
	if !nativeSupported(LayoutMBR) {
		t.Skip("no native format utility on this platform")
	}
	plan, err := NewPlan("TESTOS", 8*gib, 512, LayoutMBR)
	if err != nil {
		t.Fatalf("NewPlan() returned %v", err)
	}
	drive := models.DriveInfo{ID: "2", SizeBytes: 8 * gib}
	steps, cleanup, err := nativeSteps(drive, plan)
	if err != nil {
		t.Fatalf("nativeSteps() returned %v", err)
	}
	cleanup()

	orig := runCommand
	defer func() { runCommand = orig }()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ran := 0
	runCommand = func(ctx context.Context, stdin, name string, args ...string) ([]byte, error) {
		ran++
		// The step in flight completes even though the operation was
		// cancelled while it ran.
		cancel()
		return nil, nil
	}
	err = FormatNative(ctx, drive, plan)
	if ran != 1 {
		t.Errorf("FormatNative() ran %d steps after cancellation, want 1", ran)
	}
	var want error
	if len(steps) > 1 {
		want = models.ErrCancelled
	}
	if !errors.Is(err, want) {
		t.Errorf("FormatNative() returned %v, want %v", err, want)
	}
}

func TestRunCommandIgnoresCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// The test binary with no matching tests exits cleanly.
	if out, err := runCommand(ctx, "", os.Args[0], "-test.run=^$"); err != nil {
		t.Errorf("runCommand() with a cancelled context returned %v (%s), want the command to run", err, out)
	}
}

func TestPartitionPath(t *testing.T) {
	tests := []struct {
		disk string
		want string
	}{
		{"/dev/sdb", "/dev/sdb1"},
		{"/dev/mmcblk0", "/dev/mmcblk0p1"},
		{"/dev/nvme0n1", "/dev/nvme0n1p1"},
	}
	for _, tt := range tests {
		if got := PartitionPath(tt.disk); got != tt.want {
			t.Errorf("PartitionPath(%q) = %q, want %q", tt.disk, got, tt.want)
		}
	}
}
