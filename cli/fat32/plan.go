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

// Package fat32 formats raw devices as FAT32 volumes, either by writing
// the filesystem structures directly or by delegating to the native
// format utility of the platform.
package fat32

import (
	"fmt"
	"strings"

	"github.com/cardforge/cardforge/models"
	"github.com/dustin/go-humanize"
)

// Layout selects where the volume starts on the device.
type Layout int

const (
	// LayoutMBR writes a partition table with a single FAT32 (LBA)
	// partition aligned to 1 MiB.
	LayoutMBR Layout = iota
	// LayoutSuperfloppy places the volume at the first sector with no
	// partition table.
	LayoutSuperfloppy
)

func (l Layout) String() string {
	if l == LayoutSuperfloppy {
		return "superfloppy"
	}
	return "mbr"
}

// ParseLayout converts a flag or profile value into a Layout.
func ParseLayout(s string) (Layout, error) {
	switch strings.ToLower(s) {
	case "", "mbr":
		return LayoutMBR, nil
	case "superfloppy":
		return LayoutSuperfloppy, nil
	}
	return LayoutMBR, models.Validationf("unknown volume layout %q, want mbr or superfloppy", s)
}

const (
	reservedSectors = 32
	numFATs         = 2
	mediaFixed      = 0xF8
	rootCluster     = 2
	fsInfoSector    = 1
	backupBoot      = 6
	partitionAlign  = 1 << 20

	// MinClusters is the smallest cluster count that is identified as
	// FAT32. Fewer clusters are read as FAT16 by conforming drivers.
	MinClusters = 65525
	// MaxClusters keeps every cluster number within the 28 bit address
	// space below the reserved and bad cluster markers.
	MaxClusters = 0x0FFFFFF5

	maxTotalSectors = 0xFFFFFFFF
	// defaultLabel is the label conforming implementations use for an
	// unlabeled volume.
	defaultLabel = "NO NAME"
	labelLen     = 11
)

// labelSpecial lists the non alphanumeric characters allowed in a short
// name, and therefore in a volume label.
const labelSpecial = " !#$%&'()-@^_`{}~"

// Plan is the geometry of a FAT32 volume. All counts are in sectors of
// BytesPerSector bytes unless stated otherwise.
type Plan struct {
	// Label is the normalized volume label, at most 11 characters.
	Label  string
	Layout Layout

	BytesPerSector    int
	SectorsPerCluster uint32
	ReservedSectors   uint32
	NumFATs           uint32
	// VolumeStart is the first sector of the volume on the device. It is
	// also recorded as the hidden sector count.
	VolumeStart uint32
	// TotalSectors is the size of the volume.
	TotalSectors uint32
	FATSectors   uint32
	Clusters     uint32
}

// NormalizeLabel upper cases label and checks that it is a valid volume
// label. An empty label becomes "NO NAME".
func NormalizeLabel(label string) (string, error) {
	label = strings.ToUpper(strings.TrimSpace(label))
	if label == "" {
		return defaultLabel, nil
	}
	if len(label) > labelLen {
		return "", models.Validationf("volume label %q is longer than %d characters", label, labelLen)
	}
	for _, r := range label {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || strings.ContainsRune(labelSpecial, r) {
			continue
		}
		return "", models.Validationf("volume label %q contains invalid character %q", label, r)
	}
	return label, nil
}

// clusterFloor returns the conventional cluster size in bytes for a
// volume of size bytes. Larger volumes use larger clusters to keep the
// FAT small.
func clusterFloor(size uint64) uint64 {
	const mib = 1 << 20
	switch {
	case size <= 64*mib:
		return 512
	case size <= 128*mib:
		return 1 << 10
	case size <= 256*mib:
		return 2 << 10
	case size <= 8<<30:
		return 4 << 10
	case size <= 16<<30:
		return 8 << 10
	case size <= 32<<30:
		return 16 << 10
	}
	return 32 << 10
}

// layout solves the FAT size for a given cluster size. The FAT must hold
// an entry for every data cluster plus the two reserved entries, and the
// FAT itself takes room away from the data region, so iterate until the
// size settles.
func layout(total, spc uint64, bps uint64) (fatSectors, clusters uint64, ok bool) {
	fatSectors = 1
	for i := 0; i < 16; i++ {
		meta := reservedSectors + numFATs*fatSectors
		if total <= meta {
			return 0, 0, false
		}
		clusters = (total - meta) / spc
		need := ((clusters+2)*4 + bps - 1) / bps
		if need <= fatSectors {
			// A slightly oversized FAT is valid and ends oscillation.
			return fatSectors, clusters, true
		}
		fatSectors = need
	}
	return fatSectors, clusters, true
}

// NewPlan computes the geometry of a FAT32 volume for a device of
// deviceSize bytes with the given sector size. The sectors per cluster
// value is the smallest power of two, starting from the conventional size
// for the capacity, that keeps the cluster count within the FAT32 range.
// Devices too small for any valid geometry are rejected with a format
// error before anything is written.
func NewPlan(label string, deviceSize uint64, bytesPerSector int, l Layout) (Plan, error) {
	label, err := NormalizeLabel(label)
	if err != nil {
		return Plan{}, err
	}
	if bytesPerSector == 0 {
		bytesPerSector = 512
	}
	switch bytesPerSector {
	case 512, 1024, 2048, 4096:
	default:
		return Plan{}, models.Formatf("unsupported sector size %d", bytesPerSector)
	}
	bps := uint64(bytesPerSector)

	var start uint64
	if l == LayoutMBR {
		start = partitionAlign / bps
	}
	deviceSectors := deviceSize / bps
	if deviceSectors <= start {
		return Plan{}, models.Formatf("device of %s is too small for a FAT32 volume", humanize.IBytes(deviceSize))
	}
	total := deviceSectors - start
	if total > maxTotalSectors {
		total = maxTotalSectors
	}

	floor := clusterFloor(total*bps) / bps
	if floor == 0 {
		floor = 1
	}
	candidates := []uint64{}
	for spc := floor; spc <= 128 && spc*bps <= 64<<10; spc *= 2 {
		candidates = append(candidates, spc)
	}
	for spc := floor / 2; spc >= 1; spc /= 2 {
		candidates = append(candidates, spc)
	}

	for _, spc := range candidates {
		fat, clusters, ok := layout(total, spc, bps)
		if !ok || clusters < MinClusters || clusters > MaxClusters {
			continue
		}
		return Plan{
			Label:             label,
			Layout:            l,
			BytesPerSector:    bytesPerSector,
			SectorsPerCluster: uint32(spc),
			ReservedSectors:   reservedSectors,
			NumFATs:           numFATs,
			VolumeStart:       uint32(start),
			TotalSectors:      uint32(total),
			FATSectors:        uint32(fat),
			Clusters:          uint32(clusters),
		}, nil
	}
	return Plan{}, models.Formatf("device of %s is too small for a FAT32 volume, at least %d clusters are required", humanize.IBytes(deviceSize), MinClusters)
}

// DataStart is the first sector of the data region relative to the
// volume start. The root directory occupies its first cluster.
func (p Plan) DataStart() uint64 {
	return uint64(p.ReservedSectors) + uint64(p.NumFATs)*uint64(p.FATSectors)
}

// ClusterBytes is the size of one cluster in bytes.
func (p Plan) ClusterBytes() uint64 {
	return uint64(p.SectorsPerCluster) * uint64(p.BytesPerSector)
}

func (p Plan) String() string {
	return fmt.Sprintf("label=%q layout=%s bps=%d spc=%d reserved=%d fats=%d fat_sectors=%d start=%d total=%d clusters=%d",
		p.Label, p.Layout, p.BytesPerSector, p.SectorsPerCluster, p.ReservedSectors, p.NumFATs, p.FATSectors, p.VolumeStart, p.TotalSectors, p.Clusters)
}
