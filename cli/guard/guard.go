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

// Package guard decides whether a device is safe to overwrite. It is the
// last line of defense against destroying the wrong disk and runs both at
// selection time and immediately before the first destructive write.
package guard

import (
	"github.com/cardforge/cardforge/cli/drives"
	"github.com/cardforge/cardforge/models"
	"github.com/dustin/go-humanize"
	"github.com/google/logger"
)

// DefaultMinSize is the smallest device accepted by default.
const DefaultMinSize = 512 << 20

// Guard validates devices for an operation.
type Guard struct {
	// MinSize is the size floor in bytes.
	MinSize uint64
	// AllowFixed accepts devices the platform reports as fixed, such as
	// USB hard disks. System disks are rejected regardless.
	AllowFixed bool
	// Lookup returns a fresh record for a device identifier.
	Lookup func(id string) (models.DriveInfo, bool)
}

// New returns a Guard backed by live enumeration.
func New(minSize uint64, allowFixed bool) *Guard {
	return &Guard{MinSize: minSize, AllowFixed: allowFixed, Lookup: drives.Lookup}
}

func reject(d models.DriveInfo, format string, args ...interface{}) error {
	err := models.Validationf(format, args...)
	logger.Warningf("guard: rejected device=%s reason=%q", d.ID, err)
	return err
}

// Check approves d for op by returning nil, or rejects it with a
// validation error naming the reason.
func (g *Guard) Check(d models.DriveInfo, op models.Operation) error {
	if d.ID == "" {
		return reject(d, "no device selected")
	}
	if d.System {
		return reject(d, "%s hosts the running operating system", d.ID)
	}
	if !d.Removable && !g.AllowFixed {
		return reject(d, "%s is not removable media", d.ID)
	}
	if d.SizeBytes < g.MinSize {
		return reject(d, "%s holds %s, below the minimum of %s", d.ID, humanize.IBytes(d.SizeBytes), humanize.IBytes(g.MinSize))
	}
	if op.Kind == models.OpBurn && op.ImageSize > 0 {
		sector := uint64(d.SectorSize)
		if sector == 0 {
			sector = 512
		}
		need := (op.ImageSize + sector - 1) / sector * sector
		if need > d.SizeBytes {
			return reject(d, "image of %s does not fit on %s (%s)", humanize.IBytes(op.ImageSize), d.ID, humanize.IBytes(d.SizeBytes))
		}
	}
	logger.V(1).Infof("guard: approved device=%s op=%s", d.ID, op.Kind)
	return nil
}

// Revalidate re-enumerates d and checks that the same device is still
// attached before anything is written. A device that was unplugged, or
// replaced by another in the same slot, is rejected. On success the fresh
// record, with current mount points, is returned.
func (g *Guard) Revalidate(d models.DriveInfo, op models.Operation) (models.DriveInfo, error) {
	lookup := g.Lookup
	if lookup == nil {
		lookup = drives.Lookup
	}
	fresh, ok := lookup(d.ID)
	if !ok {
		return models.DriveInfo{}, reject(d, "%s is no longer attached", d.ID)
	}
	if fresh.SizeBytes != d.SizeBytes || fresh.Path != d.Path || fresh.Name != d.Name {
		return models.DriveInfo{}, reject(d, "%s changed since it was selected (%s, now %s)", d.ID, d, fresh)
	}
	if err := g.Check(fresh, op); err != nil {
		return models.DriveInfo{}, err
	}
	return fresh, nil
}
