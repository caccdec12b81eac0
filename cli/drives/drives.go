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

// Package drives enumerates candidate storage devices as normalized
// records. Enumeration is read only and tolerates devices that appear or
// vanish while it runs.
package drives

import (
	"context"
	"sort"
	"time"

	"github.com/cardforge/cardforge/models"
	"github.com/google/logger"
	"github.com/patrickmn/go-cache"
)

// enumerate is the platform enumeration. It is swapped in tests.
var enumerate = list

// List returns the storage devices currently attached. Failures are
// logged and yield an empty list: a device that disappears mid scan must
// not break enumeration for the others.
func List() []models.DriveInfo {
	found, err := enumerate()
	if err != nil {
		logger.Warningf("drives: enumeration failed: %v", err)
		return []models.DriveInfo{}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].ID < found[j].ID })
	logger.V(2).Infof("drives: found %d devices", len(found))
	return found
}

// Lookup returns a fresh record for the device with the given ID.
func Lookup(id string) (models.DriveInfo, bool) {
	return find(List(), id)
}

func find(all []models.DriveInfo, id string) (models.DriveInfo, bool) {
	for _, d := range all {
		if d.ID == id {
			return d, true
		}
	}
	return models.DriveInfo{}, false
}

// Filter keeps drives within [minSize, maxSize] bytes. A zero maxSize means
// no upper bound. Fixed disks are dropped unless showFixed is set, and
// system disks are always dropped.
func Filter(all []models.DriveInfo, showFixed bool, minSize, maxSize uint64) []models.DriveInfo {
	out := []models.DriveInfo{}
	for _, d := range all {
		if d.System || (!d.Removable && !showFixed) {
			continue
		}
		if d.SizeBytes < minSize || (maxSize > 0 && d.SizeBytes > maxSize) {
			continue
		}
		out = append(out, d)
	}
	return out
}

const snapshotKey = "drives"

// Poller caches enumeration results so that frequent callers such as a UI
// refresh loop do not rescan the system on every call. It is safe for
// concurrent use, including while an operation holds one of the devices.
type Poller struct {
	cache *cache.Cache

	// List performs the scan. It defaults to List.
	List func() []models.DriveInfo
}

// NewPoller returns a Poller whose snapshots expire after ttl.
func NewPoller(ttl time.Duration) *Poller {
	return &Poller{cache: cache.New(ttl, 2*ttl), List: List}
}

// Snapshot returns the cached device list, rescanning if it expired.
func (p *Poller) Snapshot() []models.DriveInfo {
	if v, ok := p.cache.Get(snapshotKey); ok {
		return v.([]models.DriveInfo)
	}
	d := p.List()
	p.cache.SetDefault(snapshotKey, d)
	return d
}

// Lookup finds the device with the given ID in the current snapshot.
// Callers that must not act on a stale record use the package level
// Lookup instead.
func (p *Poller) Lookup(id string) (models.DriveInfo, bool) {
	return find(p.Snapshot(), id)
}

// Refresh discards the cached list and rescans.
func (p *Poller) Refresh() []models.DriveInfo {
	p.cache.Delete(snapshotKey)
	return p.Snapshot()
}

// Run passes the current snapshot to fn every interval until ctx is done.
// The first call happens immediately. The system is rescanned only once
// the snapshot has expired, so an interval shorter than the ttl repeats
// the cached list.
func (p *Poller) Run(ctx context.Context, interval time.Duration, fn func([]models.DriveInfo)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		fn(p.Snapshot())
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
