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

// Package provision runs a format or burn operation against a single
// device on a worker goroutine, reporting progress and a terminal result
// to the controlling application.
package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cardforge/cardforge/cli/access"
	"github.com/cardforge/cardforge/cli/burner"
	"github.com/cardforge/cardforge/cli/console"
	"github.com/cardforge/cardforge/cli/drives"
	"github.com/cardforge/cardforge/cli/fat32"
	"github.com/cardforge/cardforge/models"
	"github.com/google/logger"
	"github.com/google/winops/storage"
)

var (
	// Dependency injections for testing.
	search    = storageSearch
	runNative = fat32.FormatNative
	runManual = fat32.Format
	burnImage = burner.Burn
	mountPoll = 500 * time.Millisecond

	// Wrapped errors for testing.
	errEject    = errors.New("eject error")
	errMount    = errors.New("mount error")
	errNotFound = errors.New("device not found")
	errPopulate = errors.New("populate error")
)

// progressBuffer is the number of undelivered progress events kept for a
// slow reader. Events past it are dropped. Each event is cumulative, so a
// reader only loses intermediate values.
const progressBuffer = 64

// Configuration represents config.Configuration.
type Configuration interface {
	Label() string
	FormatPath() fat32.Path
	Layout() fat32.Layout
	Verify() bool
	ChunkSize() int
	Eject() bool
	MountTimeout() time.Duration
}

// Broker represents access.Broker.
type Broker interface {
	Open(context.Context, models.DriveInfo) (access.Handle, error)
	Reserve(models.DriveInfo) (func(), error)
}

// Guard represents guard.Guard.
type Guard interface {
	Revalidate(models.DriveInfo, models.Operation) (models.DriveInfo, error)
}

// Device represents storage.Device.
type Device interface {
	Dismount() error
	Eject() error
	Identifier() string
}

// Provisioner runs operations against devices. One Provisioner may run
// operations against several devices at once. The Broker keeps any one
// device to a single operation.
type Provisioner struct {
	config Configuration
	broker Broker
	guard  Guard

	// Lookup returns a record for a device. It is polled to find the mount
	// point of a freshly formatted volume.
	Lookup func(id string) (models.DriveInfo, bool)
	// Mount mounts a freshly formatted volume where the system does not do
	// so on its own and returns the mount point. An empty path means the
	// system mounts the volume and Lookup will find it.
	Mount func(ctx context.Context, drive models.DriveInfo, l fat32.Layout) (string, error)
	// Populate copies files onto a formatted volume once it is mounted.
	// It is skipped when nil.
	Populate func(ctx context.Context, mountPath string) error
	// Eject finalizes a device after a successful operation. It defaults to
	// dismounting and ejecting through the storage package.
	Eject func(id string) error
}

// New returns a Provisioner for the given configuration.
func New(config Configuration, broker Broker, guard Guard) (*Provisioner, error) {
	if config == nil || broker == nil || guard == nil {
		return nil, models.Validationf("provision.New: configuration, broker and guard are required")
	}
	return &Provisioner{
		config: config,
		broker: broker,
		guard:  guard,
		Lookup: drives.Lookup,
		Mount:  mountVolume,
		Eject:  ejectDevice,
	}, nil
}

// Operation is a running operation. Progress events arrive on Progress
// until the operation ends, after which exactly one Result is delivered on
// Done.
type Operation struct {
	progress chan models.ProgressEvent
	done     chan models.Result
	finished chan struct{}
	cancel   context.CancelFunc

	// result is written once before finished is closed.
	result models.Result
}

// Progress returns the progress channel. It is closed before the Result
// is delivered. Events are dropped rather than blocking the worker when
// the reader falls behind.
func (o *Operation) Progress() <-chan models.ProgressEvent {
	return o.progress
}

// Done delivers the terminal Result once. Wait remains usable after a
// receive from Done.
func (o *Operation) Done() <-chan models.Result {
	return o.done
}

// Cancel asks the operation to stop at its next checkpoint. The Result
// still arrives on Done.
func (o *Operation) Cancel() {
	o.cancel()
}

// Wait blocks until the operation ends and returns its Result. It may be
// called more than once.
func (o *Operation) Wait() models.Result {
	<-o.finished
	return o.result
}

func (o *Operation) report(e models.ProgressEvent) {
	select {
	case o.progress <- e:
	default:
	}
}

// Start begins op against drive and returns immediately. Cancelling ctx
// has the same effect as Operation.Cancel.
func (p *Provisioner) Start(ctx context.Context, drive models.DriveInfo, op models.Operation) *Operation {
	ctx, cancel := context.WithCancel(ctx)
	o := &Operation{
		progress: make(chan models.ProgressEvent, progressBuffer),
		done:     make(chan models.Result, 1),
		finished: make(chan struct{}),
		cancel:   cancel,
	}
	go func() {
		defer cancel()
		r := p.run(ctx, drive, op, o.report)
		close(o.progress)
		o.result = r
		close(o.finished)
		o.done <- r
		close(o.done)
	}()
	return o
}

func (p *Provisioner) run(ctx context.Context, drive models.DriveInfo, op models.Operation, progress func(models.ProgressEvent)) models.Result {
	logger.Infof("provision: start op=%s device=%s", op.Kind, drive.ID)
	var result models.Result
	err := func() error {
		if op.Kind == models.OpBurn && op.ImageSize == 0 {
			logger.Infof("burner: phase=prescan device=%s image=%q", drive.ID, op.Image)
			n, err := burner.Prescan(burner.FileSource(op.Image))
			if err != nil {
				return err
			}
			op.ImageSize = n
		}
		if err := ctx.Err(); err != nil {
			return &models.Error{Kind: models.KindCancelled, Detail: "cancelled before any write", Err: err}
		}
		fresh, err := p.guard.Revalidate(drive, op)
		if err != nil {
			return err
		}
		switch op.Kind {
		case models.OpFormat:
			result, err = p.format(ctx, fresh, op, progress)
		case models.OpBurn:
			result, err = p.burn(ctx, fresh, op, progress)
		default:
			err = models.Validationf("unsupported operation %s", op.Kind)
		}
		return err
	}()
	if err != nil {
		r := models.ResultFromError(err)
		logger.Errorf("provision: finished op=%s device=%s status=%s kind=%s detail=%q", op.Kind, drive.ID, r.Status, r.Kind, r.Message)
		return r
	}

	if p.config.Eject() && p.Eject != nil {
		if err := p.Eject(drive.ID); err != nil {
			logger.Warningf("provision: eject failed device=%s detail=%q", drive.ID, err)
			result.Message = joinMessage(result.Message, fmt.Sprintf("the device could not be ejected, remove it only after the system reports it idle: %v", err))
		}
	}
	logger.Infof("provision: finished op=%s device=%s status=%s", op.Kind, drive.ID, result.Status)
	return result
}

func joinMessage(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}

// closeHandle closes h and folds a close failure into err.
func closeHandle(h access.Handle, err *error) {
	if cerr := h.Close(); cerr != nil && *err == nil {
		*err = models.IOf("closing %s: %w", h.Path(), cerr)
	}
}

func (p *Provisioner) format(ctx context.Context, drive models.DriveInfo, op models.Operation, progress func(models.ProgressEvent)) (models.Result, error) {
	label := op.Label
	if label == "" {
		label = p.config.Label()
	}
	plan, err := fat32.NewPlan(label, drive.SizeBytes, drive.SectorSize, p.config.Layout())
	if err != nil {
		return models.Result{}, err
	}
	if fat32.Choose(p.config.FormatPath(), drive, plan.Layout) == fat32.PathNative {
		err = p.formatNative(ctx, drive, plan, progress)
	} else {
		err = p.formatManual(ctx, drive, label, progress)
	}
	if err != nil {
		return models.Result{}, err
	}

	result := models.Result{Status: models.StatusSuccess}
	result.MountPath = p.mount(ctx, drive, plan.Layout)
	if err := ctx.Err(); err != nil {
		return models.Result{}, &models.Error{Kind: models.KindCancelled, Detail: "cancelled while waiting for the volume to mount", Err: err}
	}
	if result.MountPath == "" {
		logger.Warningf("provision: no mount appeared device=%s timeout=%s", drive.ID, p.config.MountTimeout())
		if p.Populate != nil {
			return models.Result{}, models.IOf("%s was formatted but the volume was not mounted within %s: %w", drive.ID, p.config.MountTimeout(), errMount)
		}
		result.Message = fmt.Sprintf("the volume was formatted but not mounted within %s", p.config.MountTimeout())
		return result, nil
	}
	if p.Populate != nil {
		logger.Infof("provision: populating device=%s mount=%s", drive.ID, result.MountPath)
		if err := p.Populate(ctx, result.MountPath); err != nil {
			if ctx.Err() != nil {
				return models.Result{}, &models.Error{Kind: models.KindCancelled, Detail: "populate cancelled", Err: err}
			}
			return models.Result{}, models.IOf("populating %s returned %v: %w", result.MountPath, err, errPopulate)
		}
	}
	return result, nil
}

// formatNative hands the device to the platform utility. The device stays
// reserved, but not open, while the utility runs.
func (p *Provisioner) formatNative(ctx context.Context, drive models.DriveInfo, plan fat32.Plan, progress func(models.ProgressEvent)) error {
	release, err := p.broker.Reserve(drive)
	if err != nil {
		return err
	}
	defer release()
	progress(models.ProgressEvent{Phase: models.PhaseFormatting, Total: drive.SizeBytes})
	if err := runNative(ctx, drive, plan); err != nil {
		return err
	}
	progress(models.ProgressEvent{Phase: models.PhaseFormatting, Bytes: drive.SizeBytes, Total: drive.SizeBytes})
	return nil
}

// formatManual opens the device and writes the filesystem directly. The
// plan is computed from the geometry the open handle reports.
func (p *Provisioner) formatManual(ctx context.Context, drive models.DriveInfo, label string, progress func(models.ProgressEvent)) (err error) {
	h, err := p.broker.Open(ctx, drive)
	if err != nil {
		return err
	}
	defer closeHandle(h, &err)
	plan, err := fat32.NewPlan(label, h.Size(), h.SectorSize(), p.config.Layout())
	if err != nil {
		return err
	}
	return runManual(ctx, h, plan, progress)
}

func (p *Provisioner) burn(ctx context.Context, drive models.DriveInfo, op models.Operation, progress func(models.ProgressEvent)) (result models.Result, err error) {
	h, err := p.broker.Open(ctx, drive)
	if err != nil {
		return models.Result{}, err
	}
	defer closeHandle(h, &err)
	opts := burner.Options{
		ChunkSize: p.config.ChunkSize(),
		Verify:    p.config.Verify(),
		ImageSize: op.ImageSize,
	}
	s, err := burnImage(ctx, h, burner.FileSource(op.Image), opts, progress)
	if err != nil {
		return models.Result{}, err
	}
	return models.Result{
		Status:   models.StatusSuccess,
		Written:  s.Written,
		Checksum: s.Checksum,
		Verified: s.Verified,
	}, nil
}

// mount returns the mount point of the new volume on drive. A mount the
// system already made is used as is. Otherwise the volume is mounted
// explicitly, and when that fails Lookup is polled until the timeout.
func (p *Provisioner) mount(ctx context.Context, drive models.DriveInfo, l fat32.Layout) string {
	if p.Lookup != nil {
		if d, ok := p.Lookup(drive.ID); ok && len(d.Mounts) > 0 {
			return d.Mounts[0]
		}
	}
	if p.Mount != nil {
		path, err := p.Mount(ctx, drive, l)
		switch {
		case err != nil:
			logger.Warningf("provision: mount failed device=%s detail=%q", drive.ID, err)
		case path != "":
			logger.Infof("provision: mounted device=%s mount=%s", drive.ID, path)
			return path
		}
	}
	return p.awaitMount(ctx, drive.ID)
}

// awaitMount polls for a mount point of the device until the configured
// timeout passes. It returns an empty path when none appears.
func (p *Provisioner) awaitMount(ctx context.Context, id string) string {
	if p.Lookup == nil {
		return ""
	}
	deadline := time.Now().Add(p.config.MountTimeout())
	for {
		if d, ok := p.Lookup(id); ok && len(d.Mounts) > 0 {
			logger.V(1).Infof("provision: mounted device=%s mount=%s", id, d.Mounts[0])
			return d.Mounts[0]
		}
		if !time.Now().Before(deadline) {
			return ""
		}
		select {
		case <-ctx.Done():
			return ""
		case <-time.After(mountPoll):
		}
	}
}

// ejectDevice dismounts and powers off the device with the given ID.
func ejectDevice(id string) error {
	devices, err := search(id)
	if err != nil {
		return fmt.Errorf("search(%q) returned %v: %w", id, err, errEject)
	}
	for _, device := range devices {
		if device.Identifier() != id {
			continue
		}
		console.Printf("Dismounting device %q.", id)
		logger.V(2).Infof("Dismounting device %q.", id)
		if err := device.Dismount(); err != nil {
			return fmt.Errorf("Dismount(%s) returned %v: %w", id, err, errEject)
		}
		console.Printf("Ejecting device %q.", id)
		logger.V(2).Infof("Ejecting device %q.", id)
		if err := device.Eject(); err != nil {
			return fmt.Errorf("Eject(%s) returned %v: %w", id, err, errEject)
		}
		return nil
	}
	return fmt.Errorf("%q: %w", id, errNotFound)
}

// storageSearch wraps storage.Search and returns an appropriate interface.
func storageSearch(id string) ([]Device, error) {
	devices, err := storage.Search(id, 0, 0, false)
	if err != nil {
		return nil, fmt.Errorf("storage.Search(%s, 0, 0, false) returned %v", id, err)
	}
	results := []Device{}
	for _, d := range devices {
		results = append(results, d)
	}
	return results, nil
}
