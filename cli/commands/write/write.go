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

// Package write implements the format and burn subcommands, which
// provision a single removable device.
package write

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"flag"
	"github.com/cardforge/cardforge/cli/access"
	"github.com/cardforge/cardforge/cli/burner"
	"github.com/cardforge/cardforge/cli/config"
	"github.com/cardforge/cardforge/cli/console"
	"github.com/cardforge/cardforge/cli/drives"
	"github.com/cardforge/cardforge/cli/fat32"
	"github.com/cardforge/cardforge/cli/guard"
	"github.com/cardforge/cardforge/cli/provision"
	"github.com/cardforge/cardforge/models"
	"github.com/google/logger"
	"github.com/google/subcommands"
)

const (
	oneGB = 1 << 30 // Represents one GB of data.

	// snapshotTTL bounds how often mount polling rescans the system.
	snapshotTTL = time.Second
)

var (
	binaryName string

	// Wrapped errors for testing.
	errConfig    = errors.New(`config error`)
	errDevice    = errors.New(`device error`)
	errElevation = errors.New(`elevation error`)
	errPrompt    = errors.New(`confirmation error`)
	errProvision = errors.New(`provision error`)

	// Dependency Injections for testing
	execute   = run
	enumerate = drives.List
	lookup    = drives.Lookup
	newBroker = func() provision.Broker { return access.NewBroker() }
	prompt    = console.PromptUser
	eject     func(string) error
	mount     func(context.Context, models.DriveInfo, fat32.Layout) (string, error)
)

func init() {
	binaryName = filepath.Base(strings.ReplaceAll(os.Args[0], `.exe`, ``))

	// The same command backs both operations. Each is registered with the
	// operation preset so that the flags stay identical between them.
	subcommands.Register(&writeCmd{name: "format", op: models.OpFormat}, "")
	subcommands.Register(&writeCmd{name: "burn", op: models.OpBurn}, "")
}

// writeCmd formats a device or burns an image onto it.
type writeCmd struct {
	// name is the name of the write command.
	name string

	// op is the operation performed by this command.
	op models.OperationKind

	// device is the identifier of the device to provision, as printed by the
	// list command. It may also be given as the only argument.
	device string

	// label is the volume label used when formatting.
	label string

	// image is the raw or gzip compressed image to burn.
	image string

	// path selects how a volume is formatted: auto, native or manual.
	path string

	// superfloppy formats the whole device without a partition table.
	superfloppy bool

	// verify reads a burned image back and compares it to what was written.
	verify bool

	// chunk is the size in bytes of each write when burning.
	chunk int

	// noEject leaves the device attached after provisioning.
	noEject bool

	// confirm provides a confirmation prompt before the device is
	// overwritten. It defaults to true.
	confirm bool

	// profile is an optional YAML file with site defaults. Flags given on
	// the command line take precedence over it.
	profile string

	// mountTimeout bounds the wait for a formatted volume to be mounted.
	mountTimeout time.Duration

	// listFixed permits provisioning a device reported as fixed, such as a
	// USB hard disk. System disks are always refused.
	listFixed bool

	// minSize is the minimum size device to accept in GB.
	minSize float64

	// info causes console messages to be displayed with debugging information
	// included.
	info bool

	// v controls the level of log verbosity. It defaults to 1, and higher levels
	// increase the info logging that is provided.
	v int

	// verbose is a convenience control that turns log verbosity up to the
	// maximum. It is most often used for simplicity when troubleshooting.
	verbose bool
}

// Ensure writeCommand implements the subcommands.Command interface.
var _ subcommands.Command = (*writeCmd)(nil)

// Name returns the name of the subcommand.
func (c *writeCmd) Name() string {
	return c.name
}

// Synopsis returns a short string (less than one line) describing the subcommand.
func (c *writeCmd) Synopsis() string {
	if c.op == models.OpBurn {
		return "write a raw disk image to a device"
	}
	return "format a device as a single FAT32 volume"
}

// Usage returns a long string explaining the subcommand and giving usage information.
func (c *writeCmd) Usage() string {
	if c.op == models.OpBurn {
		return fmt.Sprintf(`%s [flags...] [device]

Write a raw disk image, optionally gzip compressed, byte for byte to a
storage device. The image is sized before anything is written and the
written data is read back and compared unless --verify=false is given.
This operation requires elevated permissions such as 'sudo' on Linux or
'run as administrator' on Windows. On a Mac the system asks for an
administrator password when the device is opened.

Example #1 (Linux): 'burn firmware.img.gz to sdc'
  - '%s burn -device sdc -image firmware.img.gz'

Example #2 (Windows): 'burn an image to disk 2 and leave it attached'
  - '%s burn -image firmware.img -no_eject 2'

Defaults:
`, c.name, binaryName, binaryName)
	}
	return fmt.Sprintf(`%s [flags...] [device]

Format a storage device as a single FAT32 volume. Devices larger than the
platform format utility accepts are formatted by writing the filesystem
directly. This operation requires elevated permissions such as 'sudo' on
Linux or 'run as administrator' on Windows.

Example #1 (Linux): 'format sdb with the label BOOT'
  - '%s format -device sdb -label BOOT'

Example #2 (Mac): 'format a 128GB card in disk4 without a partition table'
  - '%s format -superfloppy disk4'

Example #3 (Windows): 'format disk 3 using site defaults'
  - '%s format -profile site.yaml 3'

Defaults:
`, c.name, binaryName, binaryName, binaryName)
}

// SetFlags adds the flags for this command to the specified set.
func (c *writeCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.device, "device", "", "identifier of the device to provision, as shown by the list command")
	f.BoolVar(&c.noEject, "no_eject", false, "leave the device attached after provisioning is complete")
	f.BoolVar(&c.confirm, "confirm", true, "display a confirmation prompt before the device is overwritten")
	f.StringVar(&c.profile, "profile", "", "YAML file with site defaults, flags take precedence")
	f.BoolVar(&c.listFixed, "show_fixed", false, "also accept fixed drives, system disks are always refused")
	f.Float64Var(&c.minSize, "minimum", float64(config.DefaultMinSize)/oneGB, "minimum size [in GB] of drives to accept")
	f.BoolVar(&c.info, "info", false, "display console messages with debugging information included")
	f.IntVar(&c.v, "v", 1, "controls the level of info log verbosity")
	f.BoolVar(&c.verbose, "verbose", false, "increase info log verbosity to maximum, alias for '-v 5'")

	if c.op == models.OpBurn {
		f.StringVar(&c.image, "image", "", "raw disk image to write, gzip compressed images are expanded")
		f.BoolVar(&c.verify, "verify", true, "read the written image back and compare it")
		f.IntVar(&c.chunk, "chunk", burner.DefaultChunkSize, "size in bytes of each write, a multiple of 512")
		return
	}
	f.StringVar(&c.label, "label", config.DefaultLabel, "volume label, up to 11 characters")
	f.StringVar(&c.path, "path", "auto", "how to format: auto, native (platform utility) or manual")
	f.BoolVar(&c.superfloppy, "superfloppy", false, "format the whole device without a partition table")
	f.DurationVar(&c.mountTimeout, "mount_timeout", config.DefaultMountTimeout, "how long to wait for the new volume to be mounted")
}

// Execute executes the command and returns an ExitStatus.
func (c *writeCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) (exitStatus subcommands.ExitStatus) {
	// Enable turning verbosity up past log.V(1) for the cli with a single bool
	// flag to retain flag equivalence with similar tooling on Windows. To avoid
	// excessive verbosity, V is only increased for local libraries.
	if c.verbose {
		c.v = 5
	}
	if c.info || c.v > 1 {
		console.Verbose = true
	}

	// Initialize logging with the bare binary name as the source.
	lp := filepath.Join(os.TempDir(), fmt.Sprintf(`%s.log`, binaryName))
	lf, err := os.OpenFile(lp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0660)
	if err != nil {
		logger.Errorf("Failed to open log file: %v", err)
		return subcommands.ExitFailure
	}
	defer lf.Close()
	defer logger.Init(binaryName, console.Verbose, true, lf).Close()
	logger.SetLevel(logger.Level(c.v))

	// Log startup for upstream consumption by dashboards.
	logger.V(1).Infof("%s %s is initializing.\n", binaryName, c.name)

	// A device may be named by flag or as the only argument, but not both.
	if c.device == "" && f.NArg() == 1 {
		c.device = f.Arg(0)
	}
	if c.device == "" || f.NArg() > 1 || (f.NArg() == 1 && c.device != f.Arg(0)) {
		logger.Errorf("Exactly one device must be specified.\n"+
			"Use the 'list' command to list available devices.\n"+
			"usage: %s %s\n", os.Args[0], c.Usage())
		return subcommands.ExitUsageError
	}

	if err = execute(ctx, c, f); err != nil {
		logger.Error(err)
		logger.Errorf("%s %s completed with errors.", binaryName, c.name)
		return subcommands.ExitFailure
	}

	// Log completion for upstream consumption by dashboards.
	console.Printf("%s %s completed successfully.", binaryName, c.name)
	logger.V(1).Infof("%s %s completed successfully.", binaryName, c.name)
	return subcommands.ExitSuccess
}

// options collects the flag values, applying the profile to any flag that
// was not given.
func (c *writeCmd) options(f *flag.FlagSet) (config.Options, error) {
	o := config.Options{
		Operation:    c.op,
		Device:       c.device,
		Label:        c.label,
		Image:        c.image,
		FormatPath:   c.path,
		ChunkSize:    c.chunk,
		MinSize:      uint64(c.minSize * oneGB),
		MountTimeout: c.mountTimeout,
		Verify:       c.verify,
		Eject:        !c.noEject,
		Confirm:      c.confirm,
		AllowFixed:   c.listFixed,
	}
	if c.superfloppy {
		o.Layout = "superfloppy"
	}
	if c.profile == "" {
		return o, nil
	}
	p, err := config.LoadProfile(c.profile)
	if err != nil {
		return o, err
	}
	set := map[string]bool{}
	f.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
	if err := p.Apply(&o, func(name string) bool { return set[name] }); err != nil {
		return o, err
	}
	logger.V(2).Infof("Applied profile %q: %s", c.profile, p)
	return o, nil
}

func run(ctx context.Context, c *writeCmd, f *flag.FlagSet) error {
	o, err := c.options(f)
	if err != nil {
		return fmt.Errorf("%v: %w", err, errConfig)
	}
	conf, err := config.New(o)
	if err != nil {
		return fmt.Errorf("config.New(device: %s, label: %q, image: %q, path: %q) returned %v: %w",
			o.Device, o.Label, o.Image, o.FormatPath, err, errConfig)
	}
	// On a Mac the authorization helper obtains access, elsewhere the
	// binary must already be elevated.
	if !conf.Elevated() && runtime.GOOS != "darwin" {
		return fmt.Errorf("elevated permissions are required to use the %q command, try again using 'sudo' (Linux) or 'run as administrator' (Windows): %w", c.name, errElevation)
	}
	logger.V(3).Infof("Configuration to be applied:\n%s", conf)

	drive, ok := lookup(conf.Device())
	if !ok {
		return fmt.Errorf("device %q was not found, use the 'list' command to see available devices: %w", conf.Device(), errDevice)
	}
	operation := models.Operation{Kind: c.op, Label: conf.Label(), Image: conf.Image()}
	if c.op == models.OpBurn {
		console.Printf("Sizing image %q...", conf.Image())
		logger.V(1).Infof("Sizing image %q...", conf.Image())
		if operation.ImageSize, err = burner.Prescan(burner.FileSource(conf.Image())); err != nil {
			return fmt.Errorf("burner.Prescan(%q) returned %v: %w", conf.Image(), err, errConfig)
		}
	}
	g := guard.New(conf.MinSize(), conf.AllowFixed())
	g.Lookup = lookup
	if err := g.Check(drive, operation); err != nil {
		return fmt.Errorf("%v: %w", err, errDevice)
	}

	console.Printf("The following device will be overwritten (%s):\n", c.name)
	logger.V(2).Infof("Device %q will be overwritten by %s.", drive.ID, c.name)
	console.PrintDevices([]console.TargetDevice{drive}, os.Stdout, false)
	if conf.Confirm() {
		if err := prompt(); err != nil {
			return fmt.Errorf("console.PromptUser() returned %v: %w", err, errPrompt)
		}
	}

	p, err := provision.New(conf, newBroker(), g)
	if err != nil {
		return fmt.Errorf("provision.New() returned %v: %w", err, errProvision)
	}
	// Mount polling may use a recent snapshot. The guard always rescans.
	snapshots := drives.NewPoller(snapshotTTL)
	snapshots.List = enumerate
	p.Lookup = snapshots.Lookup
	if mount != nil {
		p.Mount = mount
	}
	if eject != nil {
		p.Eject = eject
	}

	console.Printf("\nProvisioning device %q...", drive.ID)
	logger.V(1).Infof("Provisioning device %q...", drive.ID)
	op := p.Start(ctx, drive, operation)
	progress := console.NewProgressPrinter(os.Stdout)
	for e := range op.Progress() {
		progress.Update(e)
	}
	progress.Finish()
	r := op.Wait()
	if r.Status != models.StatusSuccess {
		return fmt.Errorf("%s of %q %s: %s: %w", c.name, drive.ID, r.Status, explain(r), errProvision)
	}
	report(drive, r)
	return nil
}

// explain turns a failed Result into advice for the user.
func explain(r models.Result) string {
	switch r.Kind {
	case models.KindAccessCancelled:
		return "authorization was cancelled, nothing was written"
	case models.KindAccessDenied:
		return "access to the device was denied, run again as an administrator: " + r.Message
	case models.KindAccessSystem:
		return "the device could not be opened, check that it is attached and not in use: " + r.Message
	case models.KindIO:
		return "the device failed while being written, its contents are undefined and the operation must be restarted: " + r.Message
	case models.KindCancelled:
		return "the operation was interrupted, the device is partially written: " + r.Message
	}
	return r.Message
}

func report(drive models.DriveInfo, r models.Result) {
	if r.MountPath != "" {
		console.Printf("Device %q is mounted at %s.", drive.ID, r.MountPath)
	}
	if r.Checksum != "" {
		verified := "not verified"
		if r.Verified {
			verified = "verified"
		}
		console.Printf("Wrote %d bytes to %q, sha256 %s (%s).", r.Written, drive.ID, r.Checksum, verified)
	}
	if r.Message != "" {
		console.Printf("Warning: %s", r.Message)
	}
	logger.Infof("provision: result device=%s status=%s mount=%q written=%d sha256=%s verified=%t",
		drive.ID, r.Status, r.MountPath, r.Written, r.Checksum, r.Verified)
}
