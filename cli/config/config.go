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

// Package config validates flags and profile values and returns a
// configuration for formatting or burning a device.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/cardforge/cardforge/cli/fat32"
	"github.com/cardforge/cardforge/models"
	"github.com/docker/go-units"
)

var (
	// Wrapped errors for testing.
	errDevice    = errors.New("device error")
	errElevation = errors.New("elevation detection error")
	errImage     = errors.New("image error")
	errInput     = errors.New("invalid or missing input")
	errProfile   = errors.New("profile error")

	// Regex Matching
	regExDeviceID = regexp.MustCompile(`^[a-zA-Z0-9]+$`)
)

// Options are the raw values collected from flags, after any profile has
// been applied to them.
type Options struct {
	Operation    models.OperationKind
	Device       string
	Label        string
	Image        string
	FormatPath   string
	Layout       string
	ChunkSize    int
	MinSize      uint64
	MountTimeout time.Duration
	Verify       bool
	Eject        bool
	Confirm      bool
	AllowFixed   bool
}

// Configuration represents the validated state of all flags and profile
// values provided when the binary is invoked.
type Configuration struct {
	operation    models.OperationKind
	device       string
	label        string
	image        string
	path         fat32.Path
	layout       fat32.Layout
	chunk        int
	minSize      uint64
	mountTimeout time.Duration
	verify       bool
	eject        bool
	confirm      bool
	allowFixed   bool
	elevated     bool // If the user is running as root or administrator.
}

// New generates a new configuration from o. It performs sanity checks on
// every value and reports the first problem as a validation error.
func New(o Options) (*Configuration, error) {
	conf := &Configuration{
		operation:    o.Operation,
		verify:       o.Verify,
		eject:        o.Eject,
		confirm:      o.Confirm,
		allowFixed:   o.AllowFixed,
		mountTimeout: o.MountTimeout,
		minSize:      o.MinSize,
		chunk:        o.ChunkSize,
	}
	if !regExDeviceID.MatchString(o.Device) {
		return nil, models.Validationf("device(%q) must be a device ID (sda), number(1-9) or disk identifier(disk4): %w", o.Device, errDevice)
	}
	conf.device = o.Device

	var err error
	if conf.label, err = fat32.NormalizeLabel(o.Label); err != nil {
		return nil, err
	}
	if conf.path, err = fat32.ParsePath(o.FormatPath); err != nil {
		return nil, err
	}
	if conf.layout, err = fat32.ParseLayout(o.Layout); err != nil {
		return nil, err
	}
	if conf.chunk == 0 {
		conf.chunk = defaultChunkSize
	}
	if conf.chunk < 0 || conf.chunk%512 != 0 || conf.chunk > maxChunkSize {
		return nil, models.Validationf("chunk size %d must be a positive multiple of 512 no larger than %s: %w", o.ChunkSize, units.BytesSize(maxChunkSize), errInput)
	}
	if conf.minSize == 0 {
		return nil, models.Validationf("minimum device size must be greater than zero: %w", errInput)
	}
	if conf.mountTimeout < 0 {
		return nil, models.Validationf("mount timeout %s is negative: %w", conf.mountTimeout, errInput)
	}
	if o.Operation == models.OpBurn {
		if err := conf.addImage(o.Image); err != nil {
			return nil, err
		}
	}

	// Determine if the user is running with elevated permissions.
	elevated, err := isElevated()
	if err != nil {
		return nil, fmt.Errorf("isElevated() returned %v: %w", err, errElevation)
	}
	conf.elevated = elevated
	return conf, nil
}

func (c *Configuration) addImage(path string) error {
	if path == "" {
		return models.Validationf("an image is required: %w", errImage)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return models.Validationf("image %q: %v: %w", path, err, errImage)
	}
	if !fi.Mode().IsRegular() {
		return models.Validationf("image %q is not a regular file: %w", path, errImage)
	}
	c.image = path
	return nil
}

// Operation returns the requested operation.
func (c *Configuration) Operation() models.OperationKind {
	return c.operation
}

// Device returns the identifier of the device to be provisioned.
func (c *Configuration) Device() string {
	return c.device
}

// Label returns the normalized volume label.
func (c *Configuration) Label() string {
	return c.label
}

// Image returns the path of the image to burn.
func (c *Configuration) Image() string {
	return c.image
}

// FormatPath returns how the volume should be formatted.
func (c *Configuration) FormatPath() fat32.Path {
	return c.path
}

// Layout returns the volume layout.
func (c *Configuration) Layout() fat32.Layout {
	return c.layout
}

// ChunkSize returns the size in bytes of each burn write.
func (c *Configuration) ChunkSize() int {
	return c.chunk
}

// MinSize returns the smallest acceptable device in bytes.
func (c *Configuration) MinSize() uint64 {
	return c.minSize
}

// MountTimeout returns how long to wait for a formatted volume to mount.
func (c *Configuration) MountTimeout() time.Duration {
	return c.mountTimeout
}

// Verify returns whether a burn is read back and compared.
func (c *Configuration) Verify() bool {
	return c.verify
}

// Eject returns whether or not devices should be ejected after
// provisioning.
func (c *Configuration) Eject() bool {
	return c.eject
}

// Confirm returns whether or not a confirmation prompt should be presented
// prior to destructive operations.
func (c *Configuration) Confirm() bool {
	return c.confirm
}

// AllowFixed returns whether devices reported as fixed may be provisioned.
func (c *Configuration) AllowFixed() bool {
	return c.allowFixed
}

// Elevated identifies if the user is running the binary with elevated
// permissions.
func (c *Configuration) Elevated() bool {
	return c.elevated
}

// String implements the fmt.Stringer interface. This allows config to be passed to
// logging for a human-readable display of the selected configuration.
func (c *Configuration) String() string {
	return fmt.Sprintf(`  Configuration:
  -------------
  Operation   : %s
  Elevated    : %t
  Confirm     : %t

  Device      : %q
  AllowFixed  : %t
  MinSize     : %s
  Eject       : %t

  Label       : %q
  FormatPath  : %s
  Layout      : %s
  MountWait   : %s

  Image       : %q
  ChunkSize   : %s
  Verify      : %t`,
		c.Operation(),
		c.Elevated(),
		c.Confirm(),
		c.Device(),
		c.AllowFixed(),
		units.BytesSize(float64(c.MinSize())),
		c.Eject(),
		c.Label(),
		c.FormatPath(),
		c.Layout(),
		c.MountTimeout(),
		c.Image(),
		units.BytesSize(float64(c.ChunkSize())),
		c.Verify())
}

// isElevated determins if the current user is running the binary with elevated
// permissions, such as 'sudo' (Linux) or 'run as administrator' (Windows).
func isElevated() (bool, error) {
	if IsElevatedCmd == nil {
		return false, nil
	}
	return IsElevatedCmd()
}
