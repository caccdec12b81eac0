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

// Package list defines the list subcommand to display the devices available
// that qualify for formatting or burning.
package list

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"flag"
	"github.com/cardforge/cardforge/cli/console"
	"github.com/cardforge/cardforge/cli/drives"
	"github.com/cardforge/cardforge/models"
	"github.com/google/logger"
	"github.com/google/subcommands"
)

var (
	// The name of this binary, set in init.
	binaryName = ""
	// Dependency injections for testing.
	enumerate           = drives.List
	output    io.Writer = os.Stdout
)

func init() {
	binaryName = filepath.Base(strings.ReplaceAll(os.Args[0], `.exe`, ``))
	subcommands.Register(&listCmd{}, "")
}

// listCmd represents the list subcommand.
type listCmd struct {
	// listFixed determines whether we want to consider fixed drives when listing
	// available devices. It is defaulted to false by flag.
	listFixed bool

	// minSize is the minimum size device to search for in GB. For convenience,
	// this value is defaulted to to a reasonable minimum size by flag.
	minSize float64

	// maxSize is the largest size device to search for in GB. For convenience,
	// this value is set to 'no limit (0)' by default by flag.
	maxSize float64

	// json silences any unnecessary text output and returns the device list in JSON.
	// This value is defaulted to false by flag.
	json bool

	// watch redraws the list at this interval until interrupted. Zero lists
	// once.
	watch time.Duration
}

const oneGB = 1 << 30

// Ensure listCommand implements the subcommands.Command interface.
var _ subcommands.Command = (*listCmd)(nil)

// Name returns the name of the subcommand.
func (*listCmd) Name() string {
	return "list"
}

// Synopsis returns a short string (less than one line) describing the subcommand.
func (*listCmd) Synopsis() string {
	return "list available devices suitable for formatting or burning"
}

// Usage returns a long string explaining the subcommand and its usage.
func (*listCmd) Usage() string {
	return fmt.Sprintf(`list [flags...]

List available devices suitable for formatting or burning. Devices that host
the running operating system are never listed.

Flags:
  --show_fixed      - Includes fixed disks when searching for suitable devices.
  --minimum [float] - The minimum size in GB to consider when searching.
  --maximum [float] - The maximum size in GB to consider when searching.
  --json            - Display the device list in JSON with no additional output.
  --watch [dur]     - Redraw the list at this interval until interrupted.

Example #1: Perform a standard search with defaults (removable media only > 0.5GB)
  '%s list'

Example #2: Limit search to larger devices.
  '%s list --minimum=8'

Example #3: Search fixed devices and removable devices.
  '%s list --show_fixed'

Example output:

  DEVICE |     MODEL      |   SIZE   | MOUNTED
---------+----------------+----------+----------
  sdb    | SD/MMC Reader  | 29.7 GiB | yes
  sdc    | Unknown Device | 7.5 GiB  | no

Defaults:
`, binaryName, binaryName, binaryName)
}

// SetFlags adds the flags for this command to the specified set.
func (c *listCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.listFixed, "show_fixed", false, "Also display fixed drives.")
	f.Float64Var(&c.minSize, "minimum", 0.5, "The minimum size [in GB] of drives to search for.")
	f.Float64Var(&c.maxSize, "maximum", 0, "The maximum size [in GB] drives to search for.")
	f.BoolVar(&c.json, "json", false, "Display the device list in JSON with no additional output")
	f.DurationVar(&c.watch, "watch", 0, "Redraw the device list at this interval until interrupted.")
}

// available returns the devices that pass the size and type filters.
func (c *listCmd) available(all []models.DriveInfo) []console.TargetDevice {
	found := drives.Filter(all, c.listFixed, uint64(c.minSize*oneGB), uint64(c.maxSize*oneGB))
	// Wrap devices in an []console.TargetDevice.
	targets := []console.TargetDevice{}
	for _, d := range found {
		targets = append(targets, d)
	}
	return targets
}

// Execute runs the command and returns an ExitStatus.
func (c *listCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.minSize < 0 || c.maxSize < 0 || (c.maxSize > 0 && c.maxSize < c.minSize) {
		logger.Errorf("Invalid size range: minimum %.1f GB, maximum %.1f GB.", c.minSize, c.maxSize)
		return subcommands.ExitUsageError
	}
	if c.json {
		// Turning on verbose will silence console output
		console.Verbose = true
	}

	if c.watch > 0 {
		p := drives.NewPoller(c.watch / 2)
		p.List = enumerate
		p.Run(ctx, c.watch, func(all []models.DriveInfo) {
			console.Printf("\n%s", time.Now().Format(time.Kitchen))
			console.PrintDevices(c.available(all), output, c.json)
			fmt.Fprintln(output)
		})
		return subcommands.ExitSuccess
	}

	logger.V(1).Info("Searching for devices.")
	console.PrintDevices(c.available(enumerate()), output, c.json)

	// Provide contextual help for next steps.
	console.Printf(`

Use the 'format' or 'burn' subcommand to provision one of the devices listed.
Example #1: Use '%s format -device sdb -label BOOT' to format sdb as FAT32.
Example #2: Use '%s burn -device 2 -image firmware.img.gz' to write an image to disk 2.

For additional examples, see the help for each subcommand, '%s help burn'.`, binaryName, binaryName, binaryName)

	return subcommands.ExitSuccess
}
