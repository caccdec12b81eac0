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

// Package console provides simple utilities to print human-readable messages
// to the console. For specific message types, additional verbosity is
// available through Verbose.
package console

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cardforge/cardforge/models"
	"github.com/docker/go-units"
	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
)

var (
	// Verbose is used to control whether or not print messages are printed.
	// It is exposed as package state to allow the verbosity to be uniformly
	// controlled across packages that use it.
	Verbose = false

	// Dependency injections for testing.
	stdin  io.Reader = os.Stdin
	stdout io.Writer = os.Stdout
	now              = time.Now
)

// Print displays a console message when Verbose is false. Arguments
// are handled in the same manner as fmt.Print.
func Print(v ...interface{}) {
	if !Verbose {
		fmt.Fprint(stdout, v...)
	}
}

// Printf displays a console message when Verbose is false. Arguments
// are handled in the same manner as fmt.Printf.
func Printf(format string, v ...interface{}) {
	if !Verbose {
		fmt.Fprintf(stdout, format+"\n", v...)
	}
}

// PromptUser displays a warning that the actions to be performed are
// destructive. It returns a cancellation error if the user does not respond
// with a 'y'. It is always printed, regardless of the value of Verbose.
func PromptUser() error {
	msg := "\nIMPORTANT: Proceeding will DESTROY the contents of a device!\n\n" +
		"Do you want to erase and re-initialize the device listed? (y/N)? "
	fmt.Fprint(stdout, msg)

	reader := bufio.NewReader(stdin)
	r, err := reader.ReadString('\n')
	if err != nil && (err != io.EOF || r == "") {
		return models.Errorf(models.KindCancelled, "no confirmation was read: %w", err)
	}
	r = strings.Trim(r, "\r\n")
	if !strings.EqualFold(r, "y") {
		return models.Errorf(models.KindCancelled, "canceled media initialization")
	}
	return nil
}

// TargetDevice represents models.DriveInfo.
type TargetDevice interface {
	Identifier() string
	FriendlyName() string
	Size() uint64
	Mounted() bool
}

type rawDevice struct {
	ID      string
	Name    string
	Size    string
	Bytes   uint64
	Mounted bool
}

// PrintDevices takes a slice of target devices and prints relevant information
// as a human-readable table to the console. If the json flag
// is present the target devices will be printed as JSON rather than a table.
func PrintDevices(targets []TargetDevice, w io.Writer, json bool) {

	if json {
		Printjson(targets, w)
		// Return immediately after raw output to ensure the output is proper JSON only.
		return
	}

	//Check if any devices exist.
	if len(targets) == 0 {
		fmt.Fprintf(w, "No matching devices were found.")
		return
	}

	// Display the table to the user otherwise, output devices with table
	table := tablewriter.NewWriter(w)
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Device", "Model", "Size", "Mounted"})
	table.SetHeaderColor(
		tablewriter.Colors{tablewriter.FgGreenColor}, // Green text for device column.
		tablewriter.Colors{},                         // No color change for model column.
		tablewriter.Colors{},                         // No color change for size column.
		tablewriter.Colors{},                         // No color change for mounted column.
	)
	for _, device := range targets {
		mounted := "no"
		if device.Mounted() {
			mounted = "yes"
		}
		table.Append([]string{
			device.Identifier(),
			device.FriendlyName(),
			humanize.IBytes(device.Size()),
			mounted,
		},
		)
	}
	table.Render()
}

// Printjson takes a slice of target devices and prints relevant information
// as JSON to the console when the json flag is present on the PrintDevices
// function.
func Printjson(targets []TargetDevice, w io.Writer) error {

	result := []rawDevice{}
	for _, device := range targets {
		result = append(result, rawDevice{
			ID:      device.Identifier(),
			Name:    device.FriendlyName(),
			Size:    humanize.IBytes(device.Size()),
			Bytes:   device.Size(),
			Mounted: device.Mounted(),
		})
	}

	output, err := json.Marshal(result)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s", output)
	return nil
}

// ProgressPrinter renders progress events as a bar, one bar per phase.
// Updates within a phase are drawn at most every 300 msec, apart from the
// final event of the phase. A ProgressPrinter always outputs, regardless of
// the value of Verbose.
type ProgressPrinter struct {
	w    io.Writer
	freq time.Duration

	phase   models.Phase
	bars    int64
	done    bool
	start   time.Time
	lastLog time.Time
}

// NewProgressPrinter returns a ProgressPrinter writing to w.
func NewProgressPrinter(w io.Writer) *ProgressPrinter {
	return &ProgressPrinter{w: w, freq: 300 * time.Millisecond}
}

// Update draws e.
func (p *ProgressPrinter) Update(e models.ProgressEvent) {
	t := now()
	if e.Phase != p.phase {
		p.Finish()
		p.phase = e.Phase
		p.bars = 0
		p.done = false
		p.start = t
		p.lastLog = time.Time{}
		fmt.Fprintf(p.w, "%s started\n", title(e.Phase))
		if e.Total > 0 {
			fmt.Fprintf(p.w, "Size:     [--------------------------------------------------] %s\n", units.BytesSize(float64(e.Total)))
			fmt.Fprint(p.w, "Progress:  ")
		}
	}
	final := e.Total > 0 && e.Bytes >= e.Total
	if p.done || e.Total == 0 || (!final && t.Sub(p.lastLog) < p.freq) {
		return
	}
	p.lastLog = t

	// Calculate the progress and update the progress bar.
	progress := int64(float64(e.Bytes) / float64(e.Total) * 100 / 2)
	if progress > 50 {
		progress = 50
	}
	for p.bars < progress {
		fmt.Fprint(p.w, "=")
		p.bars++
	}
	if final {
		// Determine the average speed for the phase.
		var speed float64 // in bytes/s.
		if since := t.Sub(p.start).Seconds(); since > 0 {
			speed = float64(e.Bytes) / since
		}
		fmt.Fprintf(p.w, "\n%s %s in %s (%s/s)\n", title(e.Phase), units.BytesSize(float64(e.Bytes)), t.Sub(p.start).Round(100*time.Millisecond), units.BytesSize(speed))
		p.done = true
	}
}

// Finish terminates an unfinished bar, such as one interrupted by an error.
func (p *ProgressPrinter) Finish() {
	if p.phase != "" && !p.done {
		fmt.Fprintln(p.w)
		p.done = true
	}
}

func title(p models.Phase) string {
	if p == "" {
		return ""
	}
	return strings.ToUpper(string(p[:1])) + string(p[1:])
}
