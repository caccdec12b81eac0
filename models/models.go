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

// Package models provides data structures for provisioning requests,
// progress reporting and results, as well as the error taxonomy shared by
// the provisioning engine.
package models

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// DriveInfo is a snapshot of a storage device taken at enumeration time.
// It must be re-validated before any destructive write, as the physical
// device may change between selection and execution.
type DriveInfo struct {
	// ID is the platform identifier (sdb, disk4, or a Windows disk number).
	ID string
	// Path is the raw device path used to open the device.
	Path string
	// Name is a human readable vendor/model string.
	Name string
	// SizeBytes is the total capacity of the device.
	SizeBytes uint64
	// SectorSize is the logical sector size reported by the platform. Zero
	// means unknown, in which case 512 is assumed.
	SectorSize int
	// Removable indicates whether the platform considers the media removable.
	Removable bool
	// System is set when the device backs the running operating system.
	System bool
	// Mounts lists the current mount paths of any volumes on the device.
	Mounts []string
}

// Identifier returns the platform identifier of the drive.
func (d DriveInfo) Identifier() string {
	return d.ID
}

// FriendlyName returns a human readable name for the drive.
func (d DriveInfo) FriendlyName() string {
	if d.Name == "" {
		return "Unknown Device"
	}
	return d.Name
}

// Size returns the capacity of the drive in bytes.
func (d DriveInfo) Size() uint64 {
	return d.SizeBytes
}

// Mounted reports whether any volume of the drive is currently mounted.
func (d DriveInfo) Mounted() bool {
	return len(d.Mounts) > 0
}

func (d DriveInfo) String() string {
	flags := []string{}
	if d.Removable {
		flags = append(flags, "removable")
	}
	if d.System {
		flags = append(flags, "system")
	}
	return fmt.Sprintf("%s (%s, %s) [%s]", d.ID, d.FriendlyName(), humanize.IBytes(d.SizeBytes), strings.Join(flags, ","))
}

// OperationKind selects what is done to a device.
type OperationKind int

const (
	// OpFormat formats the device as FAT32 and hands it off for population.
	OpFormat OperationKind = iota
	// OpBurn writes a raw disk image onto the device.
	OpBurn
)

func (k OperationKind) String() string {
	switch k {
	case OpFormat:
		return "format"
	case OpBurn:
		return "burn"
	}
	return fmt.Sprintf("OperationKind(%d)", int(k))
}

// Operation is a request from the controlling application.
type Operation struct {
	Kind OperationKind
	// Label is the volume label for OpFormat.
	Label string
	// Image is the path of the raw (optionally gzip) image for OpBurn.
	Image string
	// ImageSize is the pre-scanned uncompressed length of Image. Zero when
	// it has not been determined yet.
	ImageSize uint64
}

// Phase tags a ProgressEvent.
type Phase string

// Phases reported while an operation runs.
const (
	PhaseFormatting Phase = "formatting"
	PhaseBurning    Phase = "burning"
	PhaseVerifying  Phase = "verifying"
)

// ProgressEvent carries the bytes processed so far within a phase. Bytes
// never decreases within the same phase.
type ProgressEvent struct {
	Phase Phase
	Bytes uint64
	Total uint64
}

// Status is the terminal state of an operation.
type Status int

// Terminal states.
const (
	StatusSuccess Status = iota
	StatusCancelled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Result is the terminal outcome delivered once per operation.
type Result struct {
	Status Status
	// Kind and Message are populated when Status is StatusFailed.
	Kind    Kind
	Message string
	// MountPath is the mounted volume handed to the copy component after a
	// successful format. It is empty when no mount appeared in time.
	MountPath string
	// Written is the number of bytes written to the device by a burn.
	Written uint64
	// Checksum is the hex SHA-256 of the image data written by a burn.
	Checksum string
	// Verified reports whether the burn was read back and compared.
	Verified bool
}

// ResultFromError converts a terminal error into a Result. A nil error is
// a success.
func ResultFromError(err error) Result {
	if err == nil {
		return Result{Status: StatusSuccess}
	}
	kind := KindOf(err)
	if kind == KindCancelled {
		return Result{Status: StatusCancelled, Kind: kind, Message: err.Error()}
	}
	return Result{Status: StatusFailed, Kind: kind, Message: err.Error()}
}
