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
	"context"
	"fmt"
	"os/exec"
	"strings"
	"unicode"

	"github.com/cardforge/cardforge/models"
	"github.com/dustin/go-humanize"
	"github.com/google/logger"
)

// Path selects how a volume is formatted.
type Path string

// Format paths.
const (
	// PathAuto uses the native utility within its capacity limit and the
	// manual writer beyond it.
	PathAuto Path = "auto"
	// PathNative always delegates to the platform utility.
	PathNative Path = "native"
	// PathManual always writes the filesystem structures directly.
	PathManual Path = "manual"
)

// ParsePath converts a flag or profile value into a Path.
func ParsePath(s string) (Path, error) {
	switch p := Path(strings.ToLower(s)); p {
	case "":
		return PathAuto, nil
	case PathAuto, PathNative, PathManual:
		return p, nil
	}
	return PathAuto, models.Validationf("unknown format path %q, want auto, native or manual", s)
}

// PartitionPath names the first partition of a Linux disk: sdb1, but
// mmcblk0p1 and nvme0n1p1 for disks whose names end in a digit.
func PartitionPath(disk string) string {
	if r := []rune(disk); len(r) > 0 && unicode.IsDigit(r[len(r)-1]) {
		return disk + "p1"
	}
	return disk + "1"
}

// step is one external command of a native format.
type step struct {
	name  string
	args  []string
	stdin string
}

// runCommand runs an external command to completion and returns its
// combined output. The context is not used to kill the command: a format
// utility stopped mid write leaves the device in an unknown state. It is
// swapped in tests.
var runCommand = func(_ context.Context, stdin, name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	return cmd.CombinedOutput()
}

// Choose resolves p for a volume of size bytes with layout l and logs the
// result. Explicit paths are returned unchanged.
func Choose(p Path, drive models.DriveInfo, l Layout) Path {
	chosen := p
	if p == PathAuto || p == "" {
		chosen = PathManual
		if nativeSupported(l) && drive.SizeBytes <= nativeLimit {
			chosen = PathNative
		}
	}
	logger.Infof("fat32: format path=%s device=%s size=%d layout=%s", chosen, drive.ID, drive.SizeBytes, l)
	return chosen
}

// FormatNative formats drive with the platform's own utility. The device
// must not be held open by this process. A non-zero exit is returned as a
// format error carrying the utility's output verbatim. There is no
// fallback to the manual writer.
func FormatNative(ctx context.Context, drive models.DriveInfo, plan Plan) error {
	if !nativeSupported(plan.Layout) {
		return models.Formatf("the native format utility cannot create a %s layout", plan.Layout)
	}
	if drive.SizeBytes > nativeLimit {
		return models.Formatf("the native format utility is limited to %s, device is %s", humanize.IBytes(nativeLimit), humanize.IBytes(drive.SizeBytes))
	}
	steps, cleanup, err := nativeSteps(drive, plan)
	if err != nil {
		return models.Formatf("preparing native format: %w", err)
	}
	defer cleanup()
	for i, s := range steps {
		// Cancellation is honoured between steps, never during one.
		if err := ctx.Err(); err != nil {
			return &models.Error{Kind: models.KindCancelled, Detail: fmt.Sprintf("native format cancelled before %s (step %d of %d)", s.name, i+1, len(steps)), Err: err}
		}
		logger.V(1).Infof("fat32: running %s %s", s.name, strings.Join(s.args, " "))
		out, err := runCommand(ctx, s.stdin, s.name, s.args...)
		if err != nil {
			return &models.Error{Kind: models.KindFormat, Detail: string(out), Err: err}
		}
	}
	return nil
}
