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

//go:build darwin || linux

package access

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/cardforge/cardforge/models"
	"github.com/google/logger"
	"golang.org/x/sys/unix"
)

// authopenMode is O_RDWR|O_SYNC using the darwin flag values.
const authopenMode = 0x82

var (
	// helperPath is the authorization helper. It prompts the user once and
	// passes an open descriptor for the device back over its stdout.
	helperPath = "/usr/libexec/authopen"

	errNoDescriptor = errors.New("helper returned no descriptor")
)

// helperOpen runs the authorization helper for devPath and returns the
// descriptor it hands back. From the caller's point of view this is a
// single blocking request: the prompt, the exchange and the helper's exit
// all complete before it returns.
func helperOpen(ctx context.Context, devPath string) (*os.File, error) {
	if _, err := os.Stat(helperPath); err != nil {
		return nil, &models.Error{Kind: models.KindAccessSystem, Detail: fmt.Sprintf("authorization helper %q unavailable", helperPath), Err: err}
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, &models.Error{Kind: models.KindAccessSystem, Detail: "socketpair", Err: err}
	}
	parent := os.NewFile(uintptr(fds[0]), "helper-parent")
	child := os.NewFile(uintptr(fds[1]), "helper-child")
	defer parent.Close()

	cmd := exec.CommandContext(ctx, helperPath, "-stdoutpipe", "-o", fmt.Sprint(authopenMode), devPath)
	cmd.Stdout = child
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	logger.V(2).Infof("access: requesting authorization helper=%s device=%s", helperPath, devPath)
	if err := cmd.Start(); err != nil {
		child.Close()
		return nil, &models.Error{Kind: models.KindAccessSystem, Detail: fmt.Sprintf("start %q", helperPath), Err: err}
	}
	// The helper owns the other end now. Closing ours lets the receive see
	// EOF if the helper exits without sending anything.
	child.Close()

	fd, recvErr := receiveDescriptor(int(parent.Fd()))
	if waitErr := cmd.Wait(); waitErr != nil {
		if fd >= 0 {
			unix.Close(fd)
		}
		if ctx.Err() != nil {
			return nil, &models.Error{Kind: models.KindCancelled, Detail: "authorization interrupted", Err: ctx.Err()}
		}
		return nil, classifyHelperFailure(waitErr, stderr.String())
	}
	if recvErr != nil {
		return nil, &models.Error{Kind: models.KindAccessSystem, Detail: "descriptor passing failed", Err: recvErr}
	}
	return os.NewFile(uintptr(fd), devPath), nil
}

// receiveDescriptor reads one SCM_RIGHTS message from sock. It returns -1
// when no descriptor arrived.
func receiveDescriptor(sock int) (int, error) {
	buf := make([]byte, 64)
	oob := make([]byte, unix.CmsgSpace(4))
	_, oobn, _, _, err := unix.Recvmsg(sock, buf, oob, 0)
	if err != nil {
		return -1, fmt.Errorf("recvmsg: %w", err)
	}
	if oobn == 0 {
		return -1, errNoDescriptor
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, fmt.Errorf("parsing control message: %w", err)
	}
	fd := -1
	for i := range msgs {
		rights, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		for _, r := range rights {
			if fd < 0 {
				fd = r
				continue
			}
			unix.Close(r)
		}
	}
	if fd < 0 {
		return -1, errNoDescriptor
	}
	return fd, nil
}

// classifyHelperFailure maps a failed helper run onto the access error
// kinds. The helper reports a dismissed prompt and a refused authorization
// only through its diagnostics.
func classifyHelperFailure(waitErr error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "cancel"):
		return &models.Error{Kind: models.KindAccessCancelled, Detail: "authorization prompt was dismissed", Err: waitErr}
	case strings.Contains(lower, "permission denied"), strings.Contains(lower, "not permitted"), strings.Contains(lower, "not authorized"):
		return &models.Error{Kind: models.KindAccessDenied, Detail: msg, Err: waitErr}
	}
	if msg == "" {
		msg = "authorization helper failed"
	}
	return &models.Error{Kind: models.KindAccessSystem, Detail: msg, Err: waitErr}
}

// validateDescriptor checks that f refers to a file of the wanted type
// (unix.S_IFCHR for raw disks) before any byte is written through it.
func validateDescriptor(f *os.File, want uint32) error {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return &models.Error{Kind: models.KindAccessSystem, Detail: fmt.Sprintf("fstat %q", f.Name()), Err: err}
	}
	if uint32(st.Mode)&unix.S_IFMT != want {
		return &models.Error{Kind: models.KindAccessSystem, Detail: fmt.Sprintf("descriptor for %q has mode %#o, not a device", f.Name(), st.Mode)}
	}
	return nil
}
