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

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cardforge/cardforge/cli/fat32"
	"github.com/cardforge/cardforge/models"
	"github.com/google/go-cmp/cmp"
)

func goodOptions() Options {
	return Options{
		Operation:    models.OpFormat,
		Device:       "sdb",
		Label:        "cardforge",
		MinSize:      DefaultMinSize,
		MountTimeout: DefaultMountTimeout,
		Verify:       true,
		Eject:        true,
		Confirm:      true,
	}
}

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatalf("os.WriteFile(%q) returned %v", path, err)
	}
	return path
}

func TestNew(t *testing.T) {
	image := writeFile(t, "firmware.img", "boot")
	orig := IsElevatedCmd
	defer func() { IsElevatedCmd = orig }()

	tests := []struct {
		desc           string
		fakeIsElevated func() (bool, error)
		modify         func(*Options)
		want           error
	}{
		{
			desc:   "partition instead of device",
			modify: func(o *Options) { o.Device = "/dev/sdb1" },
			want:   errDevice,
		},
		{
			desc:   "missing device",
			modify: func(o *Options) { o.Device = "" },
			want:   errDevice,
		},
		{
			desc:   "label too long",
			modify: func(o *Options) { o.Label = "firmware-installer" },
			want:   models.ErrValidation,
		},
		{
			desc:   "unknown format path",
			modify: func(o *Options) { o.FormatPath = "quick" },
			want:   models.ErrValidation,
		},
		{
			desc:   "unknown layout",
			modify: func(o *Options) { o.Layout = "gpt" },
			want:   models.ErrValidation,
		},
		{
			desc:   "unaligned chunk",
			modify: func(o *Options) { o.ChunkSize = 1000 },
			want:   errInput,
		},
		{
			desc:   "oversized chunk",
			modify: func(o *Options) { o.ChunkSize = 128 << 20 },
			want:   errInput,
		},
		{
			desc:   "zero minimum size",
			modify: func(o *Options) { o.MinSize = 0 },
			want:   errInput,
		},
		{
			desc:   "negative mount timeout",
			modify: func(o *Options) { o.MountTimeout = -time.Second },
			want:   errInput,
		},
		{
			desc: "burn without image",
			modify: func(o *Options) {
				o.Operation = models.OpBurn
			},
			want: errImage,
		},
		{
			desc: "burn of a directory",
			modify: func(o *Options) {
				o.Operation = models.OpBurn
				o.Image = filepath.Dir(image)
			},
			want: errImage,
		},
		{
			desc:           "isElevated error",
			fakeIsElevated: func() (bool, error) { return false, errors.New("error") },
			want:           errElevation,
		},
		{
			desc:           "valid format",
			fakeIsElevated: func() (bool, error) { return true, nil },
		},
		{
			desc: "valid burn",
			modify: func(o *Options) {
				o.Operation = models.OpBurn
				o.Image = image
			},
			fakeIsElevated: func() (bool, error) { return true, nil },
		},
	}
	for _, tt := range tests {
		IsElevatedCmd = tt.fakeIsElevated
		if IsElevatedCmd == nil {
			IsElevatedCmd = func() (bool, error) { return false, nil }
		}
		o := goodOptions()
		if tt.modify != nil {
			tt.modify(&o)
		}
		_, err := New(o)
		if !errors.Is(err, tt.want) {
			t.Errorf("%s: New() got: '%v', want: '%v'", tt.desc, err, tt.want)
		}
		if err != nil && tt.want != errElevation && models.KindOf(err) != models.KindValidation {
			t.Errorf("%s: New() error kind = %q, want %q", tt.desc, models.KindOf(err), models.KindValidation)
		}
	}
}

func TestGetters(t *testing.T) {
	orig := IsElevatedCmd
	defer func() { IsElevatedCmd = orig }()
	IsElevatedCmd = func() (bool, error) { return true, nil }

	o := goodOptions()
	o.Layout = "superfloppy"
	o.FormatPath = "manual"
	c, err := New(o)
	if err != nil {
		t.Fatalf("New() returned %v", err)
	}
	type view struct {
		Device     string
		Label      string
		Path       fat32.Path
		Layout     fat32.Layout
		Chunk      int
		MinSize    uint64
		Mount      time.Duration
		Verify     bool
		Eject      bool
		Confirm    bool
		AllowFixed bool
		Elevated   bool
	}
	got := view{c.Device(), c.Label(), c.FormatPath(), c.Layout(), c.ChunkSize(), c.MinSize(), c.MountTimeout(),
		c.Verify(), c.Eject(), c.Confirm(), c.AllowFixed(), c.Elevated()}
	want := view{"sdb", "CARDFORGE", fat32.PathManual, fat32.LayoutSuperfloppy, defaultChunkSize, DefaultMinSize, DefaultMountTimeout,
		true, true, true, false, true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Configuration getters diff (-want +got):\n%s", diff)
	}
	if c.Operation() != models.OpFormat || c.Image() != "" {
		t.Errorf("Configuration operation/image = %s/%q, want format/\"\"", c.Operation(), c.Image())
	}
}

func TestString(t *testing.T) {
	orig := IsElevatedCmd
	defer func() { IsElevatedCmd = orig }()
	IsElevatedCmd = func() (bool, error) { return true, nil }

	c, err := New(goodOptions())
	if err != nil {
		t.Fatalf("New() returned %v", err)
	}
	s := c.String()
	for _, want := range []string{`Device      : "sdb"`, `Label       : "CARDFORGE"`, "FormatPath  : auto", "Layout      : mbr", "MountWait   : 15s", "ChunkSize   : 4MiB"} {
		if !strings.Contains(s, want) {
			t.Errorf("String() = %q, want it to contain %q", s, want)
		}
	}
}

func TestLoadProfile(t *testing.T) {
	tests := []struct {
		desc     string
		contents string
		missing  bool
		want     error
	}{
		{
			desc: "valid profile",
			contents: `label: BOOT
min_size: 1GiB
verify: false
layout: superfloppy
`,
		},
		{
			desc:     "unknown key",
			contents: "lable: BOOT\n",
			want:     errProfile,
		},
		{
			desc:     "bad layout",
			contents: "layout: gpt\n",
			want:     errProfile,
		},
		{
			desc:    "missing file",
			missing: true,
			want:    errProfile,
		},
	}
	for _, tt := range tests {
		path := filepath.Join(t.TempDir(), "missing.yaml")
		if !tt.missing {
			path = writeFile(t, "profile.yaml", tt.contents)
		}
		_, err := LoadProfile(path)
		if !errors.Is(err, tt.want) {
			t.Errorf("%s: LoadProfile() returned %v, want %v", tt.desc, err, tt.want)
		}
	}
}

func TestApply(t *testing.T) {
	verify := false
	eject := false
	p := &Profile{
		Label:        "SITE",
		MinSize:      "1GiB",
		Verify:       &verify,
		FormatPath:   "manual",
		ChunkSize:    "1MiB",
		Eject:        &eject,
		Layout:       "superfloppy",
		MountTimeout: "30s",
	}
	tests := []struct {
		desc string
		set  []string
		want Options
	}{
		{
			desc: "profile fills unset flags",
			want: Options{
				Device:       "sdb",
				Label:        "SITE",
				FormatPath:   "manual",
				Layout:       "superfloppy",
				ChunkSize:    1 << 20,
				MinSize:      1 << 30,
				MountTimeout: 30 * time.Second,
				Verify:       false,
				Eject:        false,
			},
		},
		{
			desc: "flags win",
			set:  []string{"label", "verify", "chunk", "no_eject"},
			want: Options{
				Device:       "sdb",
				Label:        "cmdline",
				FormatPath:   "manual",
				Layout:       "superfloppy",
				ChunkSize:    512,
				MinSize:      1 << 30,
				MountTimeout: 30 * time.Second,
				Verify:       true,
				Eject:        true,
			},
		},
	}
	for _, tt := range tests {
		o := Options{Device: "sdb", Label: "cmdline", ChunkSize: 512, Verify: true, Eject: true}
		set := map[string]bool{}
		for _, s := range tt.set {
			set[s] = true
		}
		if err := p.Apply(&o, func(f string) bool { return set[f] }); err != nil {
			t.Fatalf("%s: Apply() returned %v", tt.desc, err)
		}
		if diff := cmp.Diff(tt.want, o); diff != "" {
			t.Errorf("%s: Apply() diff (-want +got):\n%s", tt.desc, diff)
		}
	}

	bad := &Profile{ChunkSize: "lots"}
	if err := bad.Apply(&Options{}, func(string) bool { return false }); !errors.Is(err, errProfile) {
		t.Errorf("Apply(chunk_size: lots) returned %v, want %v", err, errProfile)
	}
	var none *Profile
	if err := none.Apply(&Options{}, func(string) bool { return false }); err != nil {
		t.Errorf("Apply() on a nil profile returned %v", err)
	}
}
