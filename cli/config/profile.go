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
	"fmt"
	"os"
	"time"

	"github.com/cardforge/cardforge/cli/fat32"
	"github.com/cardforge/cardforge/models"
	"github.com/docker/go-units"
	"gopkg.in/yaml.v2"
)

// Profile holds site defaults read from a YAML file. Sizes accept unit
// suffixes such as "512MiB" and durations use Go syntax such as "30s".
// Unset fields leave the flag defaults in place.
type Profile struct {
	Label        string `yaml:"label"`
	MinSize      string `yaml:"min_size"`
	Verify       *bool  `yaml:"verify"`
	FormatPath   string `yaml:"format_path"`
	ChunkSize    string `yaml:"chunk_size"`
	Eject        *bool  `yaml:"eject"`
	Layout       string `yaml:"layout"`
	MountTimeout string `yaml:"mount_timeout"`
	AllowFixed   *bool  `yaml:"allow_fixed"`
}

// LoadProfile reads the profile at path. Unknown keys are rejected so
// that a misspelled setting is not silently ignored.
func LoadProfile(path string) (*Profile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, models.Validationf("reading profile %q: %v: %w", path, err, errProfile)
	}
	p := &Profile{}
	if err := yaml.UnmarshalStrict(b, p); err != nil {
		return nil, models.Validationf("parsing profile %q: %v: %w", path, err, errProfile)
	}
	if p.Layout != "" {
		if _, err := fat32.ParseLayout(p.Layout); err != nil {
			return nil, models.Validationf("profile %q: %v: %w", path, err, errProfile)
		}
	}
	return p, nil
}

func parseSize(key, s string) (int64, error) {
	n, err := units.RAMInBytes(s)
	if err != nil || n <= 0 {
		return 0, models.Validationf("profile %s %q is not a size: %w", key, s, errProfile)
	}
	return n, nil
}

// Apply copies profile values into o for each setting whose flag was not
// given on the command line. set reports whether the named flag was given.
func (p *Profile) Apply(o *Options, set func(flag string) bool) error {
	if p == nil {
		return nil
	}
	if p.Label != "" && !set("label") {
		o.Label = p.Label
	}
	if p.FormatPath != "" && !set("path") {
		o.FormatPath = p.FormatPath
	}
	if p.Layout != "" && !set("superfloppy") {
		o.Layout = p.Layout
	}
	if p.Verify != nil && !set("verify") {
		o.Verify = *p.Verify
	}
	if p.Eject != nil && !set("no_eject") {
		o.Eject = *p.Eject
	}
	if p.AllowFixed != nil && !set("show_fixed") {
		o.AllowFixed = *p.AllowFixed
	}
	if p.MinSize != "" && !set("minimum") {
		n, err := parseSize("min_size", p.MinSize)
		if err != nil {
			return err
		}
		o.MinSize = uint64(n)
	}
	if p.ChunkSize != "" && !set("chunk") {
		n, err := parseSize("chunk_size", p.ChunkSize)
		if err != nil {
			return err
		}
		o.ChunkSize = int(n)
	}
	if p.MountTimeout != "" && !set("mount_timeout") {
		d, err := time.ParseDuration(p.MountTimeout)
		if err != nil {
			return models.Validationf("profile mount_timeout %q: %v: %w", p.MountTimeout, err, errProfile)
		}
		o.MountTimeout = d
	}
	return nil
}

func (p *Profile) String() string {
	return fmt.Sprintf("label=%q min_size=%q format_path=%q chunk_size=%q layout=%q mount_timeout=%q",
		p.Label, p.MinSize, p.FormatPath, p.ChunkSize, p.Layout, p.MountTimeout)
}
