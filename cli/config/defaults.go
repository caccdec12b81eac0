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
	"time"

	"github.com/cardforge/cardforge/cli/burner"
	"github.com/cardforge/cardforge/cli/guard"
)

const (
	defaultChunkSize = burner.DefaultChunkSize
	maxChunkSize     = 64 << 20
)

// Defaults used when neither a flag nor a profile provides a value.
var (
	// DefaultMinSize is the smallest device offered for provisioning.
	DefaultMinSize uint64 = guard.DefaultMinSize
	// DefaultMountTimeout bounds the wait for a formatted volume to be
	// mounted by the system.
	DefaultMountTimeout = 15 * time.Second
	// DefaultLabel is the volume label of a formatted device.
	DefaultLabel = "CARDFORGE"
)
