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

//go:build !linux

package provision

import (
	"context"

	"github.com/cardforge/cardforge/cli/fat32"
	"github.com/cardforge/cardforge/models"
)

// mountVolume leaves mounting to the system, which mounts a new FAT
// volume on its own on macOS and Windows.
func mountVolume(context.Context, models.DriveInfo, fat32.Layout) (string, error) {
	return "", nil
}
