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

//go:build !linux && !darwin && !windows

package fat32

import (
	"errors"

	"github.com/cardforge/cardforge/models"
)

const nativeLimit = 0

func nativeSupported(Layout) bool { return false }

func nativeSteps(models.DriveInfo, Plan) ([]step, func(), error) {
	return nil, func() {}, errors.New("no native format utility on this platform")
}
