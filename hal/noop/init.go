// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package noop

import "github.com/tauray-gpu/tauray/hal"

// init registers the noop backend with the HAL registry so any importer
// of this package (even a blank import) can reach it through
// hal.GetBackend(types.BackendEmpty).
func init() {
	hal.RegisterBackend(API{})
}
