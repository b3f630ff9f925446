// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package livewire

import "github.com/AleutianAI/livewire/services/livewire/probe"

// HealthResponse is the response for GET /v1/livewire/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ErrorResponse is returned by every endpoint on failure.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// ProbesResponse is the response for GET /v1/livewire/probes.
type ProbesResponse struct {
	ConfigPath string              `json:"config_path,omitempty"`
	Probes     []probe.ProbeStatus `json:"probes"`
	Active     int                 `json:"active"`
	Failed     int                 `json:"failed"`
}

// ReloadResponse is the response for POST /v1/livewire/reload.
type ReloadResponse struct {
	Status string `json:"status"`
	Probes int    `json:"probes"`
}

// DependenciesResponse is the response for GET /v1/livewire/dependencies.
type DependenciesResponse struct {
	Prefix    string            `json:"prefix"`
	Declared  map[string]string `json:"declared"`
	Satisfied []string          `json:"satisfied"`
}
