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

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/livewire/services/livewire/config"
	"github.com/AleutianAI/livewire/services/livewire/deps"
	"github.com/AleutianAI/livewire/services/livewire/probe"
)

// Handlers contains the HTTP handlers for the admin API.
type Handlers struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandlers creates handlers for the given service.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc, logger: svc.logger}
}

// HandleHealth handles GET /v1/livewire/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: ServiceVersion,
	})
}

// HandleProbes handles GET /v1/livewire/probes.
//
// Description:
//
//	Lists every probe of the applied configuration with its state. A
//	failed probe carries the reason it could not be installed.
//
// Response:
//
//	200 OK: ProbesResponse
func (h *Handlers) HandleProbes(c *gin.Context) {
	status := h.svc.Status()
	resp := ProbesResponse{
		ConfigPath: h.svc.ConfigPath(),
		Probes:     status,
	}
	for _, p := range status {
		switch p.State {
		case probe.StateActive:
			resp.Active++
		case probe.StateFailed:
			resp.Failed++
		}
	}
	c.JSON(http.StatusOK, resp)
}

// HandleReload handles POST /v1/livewire/reload.
//
// Description:
//
//	Re-reads the probe file and reconciles, exactly as a file change
//	would. On failure the previous probes stay installed.
//
// Response:
//
//	200 OK: ReloadResponse
//	422 Unprocessable Entity: Invalid probe configuration
//	502 Bad Gateway: Dependency installation failed
//	503 Service Unavailable: Service shut down
//	500 Internal Server Error: Any other failure
func (h *Handlers) HandleReload(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With(slog.String("request_id", requestID), slog.String("handler", "HandleReload"))

	if err := h.svc.Reload(c.Request.Context()); err != nil {
		status, code := classify(err)
		logger.Warn("manual reload failed", slog.String("error", err.Error()))
		c.JSON(status, ErrorResponse{Error: "reload failed", Code: code, Details: err.Error()})
		return
	}
	logger.Info("manual reload applied")
	c.JSON(http.StatusOK, ReloadResponse{
		Status: "applied",
		Probes: len(h.svc.Config().Probes),
	})
}

// HandleDependencies handles GET /v1/livewire/dependencies.
func (h *Handlers) HandleDependencies(c *gin.Context) {
	c.JSON(http.StatusOK, DependenciesResponse{
		Prefix:    h.svc.Prefix(),
		Declared:  h.svc.Config().Dependencies,
		Satisfied: h.svc.Satisfied(),
	})
}

// HandleSnapshotStream handles GET /v1/livewire/snapshots/stream.
//
// Description:
//
//	Upgrades to a websocket and streams every snapshot as a JSON text
//	message. A slow client loses its oldest queued snapshots.
func (h *Handlers) HandleSnapshotStream(c *gin.Context) {
	h.svc.Broadcaster().ServeHTTP(c.Writer, c.Request)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, config.ErrInvalidConfig):
		return http.StatusUnprocessableEntity, "INVALID_CONFIG"
	case errors.Is(err, deps.ErrInstallFailed), errors.Is(err, deps.ErrInvalidRequirement):
		return http.StatusBadGateway, "INSTALL_FAILED"
	case errors.Is(err, ErrShutdown), errors.Is(err, probe.ErrRegistryClosed):
		return http.StatusServiceUnavailable, "SHUT_DOWN"
	}
	return http.StatusInternalServerError, "INTERNAL"
}

// getOrCreateRequestID returns the X-Request-ID header or a new UUID.
func getOrCreateRequestID(c *gin.Context) string {
	if id := c.GetHeader("X-Request-ID"); id != "" {
		return id
	}
	id := uuid.NewString()
	c.Header("X-Request-ID", id)
	return id
}
