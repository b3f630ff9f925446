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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/livewire/services/livewire/capture"
	"github.com/AleutianAI/livewire/services/livewire/config"
	"github.com/AleutianAI/livewire/services/livewire/probe"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupTestRouter(t *testing.T, configPath string) (*gin.Engine, *testEnv) {
	t.Helper()
	env := newTestService(t, configPath)
	return NewRouter(env.svc), env
}

func doRequest(router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func writeProbeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestHandleHealth(t *testing.T) {
	router, _ := setupTestRouter(t, "")
	w := doRequest(router, http.MethodGet, "/v1/livewire/health")

	assert.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, ServiceVersion, resp.Version)
}

func TestHandleProbes(t *testing.T) {
	router, env := setupTestRouter(t, "")
	cfg := probeConfig("snapshot", CapturePackage)
	cfg.Probes["/nowhere/missing.go:3"] = config.ProbeSpec{Statement: "print 1"}
	require.NoError(t, env.svc.Apply(context.Background(), cfg))

	w := doRequest(router, http.MethodGet, "/v1/livewire/probes")
	require.Equal(t, http.StatusOK, w.Code)

	var resp ProbesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Probes, 2)
	assert.Equal(t, 1, resp.Active)
	assert.Equal(t, 1, resp.Failed)
	for _, p := range resp.Probes {
		if p.State == probe.StateFailed {
			assert.Equal(t, "/nowhere/missing.go:3", p.Location)
			assert.NotEmpty(t, p.Error)
		}
	}
}

func TestHandleReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.FileName)
	writeProbeFile(t, path, "probes: {}\n")
	router, env := setupTestRouter(t, path)

	writeProbeFile(t, path, "probes:\n  \""+siteLocation()+"\": print 1\n")
	w := doRequest(router, http.MethodPost, "/v1/livewire/reload")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp ReloadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "applied", resp.Status)
	assert.Equal(t, 1, resp.Probes)
	assert.Len(t, env.svc.Status(), 1)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestHandleReload_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.FileName)
	writeProbeFile(t, path, "probes:\n  nowhere: print 1\n")
	router, _ := setupTestRouter(t, path)

	w := doRequest(router, http.MethodPost, "/v1/livewire/reload")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "INVALID_CONFIG", resp.Code)
	assert.Contains(t, resp.Details, "nowhere")
}

func TestHandleReload_AfterShutdown(t *testing.T) {
	router, env := setupTestRouter(t, "")
	require.NoError(t, env.svc.Shutdown(context.Background()))

	w := doRequest(router, http.MethodPost, "/v1/livewire/reload")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleDependencies(t *testing.T) {
	router, env := setupTestRouter(t, "")
	cfg := config.Empty()
	cfg.Dependencies["example.com/tool"] = "latest"
	require.NoError(t, env.svc.Apply(context.Background(), cfg))

	w := doRequest(router, http.MethodGet, "/v1/livewire/dependencies")
	require.Equal(t, http.StatusOK, w.Code)

	var resp DependenciesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, env.svc.Prefix(), resp.Prefix)
	assert.Equal(t, map[string]string{"example.com/tool": "latest"}, resp.Declared)
	assert.Equal(t, []string{"example.com/tool@latest"}, resp.Satisfied)
}

func TestMetricsEndpoint(t *testing.T) {
	router, _ := setupTestRouter(t, "")
	w := doRequest(router, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleSnapshotStream(t *testing.T) {
	router, env := setupTestRouter(t, "")
	srv := httptest.NewServer(router)
	defer srv.Close()
	ctx := context.Background()
	require.NoError(t, env.svc.Apply(ctx, probeConfig("snapshot", CapturePackage)))

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/livewire/snapshots/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return env.svc.Broadcaster().Clients() == 1 },
		2*time.Second, 10*time.Millisecond)

	count := 7
	require.NoError(t, site(ctx, env.svc, capture.NewScope(0).Bind("count", &count)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var snap capture.Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, env.svc.Status()[0].ID, snap.Probe)
	assert.Contains(t, snap.Locals, "count")
}
