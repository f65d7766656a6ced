package main

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Tutortoise/detection-submitter/batch"
	"github.com/Tutortoise/detection-submitter/detections"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSplitOpts(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantRest []string
		wantOpts []string
	}{
		{
			name:     "no overrides",
			args:     []string{"configs/ssd300.yaml", "--ckpt", "m.onnx"},
			wantRest: []string{"configs/ssd300.yaml", "--ckpt", "m.onnx"},
		},
		{
			name:     "overrides take the remainder",
			args:     []string{"configs/ssd300.yaml", "--opts", "INPUT.IMAGE_SIZE", "512", "--ckpt", "x"},
			wantRest: []string{"configs/ssd300.yaml"},
			wantOpts: []string{"INPUT.IMAGE_SIZE", "512", "--ckpt", "x"},
		},
		{
			name:     "empty remainder",
			args:     []string{"c.yaml", "--opts"},
			wantRest: []string{"c.yaml"},
			wantOpts: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rest, opts := splitOpts(tt.args)
			assert.Equal(t, tt.wantRest, rest)
			assert.Equal(t, tt.wantOpts, opts)
		})
	}
}

func TestLoadConfigAppliesOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ssd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("OUTPUT_DIR: outputs/a\n"), 0644))

	cfg, err := loadConfig(path, []string{"OUTPUT_DIR", "outputs/b", "RUNTIME.WORKERS", "3"})
	require.NoError(t, err)
	assert.Equal(t, "outputs/b", cfg.OutputDir)
	assert.Equal(t, 3, cfg.Runtime.Workers)

	_, err = loadConfig(path, []string{"RUNTIME.WORKERS", "0"})
	require.Error(t, err)
}

func TestDefaultLibraryName(t *testing.T) {
	assert.Equal(t, "libonnxruntime.so", defaultLibraryName("linux"))
	assert.Equal(t, "libonnxruntime.dylib", defaultLibraryName("darwin"))
	assert.Equal(t, "onnxruntime.dll", defaultLibraryName("windows"))
}

func TestResolveLibrary(t *testing.T) {
	lib := filepath.Join(t.TempDir(), "libonnxruntime.so.1.20.0")
	require.NoError(t, os.WriteFile(lib, []byte{}, 0755))

	got, err := resolveLibrary(lib)
	require.NoError(t, err)
	assert.Equal(t, lib, got)

	_, err = resolveLibrary(filepath.Join(t.TempDir(), "missing.so"))
	require.Error(t, err)

	t.Setenv(libraryEnv, lib)
	got, err = resolveLibrary("")
	require.NoError(t, err)
	assert.Equal(t, lib, got)
}

type staticMetrics detections.PoolMetrics

func (m staticMetrics) GetMetrics() detections.PoolMetrics { return detections.PoolMetrics(m) }

func TestStatusRoutes(t *testing.T) {
	state := &statusState{
		Pool:     staticMetrics{Size: 2, InUse: 1, TotalAcquired: 7},
		Progress: batch.NewProgress("run-42"),
	}
	srv := httptest.NewServer(state.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var metrics detections.PoolMetrics
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&metrics))
	assert.Equal(t, 2, metrics.Size)
	assert.Equal(t, 1, metrics.InUse)
	assert.EqualValues(t, 7, metrics.TotalAcquired)

	resp2, err := http.Get(srv.URL + "/progress")
	require.NoError(t, err)
	defer resp2.Body.Close()

	var progress ProgressResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&progress))
	assert.Equal(t, ProgressResponse{RunID: "run-42"}, progress)

	resp3, err := http.Post(srv.URL+"/metrics", "application/json", nil)
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp3.StatusCode)
}

func TestStopStatusServerLogsShutdownError(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
	})}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)

	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err := http.Get("http://" + ln.Addr().String())
		if err == nil {
			resp.Body.Close()
		}
	}()
	<-started

	core, logs := observer.New(zapcore.WarnLevel)
	stopStatusServer(srv, 10*time.Millisecond, zap.New(core))

	close(release)
	<-done

	warnings := logs.FilterMessage("status server shutdown").All()
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].ContextMap()["error"], "deadline exceeded")
}

func TestStopStatusServerQuietOnCleanShutdown(t *testing.T) {
	srv := newStatusServer("127.0.0.1:0", &statusState{Progress: batch.NewProgress("")})

	core, logs := observer.New(zapcore.WarnLevel)
	stopStatusServer(srv, time.Second, zap.New(core))
	assert.Zero(t, logs.Len())
}
