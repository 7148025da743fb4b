package facade

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wireloom/llamaserve/backend"
	"github.com/wireloom/llamaserve/backend/fake"
	"github.com/wireloom/llamaserve/internal/config"
	"github.com/wireloom/llamaserve/mtmd"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Slots.NParallel = 1
	cfg.Slots.IdleSleepMS = 0
	cfg.Model.NCtx = 256

	return cfg
}

func TestLoadModelPopulatesMeta(t *testing.T) {
	cfg := testConfig()
	cfg.Model.Path = "/models/test.gguf"
	cfg.Model.Alias = "test-model"

	be := fake.New(cfg.Model.NCtx, backend.MemoryCapability{})

	f, err := LoadModel(cfg, be, nil, mtmd.Disabled{}, nil, prometheus.NewRegistry())
	require.NoError(t, err)

	meta := f.GetMeta()
	assert.Equal(t, "test-model", meta.Alias)
	assert.Equal(t, 256, meta.NCtx)
	assert.Equal(t, 1, meta.NParallel)
}

func TestStartLoopStopsOnTerminate(t *testing.T) {
	cfg := testConfig()
	be := fake.New(cfg.Model.NCtx, backend.MemoryCapability{})

	f, err := LoadModel(cfg, be, nil, mtmd.Disabled{}, nil, prometheus.NewRegistry())
	require.NoError(t, err)

	done := make(chan struct{})

	go func() {
		f.StartLoop(context.Background())
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)

	err = f.Terminate()
	assert.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("StartLoop did not return after Terminate")
	}
}

func TestGetResponseReaderUsesFacadeQueues(t *testing.T) {
	cfg := testConfig()
	be := fake.New(cfg.Model.NCtx, backend.MemoryCapability{})

	f, err := LoadModel(cfg, be, nil, mtmd.Disabled{}, nil, prometheus.NewRegistry())
	require.NoError(t, err)

	r := f.GetResponseReader()
	require.NotNil(t, r)

	ids := r.PostTasks(nil, nil, false)
	assert.Empty(t, ids)
}
