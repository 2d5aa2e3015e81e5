package main

import (
	"context"
	"encoding/base64"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/upb/provider-router/config"
	"github.com/upb/provider-router/models"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	return &config.Config{
		Environment: "test",
		Server: config.ServerConfig{
			Host:            "127.0.0.1",
			Port:            port,
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    5 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Vault: config.VaultConfig{
			MasterKey: base64.StdEncoding.EncodeToString(make([]byte, 32)),
			Backend:   config.BackendMemory,
		},
		Routing: config.RoutingConfig{
			MaxAttemptTimeout: time.Second,
			RequestDeadline:   2 * time.Second,
			RankingWindow:     10,
			DefaultChains:     map[models.TaskType][]string{models.TaskChat: {"stub"}},
		},
		Budget:        config.BudgetConfig{Backend: config.BackendMemory, DefaultPeriod: models.PeriodMonthly},
		Providers:     config.ProvidersConfig{Enabled: []string{"stub"}},
		Audit:         config.AuditConfig{BufferSize: 8, WorkerCount: 1},
		Observability: config.ObservabilityConfig{LogLevel: "error"},
	}
}

func TestNewServer(t *testing.T) {
	cfg := testConfig(t)
	srv := newServer(cfg, http.NotFoundHandler())

	assert.Equal(t, cfg.Server.Host+":"+strconv.Itoa(cfg.Server.Port), srv.Addr)
	assert.Equal(t, 5*time.Second, srv.WriteTimeout)
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, zaptest.NewLogger(t)) }()

	url := "http://" + cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port) + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}
