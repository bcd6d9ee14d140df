package main

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/config"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

// The metrics server exits only through Shutdown, so run must shut it
// down before waiting on the other goroutines or SIGTERM hangs forever.
func TestRunStopsOnSignal(t *testing.T) {
	dir := t.TempDir()
	port := freePort(t)

	cfgDir := filepath.Join(dir, "config")
	layer := fmt.Sprintf(`{
  "bridge": {"mock": true, "media_dir": %q},
  "database": {"path": %q},
  "logging": {"dir": %q, "level": "error"},
  "metrics": {"enabled": true, "port": %d}
}`, filepath.Join(dir, "media"), filepath.Join(dir, "drasbot.db"), filepath.Join(dir, "logs"), port)
	require.NoError(t, os.MkdirAll(filepath.Join(cfgDir, "custom"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "custom", "system.json"), []byte(layer), 0o644))

	svc := config.NewService(cfgDir, nil)
	require.NoError(t, svc.Load())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	done := make(chan error, 1)
	go func() { done <- run(svc, logger) }()

	// Wait until the metrics listener accepts connections so the
	// signal lands while the server is serving.
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 100*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 10*time.Second, 50*time.Millisecond)

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("run did not stop after SIGTERM")
	}
}
