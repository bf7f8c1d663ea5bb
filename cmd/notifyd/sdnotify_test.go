package main

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSdNotifyWithoutSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	assert.False(t, sdNotify(daemon.SdNotifyReady))
}

func TestSdNotifySendsState(t *testing.T) {
	// Unix socket paths are short; keep it out of the long test temp dir.
	dir, err := os.MkdirTemp("", "sd")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	path := filepath.Join(dir, "notify.sock")

	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	require.NoError(t, err)
	defer conn.Close()
	t.Setenv("NOTIFY_SOCKET", path)

	require.True(t, sdNotify(daemon.SdNotifyReady))
	require.True(t, sdNotify(daemon.SdNotifyStopping))

	buf := make([]byte, 64)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, daemon.SdNotifyReady, string(buf[:n]))
	n, err = conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, daemon.SdNotifyStopping, string(buf[:n]))
}
