package main

import (
	"fmt"
	"os"

	"github.com/coreos/go-systemd/v22/daemon"
)

// sdNotify reports state to systemd when run as a Type=notify unit. Outside
// systemd NOTIFY_SOCKET is unset and this is a no-op.
func sdNotify(state string) bool {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		fmt.Fprintln(os.Stderr, "warning: sd_notify:", err)
	}
	return sent
}
