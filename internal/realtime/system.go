package realtime

import (
	"os"
	"os/user"

	"github.com/TeamTaoist/fterm/internal/protocol"
)

// SystemInfo describes the machine the shells run on.
func SystemInfo() protocol.SystemInfoPayload {
	var info protocol.SystemInfoPayload
	if u, err := user.Current(); err == nil {
		info.Username = u.Username
	} else {
		info.Username = os.Getenv("USER")
	}
	if host, err := os.Hostname(); err == nil {
		info.Hostname = host
	}
	if home, err := os.UserHomeDir(); err == nil {
		info.HomeDir = home
	}
	if cwd, err := os.Getwd(); err == nil {
		info.Cwd = cwd
	}
	return info
}
