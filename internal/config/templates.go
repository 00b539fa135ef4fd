package config

import (
	"fmt"
	"os"
	"strings"
)

// Template returns an annotated config file for the given side.
func Template(side string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(side)) {
	case "external":
		return externalTemplate, nil
	case "solver":
		return solverTemplate, nil
	default:
		return "", fmt.Errorf("unknown config side: %s", side)
	}
}

func WriteTemplate(path, side string, overwrite bool) error {
	template, err := Template(side)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const externalTemplate = `# external code: sends loads, receives kinematics
side = "external"
role = "initiator"
network = "tcp"              # tcp | unix | fifo
address = "127.0.0.1:5500"

rigid = true
nodes = 2
labels = true
rotation = "matrix"          # none | vector | matrix | euler123
accels = false

verbose = false
handshake_timeout = "5s"
max_connect_attempts = 0     # 0 retries until interrupted
history_depth = 32
steps = 1000

[model]
stiffness = 1000.0
damping = 10.0
`

const solverTemplate = `# reference solver: receives loads, sends kinematics
side = "solver"
role = "listener"
network = "tcp"
address = "127.0.0.1:5500"

rigid = true
nodes = 2
labels = true
rotation = "matrix"
accels = false

verbose = false
handshake_timeout = "5s"
history_depth = 32
steps = 0                    # 0 follows the external side

[model]
time_step = 0.001
amplitude = 0.01
frequency = 1.0
`
