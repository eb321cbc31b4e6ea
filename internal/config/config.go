// Package config loads the broker and mount process configuration from
// environment variables, mirroring the GATE_* variables the original
// Python CLI read. The broker's state dir, host and port and the mount's
// root, mountpoint and broker URL can also be overridden by command-line
// flags; the other settings are read from the environment only.
package config

import (
	"github.com/ilyakaznacheev/cleanenv"
)

// BrokerConfig configures the `gate broker` command. Defaults mirror
// original_source/src/gate/config.py's BrokerConfig.
type BrokerConfig struct {
	StateDir string `env:"GATE_STATE_DIR" env-default:"/var/lib/gate"`
	Host     string `env:"GATE_BROKER_HOST" env-default:"127.0.0.1"`
	Port     int    `env:"GATE_BROKER_PORT" env-default:"8787"`
}

// MountConfig configures the `gate mount` command, mirroring spec.md §6's
// adapter configuration table. AcquireTimeoutMS/MaxHoldMS of 0 mean
// "unset" (wait indefinitely / unbounded), matching the Python config's
// Optional[int] fields.
type MountConfig struct {
	Root             string `env:"GATE_ROOT"`
	Mountpoint       string `env:"GATE_MOUNTPOINT"`
	BrokerURL        string `env:"GATE_BROKER_URL" env-default:"http://127.0.0.1:8787"`
	Owner            string `env:"GATE_OWNER"`
	LeaseMS          int64  `env:"GATE_LEASE_MS" env-default:"3600000"`
	AcquireTimeoutMS int64  `env:"GATE_ACQUIRE_TIMEOUT_MS" env-default:"0"`
	MaxHoldMS        int64  `env:"GATE_MAX_HOLD_MS" env-default:"0"`
	ReleaseOnFlush   bool   `env:"GATE_RELEASE_ON_FLUSH" env-default:"true"`
	AllowOther       bool   `env:"GATE_ALLOW_OTHER" env-default:"false"`
	Debug            bool   `env:"GATE_FUSE_DEBUG" env-default:"false"`
}

// LoadBrokerConfig reads environment variables into a BrokerConfig with
// the documented defaults already applied.
func LoadBrokerConfig() (BrokerConfig, error) {
	var cfg BrokerConfig
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return BrokerConfig{}, err
	}
	return cfg, nil
}

// LoadMountConfig reads environment variables into a MountConfig with the
// documented defaults already applied.
func LoadMountConfig() (MountConfig, error) {
	var cfg MountConfig
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return MountConfig{}, err
	}
	return cfg, nil
}
