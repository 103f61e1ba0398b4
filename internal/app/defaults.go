package app

import (
	"fmt"
	"os"
	"path/filepath"

	"melissi-go/internal/config"
)

// Environment variables that override the defaults.
const (
	EnvConfigPath = "MELISSI_CONFIG_PATH"
	EnvHome       = "MELISSI_HOME"
	EnvDashboard  = "MELISSI_DASHBOARD"
)

// Defaults are the paths and addresses used when nothing is configured.
//   - ConfigPath: $MELISSI_CONFIG_PATH, else ~/.config/melissi.toml
//   - BaseDir: $MELISSI_HOME, else ~/.local/share/melissi
//   - LogDir: BaseDir/log
//   - DashboardListen: $MELISSI_DASHBOARD, else config.DefaultDashboardListen
type Defaults struct {
	ConfigPath      string
	BaseDir         string
	LogDir          string
	DashboardListen string
}

func LoadDefaults() (*Defaults, error) {
	home := ""
	if os.Getenv(EnvConfigPath) == "" || os.Getenv(EnvHome) == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot determine home directory: %w", err)
		}
		home = h
	}

	d := &Defaults{
		ConfigPath:      envOr(EnvConfigPath, filepath.Join(home, ".config", "melissi.toml")),
		BaseDir:         envOr(EnvHome, filepath.Join(home, ".local", "share", "melissi")),
		DashboardListen: envOr(EnvDashboard, config.DefaultDashboardListen),
	}
	d.LogDir = filepath.Join(d.BaseDir, "log")
	return d, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewConfig returns the config `config init` writes: everything rooted at
// BaseDir, logging to LogDir and the dashboard on DashboardListen.
func (d *Defaults) NewConfig() *config.Config {
	cfg := config.NewConfig(d.BaseDir)
	cfg.LogDir = d.LogDir
	cfg.Dashboard.Listen = d.DashboardListen
	return cfg
}

// DashboardAddr is where the daemon listens and the CLI connects:
// $MELISSI_DASHBOARD, else the configured address, else the default.
func DashboardAddr(cfg *config.Config) string {
	if v := os.Getenv(EnvDashboard); v != "" {
		return v
	}
	if cfg.Dashboard.Listen != "" {
		return cfg.Dashboard.Listen
	}
	return config.DefaultDashboardListen
}
