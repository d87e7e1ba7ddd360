// Package config resolves where hubd connects and where its apps live.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/hubd/internal/hub"
	"github.com/danmuck/hubd/internal/storage"
)

const (
	DefaultHost = "localhost"
	DefaultPort = 8123

	FileName        = "daemon_config.toml"
	ExampleFileName = "daemon_config_example.toml"
	appsDirName     = "apps"
	defaultHomeDir  = ".hubd"
)

var (
	ErrNoConfig      = errors.New("config: no configuration found")
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// HostConfig is the resolved host configuration.
type HostConfig struct {
	Host  string
	Port  int
	TLS   bool
	Token string
	// SourceFolder holds app configuration and the .storage folder.
	SourceFolder string

	HubTLS      hub.TLSConfig
	AdminAddr   string
	AdminToken  string
	CORSOrigins []string
	WatchApps   bool
}

func DefaultHostConfig() HostConfig {
	return HostConfig{
		Host:      DefaultHost,
		Port:      DefaultPort,
		WatchApps: true,
	}
}

// Target is the hub endpoint for this configuration.
func (c HostConfig) Target() hub.Target {
	return hub.Target{Host: c.Host, Port: c.Port, TLS: c.TLS, Token: c.Token}
}

func (c HostConfig) AppsDir() string {
	return filepath.Join(c.SourceFolder, appsDirName)
}

func (c HostConfig) StoragePath() string {
	return storage.DefaultPath(c.SourceFolder)
}

func (c HostConfig) Validate() error {
	if strings.TrimSpace(c.Token) == "" {
		return fmt.Errorf("%w: token is required", ErrInvalidConfig)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	return nil
}

type fileConfig struct {
	Host         string   `toml:"host"`
	Port         int      `toml:"port"`
	TLS          bool     `toml:"tls"`
	Token        string   `toml:"token"`
	SourceFolder string   `toml:"source_folder"`
	AdminAddr    string   `toml:"admin_addr"`
	AdminToken   string   `toml:"admin_token"`
	CORSOrigins  []string `toml:"cors_origins"`
	WatchApps    bool     `toml:"watch_apps"`
	HubTLS       fileTLS  `toml:"hub_tls"`
}

type fileTLS struct {
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// LoadFile overlays the keys defined in the TOML file at path onto the
// defaults.
func LoadFile(path string) (HostConfig, error) {
	cfg := DefaultHostConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return HostConfig{}, fmt.Errorf("load host config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return HostConfig{}, fmt.Errorf("%w: unknown key %q in %s", ErrInvalidConfig, undecoded[0].String(), path)
	}

	if meta.IsDefined("host") {
		cfg.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("tls") {
		cfg.TLS = raw.TLS
	}
	if meta.IsDefined("token") {
		cfg.Token = strings.TrimSpace(raw.Token)
	}
	if meta.IsDefined("source_folder") {
		cfg.SourceFolder = expandHome(strings.TrimSpace(raw.SourceFolder))
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeList(raw.CORSOrigins)
	}
	if meta.IsDefined("watch_apps") {
		cfg.WatchApps = raw.WatchApps
	}
	if meta.IsDefined("hub_tls", "ca_file") {
		cfg.HubTLS.CAFile = expandHome(strings.TrimSpace(raw.HubTLS.CAFile))
	}
	if meta.IsDefined("hub_tls", "server_name") {
		cfg.HubTLS.ServerName = strings.TrimSpace(raw.HubTLS.ServerName)
	}
	if meta.IsDefined("hub_tls", "insecure_skip_verify") {
		cfg.HubTLS.InsecureSkipVerify = raw.HubTLS.InsecureSkipVerify
	}

	if err := cfg.Validate(); err != nil {
		return HostConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// EnsureAppDirectory defaults an empty source folder to ~/.hubd and creates
// its apps directory.
func EnsureAppDirectory(cfg *HostConfig, home string) error {
	if strings.TrimSpace(cfg.SourceFolder) == "" {
		if home == "" {
			var err error
			home, err = os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("config: resolve home: %w", err)
			}
		}
		cfg.SourceFolder = filepath.Join(home, defaultHomeDir)
	}
	if err := os.MkdirAll(cfg.AppsDir(), 0o755); err != nil {
		return fmt.Errorf("config: create app directory: %w", err)
	}
	return nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
