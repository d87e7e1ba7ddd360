package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

var ErrExampleExists = errors.New("config: example already exists")

type exampleFile struct {
	Host         string   `toml:"host" comment:"hub host; leave host empty and port 0 to use the add-on proxy"`
	Port         int      `toml:"port"`
	TLS          bool     `toml:"tls"`
	Token        string   `toml:"token" comment:"long-lived access token"`
	SourceFolder string   `toml:"source_folder" comment:"app configuration and storage; empty means ~/.hubd"`
	AdminAddr    string   `toml:"admin_addr" comment:"admin HTTP listener (/healthz, /status, /metrics); empty disables it"`
	AdminToken   string   `toml:"admin_token" comment:"bearer token required on /status; empty leaves it open"`
	CORSOrigins  []string `toml:"cors_origins"`
	WatchApps    bool     `toml:"watch_apps" comment:"reload apps when their configuration changes"`
	HubTLS       fileTLS  `toml:"hub_tls"`
}

// Example renders a commented example configuration.
func Example() ([]byte, error) {
	def := DefaultHostConfig()
	out, err := toml.Marshal(exampleFile{
		Host:        def.Host,
		Port:        def.Port,
		AdminAddr:   "127.0.0.1:7010",
		CORSOrigins: []string{"http://localhost:3000"},
		WatchApps:   def.WatchApps,
	})
	if err != nil {
		return nil, fmt.Errorf("config: render example: %w", err)
	}
	return out, nil
}

// WriteExample writes the example configuration to path.
func WriteExample(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrExampleExists, path)
		}
	}
	data, err := Example()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
