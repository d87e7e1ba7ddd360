package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/danmuck/hubd/internal/hub"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

const (
	EnvAddonToken = "HASSIO_TOKEN"
	EnvToken      = "HASS_TOKEN"
	EnvHost       = "HASS_HOST"
	EnvPort       = "HASS_PORT"
	EnvTLS        = "HASS_TLS"
	EnvAppFolder  = "HASS_DAEMONAPPFOLDER"

	defaultEnvFile   = ".env"
	defaultAppFolder = "daemonapp"
)

// Source names where a configuration came from.
type Source int

const (
	SourceNone Source = iota
	SourceAddon
	SourceFile
	SourceEnv
)

func (s Source) String() string {
	switch s {
	case SourceAddon:
		return "addon"
	case SourceFile:
		return "file"
	case SourceEnv:
		return "env"
	default:
		return "none"
	}
}

// Resolver finds the host configuration: add-on token, then the config
// file, then HASS_* variables. With none of them it writes an example file
// and returns ErrNoConfig.
type Resolver struct {
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
	// ExeDir defaults to the directory of the running executable.
	ExeDir string
	// ConfigPath overrides <ExeDir>/daemon_config.toml.
	ConfigPath string
	// EnvFile is read for variables missing from the environment; it
	// defaults to .env and may be absent.
	EnvFile string
	Logger  zerolog.Logger
}

func (r Resolver) Resolve() (HostConfig, Source, error) {
	exeDir, err := r.exeDir()
	if err != nil {
		return HostConfig{}, SourceNone, err
	}
	lookup, err := r.lookup()
	if err != nil {
		return HostConfig{}, SourceNone, err
	}

	if token, ok := lookup(EnvAddonToken); ok {
		cfg := DefaultHostConfig()
		cfg.Host = hub.SupervisorHost
		cfg.Port = 0
		cfg.Token = strings.TrimSpace(token)
		cfg.SourceFolder, _ = lookup(EnvAppFolder)
		if err := cfg.Validate(); err != nil {
			return HostConfig{}, SourceAddon, fmt.Errorf("%s: %w", EnvAddonToken, err)
		}
		r.Logger.Info().Str("source", SourceAddon.String()).Msg("configuration resolved")
		return cfg, SourceAddon, nil
	}

	path := r.configPath(exeDir)
	if _, err := os.Stat(path); err == nil {
		cfg, err := LoadFile(path)
		if err != nil {
			return HostConfig{}, SourceFile, err
		}
		r.Logger.Info().Str("source", SourceFile.String()).Str("path", path).Msg("configuration resolved")
		return cfg, SourceFile, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return HostConfig{}, SourceFile, fmt.Errorf("config: stat %s: %w", path, err)
	}

	if token, ok := lookup(EnvToken); ok {
		cfg := DefaultHostConfig()
		cfg.Token = strings.TrimSpace(token)
		if host, ok := lookup(EnvHost); ok && strings.TrimSpace(host) != "" {
			cfg.Host = strings.TrimSpace(host)
		}
		if raw, ok := lookup(EnvPort); ok {
			if port, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 16); err == nil {
				cfg.Port = int(port)
			} else {
				r.Logger.Warn().Str("value", raw).Msg("ignoring invalid " + EnvPort)
			}
		}
		if raw, ok := lookup(EnvTLS); ok {
			if v, err := strconv.ParseBool(strings.TrimSpace(raw)); err == nil {
				cfg.TLS = v
			}
		}
		if folder, ok := lookup(EnvAppFolder); ok && strings.TrimSpace(folder) != "" {
			cfg.SourceFolder = strings.TrimSpace(folder)
		} else {
			cfg.SourceFolder = filepath.Join(exeDir, defaultAppFolder)
		}
		if err := cfg.Validate(); err != nil {
			return HostConfig{}, SourceEnv, err
		}
		r.Logger.Info().Str("source", SourceEnv.String()).Msg("configuration resolved")
		return cfg, SourceEnv, nil
	}

	examplePath := filepath.Join(exeDir, ExampleFileName)
	if err := WriteExample(examplePath, false); err != nil && !errors.Is(err, ErrExampleExists) {
		return HostConfig{}, SourceNone, errors.Join(ErrNoConfig, err)
	}
	return HostConfig{}, SourceNone, fmt.Errorf("%w: example written to %s", ErrNoConfig, examplePath)
}

func (r Resolver) exeDir() (string, error) {
	if r.ExeDir != "" {
		return r.ExeDir, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("config: locate executable: %w", err)
	}
	return filepath.Dir(exe), nil
}

func (r Resolver) configPath(exeDir string) string {
	if r.ConfigPath != "" {
		return r.ConfigPath
	}
	return filepath.Join(exeDir, FileName)
}

// lookup layers the env file under the real environment.
func (r Resolver) lookup() (func(string) (string, bool), error) {
	base := r.LookupEnv
	if base == nil {
		base = os.LookupEnv
	}
	envFile := r.EnvFile
	if envFile == "" {
		envFile = defaultEnvFile
	}
	fileVars, err := godotenv.Read(envFile)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: read %s: %w", envFile, err)
		}
		fileVars = nil
	}
	return func(key string) (string, bool) {
		if v, ok := base(key); ok {
			return v, true
		}
		v, ok := fileVars[key]
		return v, ok
	}, nil
}
