package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/hubd/internal/testutil/testlog"
)

func envMap(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func resolver(t *testing.T, dir string, vars map[string]string) Resolver {
	t.Helper()
	return Resolver{
		LookupEnv: envMap(vars),
		ExeDir:    dir,
		EnvFile:   filepath.Join(dir, "missing.env"),
		Logger:    testlog.Logger(t),
	}
}

func TestLoadFileDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	path := writeConfig(t, dir, `
host = " hub.lan "
token = "abc"
tls = true
admin_addr = "127.0.0.1:7010"
admin_token = " t0k "
cors_origins = ["http://dash.lan", " "]
watch_apps = false

[hub_tls]
ca_file = "/etc/hubd/ca.pem"
server_name = "hub.internal"
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Host != "hub.lan" {
		t.Fatalf("unexpected host: %q", cfg.Host)
	}
	if cfg.Port != DefaultPort {
		t.Fatalf("port should keep its default, got %d", cfg.Port)
	}
	if !cfg.TLS || cfg.Token != "abc" {
		t.Fatalf("unexpected tls/token: %v %q", cfg.TLS, cfg.Token)
	}
	if cfg.AdminAddr != "127.0.0.1:7010" || cfg.AdminToken != "t0k" {
		t.Fatalf("unexpected admin settings: %q %q", cfg.AdminAddr, cfg.AdminToken)
	}
	if cfg.WatchApps {
		t.Fatalf("expected watch_apps disabled")
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "http://dash.lan" {
		t.Fatalf("unexpected cors origins: %+v", cfg.CORSOrigins)
	}
	if cfg.HubTLS.CAFile != "/etc/hubd/ca.pem" || cfg.HubTLS.ServerName != "hub.internal" {
		t.Fatalf("unexpected hub tls: %+v", cfg.HubTLS)
	}
	if cfg.HubTLS.InsecureSkipVerify {
		t.Fatalf("insecure_skip_verify should default to false")
	}
	if got := cfg.Target().URL(); got != "wss://hub.lan:8123/api/websocket" {
		t.Fatalf("unexpected target url: %q", got)
	}
}

func TestLoadFileRequiresToken(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, t.TempDir(), `host = "hub.lan"`)
	if _, err := LoadFile(path); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, t.TempDir(), "token = \"x\"\nhots = \"typo\"\n")
	if _, err := LoadFile(path); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for unknown key, got %v", err)
	}
}

func TestLoadFileBadSyntax(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, t.TempDir(), "token = \n")
	if _, err := LoadFile(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestResolveAddonTokenWins(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	writeConfig(t, dir, `token = "file"`)
	cfg, src, err := resolver(t, dir, map[string]string{
		EnvAddonToken: "addon-token",
		EnvToken:      "env-token",
		EnvAppFolder:  "/share/hubd",
	}).Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if src != SourceAddon {
		t.Fatalf("expected addon source, got %s", src)
	}
	if cfg.Token != "addon-token" || cfg.SourceFolder != "/share/hubd" {
		t.Fatalf("unexpected addon config: %+v", cfg)
	}
	if got := cfg.Target().URL(); got != "ws://supervisor/core/websocket" {
		t.Fatalf("unexpected addon url: %q", got)
	}
}

func TestResolveAddonRejectsEmptyToken(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	_, src, err := resolver(t, dir, map[string]string{
		EnvAddonToken: "  ",
		EnvToken:      "env-token",
	}).Resolve()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for an empty add-on token, got %v", err)
	}
	if src != SourceAddon {
		t.Fatalf("expected addon source, got %s", src)
	}
}

func TestResolveFileBeforeEnv(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	writeConfig(t, dir, `token = "file-token"`)
	cfg, src, err := resolver(t, dir, map[string]string{EnvToken: "env-token"}).Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if src != SourceFile || cfg.Token != "file-token" {
		t.Fatalf("expected file config, got %s %+v", src, cfg)
	}
}

func TestResolveExplicitConfigPath(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	other := t.TempDir()
	path := writeConfig(t, other, `token = "elsewhere"`)
	r := resolver(t, dir, nil)
	r.ConfigPath = path
	cfg, src, err := r.Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if src != SourceFile || cfg.Token != "elsewhere" {
		t.Fatalf("expected explicit file, got %s %+v", src, cfg)
	}
}

func TestResolveEnv(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	cfg, src, err := resolver(t, dir, map[string]string{
		EnvToken: "env-token",
		EnvHost:  "10.0.0.5",
		EnvPort:  "9123",
		EnvTLS:   "true",
	}).Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if src != SourceEnv {
		t.Fatalf("expected env source, got %s", src)
	}
	if cfg.Host != "10.0.0.5" || cfg.Port != 9123 || !cfg.TLS {
		t.Fatalf("unexpected env config: %+v", cfg)
	}
	if want := filepath.Join(dir, "daemonapp"); cfg.SourceFolder != want {
		t.Fatalf("unexpected source folder: %q want %q", cfg.SourceFolder, want)
	}
}

func TestResolveEnvIgnoresBadPort(t *testing.T) {
	testlog.Start(t)
	cfg, _, err := resolver(t, t.TempDir(), map[string]string{
		EnvToken: "env-token",
		EnvPort:  "not-a-port",
	}).Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Port != DefaultPort || cfg.Host != DefaultHost {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestResolveReadsEnvFileWithoutOverriding(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("HASS_TOKEN=from-file\nHASS_HOST=file-host\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	r := resolver(t, dir, map[string]string{EnvHost: "real-host"})
	r.EnvFile = envFile
	cfg, src, err := r.Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if src != SourceEnv || cfg.Token != "from-file" {
		t.Fatalf("expected token from env file, got %s %+v", src, cfg)
	}
	if cfg.Host != "real-host" {
		t.Fatalf("real environment must win over env file, got %q", cfg.Host)
	}
}

func TestResolveNoConfigWritesExample(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	_, src, err := resolver(t, dir, nil).Resolve()
	if !errors.Is(err, ErrNoConfig) {
		t.Fatalf("expected ErrNoConfig, got %v", err)
	}
	if src != SourceNone {
		t.Fatalf("expected no source, got %s", src)
	}
	examplePath := filepath.Join(dir, ExampleFileName)
	before, err := os.ReadFile(examplePath)
	if err != nil {
		t.Fatalf("example not written: %v", err)
	}

	if err := os.WriteFile(examplePath, []byte("# edited\n"), 0o600); err != nil {
		t.Fatalf("edit example: %v", err)
	}
	if _, _, err := resolver(t, dir, nil).Resolve(); !errors.Is(err, ErrNoConfig) {
		t.Fatalf("expected ErrNoConfig again, got %v", err)
	}
	after, err := os.ReadFile(examplePath)
	if err != nil {
		t.Fatalf("read example: %v", err)
	}
	if string(after) != "# edited\n" || len(before) == 0 {
		t.Fatalf("existing example must not be overwritten")
	}
}

func TestExampleDecodes(t *testing.T) {
	testlog.Start(t)
	data, err := Example()
	if err != nil {
		t.Fatalf("render example: %v", err)
	}
	var raw fileConfig
	meta, err := toml.Decode(string(data), &raw)
	if err != nil {
		t.Fatalf("decode example: %v\n%s", err, data)
	}
	if raw.Host != DefaultHost || raw.Port != DefaultPort || !raw.WatchApps {
		t.Fatalf("unexpected example values: %+v", raw)
	}
	if !meta.IsDefined("token") || !meta.IsDefined("admin_token") || !meta.IsDefined("hub_tls", "ca_file") {
		t.Fatalf("example should list every key:\n%s", data)
	}
}

func TestEnsureAppDirectory(t *testing.T) {
	testlog.Start(t)
	home := t.TempDir()
	cfg := HostConfig{}
	if err := EnsureAppDirectory(&cfg, home); err != nil {
		t.Fatalf("ensure app directory: %v", err)
	}
	if want := filepath.Join(home, ".hubd"); cfg.SourceFolder != want {
		t.Fatalf("unexpected default source folder: %q", cfg.SourceFolder)
	}
	if info, err := os.Stat(cfg.AppsDir()); err != nil || !info.IsDir() {
		t.Fatalf("apps dir missing: %v", err)
	}
	if want := filepath.Join(home, ".hubd", ".storage", "state.db"); cfg.StoragePath() != want {
		t.Fatalf("unexpected storage path: %q", cfg.StoragePath())
	}

	custom := HostConfig{SourceFolder: filepath.Join(home, "custom")}
	if err := EnsureAppDirectory(&custom, ""); err != nil {
		t.Fatalf("ensure custom: %v", err)
	}
	if _, err := os.Stat(filepath.Join(home, "custom", "apps")); err != nil {
		t.Fatalf("custom apps dir missing: %v", err)
	}
}
