package main

import (
	"strings"
	"time"

	"github.com/danmuck/hubd/internal/supervisor"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagConfig        = "config"
	flagConfigDir     = "config-dir"
	flagEnvFile       = "env-file"
	flagLogLevel      = "log-level"
	flagAdminAddr     = "admin-addr"
	flagProbeInterval = "probe-interval"
	flagMaxProbes     = "max-probes"
	flagCooldown      = "cooldown"
	flagStopTimeout   = "stop-timeout"

	defaultStopTimeout = time.Second
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:   "hubd",
		Short: "Keeps a session with the automation hub alive and runs apps against it",
		Long: `hubd connects to the automation hub's websocket API, retries with a
fixed cooldown while the hub is unavailable, and loads the apps configured
under its source folder once per connected session.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), v)
		},
	}

	flags := root.PersistentFlags()
	flags.StringP(flagConfig, "c", "", "host config file (default <config-dir>/daemon_config.toml)")
	flags.String(flagConfigDir, "", "directory searched for the config file and given the example (default: executable dir)")
	flags.String(flagEnvFile, ".env", "env file read for variables missing from the environment")
	flags.String(flagLogLevel, "", "log level: trace, debug, info, warn, error, disabled")
	flags.String(flagAdminAddr, "", "admin HTTP listen address; overrides admin_addr from the config file")
	flags.Duration(flagProbeInterval, supervisor.DefaultProbeInterval, "delay between connection probes")
	flags.Int(flagMaxProbes, supervisor.DefaultMaxProbes, "connection probes before an attempt is abandoned")
	flags.Duration(flagCooldown, supervisor.DefaultCooldown, "wait before retrying after a failed or ended session")
	flags.Duration(flagStopTimeout, defaultStopTimeout, "how long shutdown waits for the supervisor")
	_ = v.BindPFlags(flags)

	v.SetEnvPrefix("HUBD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root.AddCommand(newRunCmd(v), newExampleConfigCmd())
	return root
}

func newRunCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the supervisor until interrupted (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), v)
		},
	}
}
