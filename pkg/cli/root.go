// Copyright (c) 2025, NVIDIA CORPORATION.  All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/canonical/concierge/pkg/config"
	"github.com/canonical/concierge/pkg/logging"
	"github.com/canonical/concierge/pkg/manager"
	"github.com/canonical/concierge/pkg/metrics"
	"github.com/canonical/concierge/pkg/system"
)

const (
	name           = "concierge"
	versionDefault = "dev"
)

var (
	// overridden during build with ldflags
	version = versionDefault
	commit  = "unknown"
	date    = "unknown"

	cfgFile  string
	logLevel string
	trace    bool

	preset              string
	agentVersion        string
	controllerChannel   string
	extraBootstrapArgs  string
	metricsAddr         string
	titleCaser          = cases.Title(language.English)
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   name,
	Short: "concierge - provision a local charm development environment",
	Long: fmt.Sprintf(`concierge - provision a local charm development environment

Version: %s
Commit:  %s
Built:   %s

Installs the apt/snap packages, backend providers, and cluster-orchestration
controller needed to develop and test charms on this machine.`, version, commit, date),
}

// Execute adds all child commands to the root command and sets flags
// appropriately. It is called once by main.main().
func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nreceived interrupt signal, shutting down gracefully...")
		cancel()
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initLogger)

	rootCmd.AddGroup(
		&cobra.Group{
			ID:    "functional",
			Title: "Functional Commands:",
		},
	)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", fmt.Sprintf("config file (default is %s if it exists, else the dev preset)", config.DefaultConfigPath))
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); falls back to LOG_LEVEL, then info")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9102) for the duration of the command")
	rootCmd.PersistentFlags().BoolVar(&trace, "trace", false, "emit every executed command and its output to stderr, regardless of success")

	prepareCmd.Flags().StringVar(&preset, "preset", "", fmt.Sprintf("built-in preset to apply (%s)", strings.Join(config.PresetNames(), ", ")))
	prepareCmd.Flags().StringVar(&agentVersion, "agent-version", "", "controller agent version override")
	prepareCmd.Flags().StringVar(&controllerChannel, "controller-channel", "", "snap channel for the cluster orchestrator")
	prepareCmd.Flags().StringVar(&extraBootstrapArgs, "extra-bootstrap-args", "", "extra arguments appended verbatim to every bootstrap invocation")

	rootCmd.AddCommand(prepareCmd, restoreCmd, statusCmd)
	for _, c := range []*cobra.Command{prepareCmd, restoreCmd, statusCmd} {
		c.GroupID = "functional"
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)

		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "error reading config file %s: %v\n", cfgFile, err)
			os.Exit(1)
		}
		return
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return
	}

	viper.AddConfigPath(home)
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	viper.SetConfigName(".concierge")

	viper.AutomaticEnv()
	viper.SetEnvPrefix("CONCIERGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	_ = viper.ReadInConfig()
}

// initLogger configures slog after Cobra parses flags/config so overrides
// like --log-level take effect before any command executes.
func initLogger() {
	logging.SetDefaultStructuredLoggerWithLevel(name, version, logLevel)
}

// startMetricsServer, when metricsAddr is set, serves the Prometheus scrape
// endpoint for the lifetime of the returned shutdown func's caller. It never
// blocks command execution; scrape failures are logged, not fatal.
func startMetricsServer(addr string) func() {
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Warn("metrics server stopped", "error", err.Error())
		}
	}()

	return func() { _ = srv.Close() }
}

// newManager wires up a manager.Manager backed by the real Runner.
func newManager() *manager.Manager {
	runner := system.NewRunner()
	runner.Trace = trace
	return &manager.Manager{Worker: runner}
}

func runID() string {
	return uuid.NewString()
}

var prepareCmd = &cobra.Command{
	Use:   "prepare",
	Short: "Provision packages, providers, and the controller on this machine",
	RunE: func(cmd *cobra.Command, args []string) error {
		id := runID()
		slog.Info("starting prepare", "run_id", id)

		stop := startMetricsServer(metricsAddr)
		defer stop()

		cfg, err := config.Load(preset, cfgFile)
		if err != nil {
			return err
		}
		cfg = applyBootstrapFlagOverrides(cfg)

		m := newManager()
		if err := m.Prepare(cmd.Context(), cfg); err != nil {
			return err
		}

		fmt.Println(titleCaser.String("prepare succeeded"))
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Tear down everything a previous prepare provisioned",
	RunE: func(cmd *cobra.Command, args []string) error {
		id := runID()
		slog.Info("starting restore", "run_id", id)

		m := newManager()
		if err := m.Restore(cmd.Context()); err != nil {
			return err
		}

		fmt.Println(titleCaser.String("restore succeeded"))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report the status of the last prepare on this machine",
	RunE: func(cmd *cobra.Command, args []string) error {
		m := newManager()
		status, err := m.Status(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Println(titleCaser.String(status))
		return nil
	},
}

// applyBootstrapFlagOverrides layers CLI-flag controller overrides on top of
// the loaded configuration without mutating cfg's preset/file-derived
// defaults for fields left unset on the command line.
func applyBootstrapFlagOverrides(cfg *config.Configuration) *config.Configuration {
	ctrl := cfg.Controller()
	if agentVersion != "" {
		ctrl.AgentVersion = agentVersion
	}
	if controllerChannel != "" {
		ctrl.Channel = controllerChannel
	}
	if extraBootstrapArgs != "" {
		ctrl.ExtraBootstrapArgs = extraBootstrapArgs
	}

	return config.New(
		config.WithController(ctrl),
		config.WithProviders(cfg.Providers()),
		config.WithHost(cfg.Host()),
	)
}
