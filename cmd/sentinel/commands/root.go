package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/sentinel/pkg/config"
	"github.com/openfroyo/sentinel/pkg/engine"
	"github.com/openfroyo/sentinel/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	envFile    string
	dataDir    string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sentinel",
		Short: "Sentinel - fault recovery and security telemetry",
		Long: `Sentinel classifies faults reported by editor collaborators, keeps a
bounded and redacted audit trail of them, and escalates repeated critical
faults to recovery and security faults to incident containment.

Storage:
  - SQLite primary audit store with a Badger fallback
  - Badger incident ring (security_incidents)`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(envFile)
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (.yaml or .cue)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override storage.data_dir")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newReportCommand())
	rootCmd.AddCommand(newStatsCommand())
	rootCmd.AddCommand(newExportCommand())
	rootCmd.AddCommand(newSearchCommand())
	rootCmd.AddCommand(newIncidentsCommand())
	rootCmd.AddCommand(newValidateCommand())

	return rootCmd
}

// loadEnvFile loads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	log.Debug().Str("path", path).Msg("Loaded environment file")
	return nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.Storage.DataDir = dataDir
		cfg.Storage.InMemory = false
	}
	return cfg, nil
}

// openEngine loads the configuration and starts an engine with its own
// telemetry. The returned close func shuts both down.
func openEngine(ctx context.Context) (*engine.Engine, *telemetry.Telemetry, func() error, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	e, err := engine.New(ctx, cfg, engine.Options{Telemetry: tel})
	if err != nil {
		_ = tel.Shutdown(context.WithoutCancel(ctx))
		return nil, nil, nil, err
	}

	closeFn := func() error {
		shutdownCtx := context.WithoutCancel(ctx)
		return errors.Join(e.Close(shutdownCtx), tel.Shutdown(shutdownCtx))
	}
	return e, tel, closeFn, nil
}

// printResult writes v as indented JSON when --json is set and calls text
// otherwise.
func printResult(w io.Writer, v interface{}, text func(w io.Writer)) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
