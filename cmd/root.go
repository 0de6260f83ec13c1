package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/quill/internal/app"
	"github.com/zjrosen/quill/internal/config"
	"github.com/zjrosen/quill/internal/log"
)

// localConfigPath is used when it exists and is where a default config is
// written when no config file is found.
const localConfigPath = ".quill/config.yaml"

var (
	version    = "dev"
	cfgFile    string
	debugFlag  bool
	logFile    string
	cfg        config.Config
	configPath string
	logCleanup func()

	// deps is handed to app.New. Tests replace the model and research
	// clients here.
	deps app.Deps
)

var rootCmd = &cobra.Command{
	Use:   "quill",
	Short: "Multi-agent article pipeline",
	Long: `quill researches, writes, edits, optimizes and publishes articles by passing
messages between stage agents under a supervising orchestrator.

Run 'quill init' to write a commented config file, then 'quill run --topic ...'.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
	PersistentPostRun: func(_ *cobra.Command, _ []string) {
		if logCleanup != nil {
			logCleanup()
			logCleanup = nil
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .quill/config.yaml, then ~/.config/quill/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false,
		"enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "",
		"write logs to this file (default with --debug: debug.log)")
}

// initConfig resolves the config file, loads it through viper with QUILL_*
// environment overrides, and starts logging.
func initConfig(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == "init" {
		// init writes the file the other commands read.
		return initLogging()
	}

	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(config.EnvKeyReplacer())
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .quill/config.yaml (current directory)
		// 2. ~/.config/quill/config.yaml (user config)
		if _, err := os.Stat(localConfigPath); err == nil {
			v.SetConfigFile(localConfigPath)
		} else {
			if dir := config.Dir(); dir != "" {
				v.AddConfigPath(dir)
			}
			v.SetConfigName("config")
			v.SetConfigType("yaml")
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("reading config: %w", err)
		}
		// No config file found anywhere. Seed one so later edits have a home.
		if writeErr := config.WriteDefaultConfig(localConfigPath); writeErr == nil {
			v.SetConfigFile(localConfigPath)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("reading config: %w", err)
			}
		}
		// If the write fails, continue on defaults with no config file.
	}

	loaded, err := config.Load(v)
	if err != nil {
		return err
	}
	cfg = loaded
	configPath = v.ConfigFileUsed()
	if configPath == "" {
		configPath = localConfigPath
	}
	if abs, err := filepath.Abs(configPath); err == nil {
		configPath = abs
	}

	return initLogging()
}

// initLogging enables the file logger when --debug, --log-file or log.file
// asks for it.
func initLogging() error {
	path := logFile
	if path == "" {
		path = cfg.Log.File
	}
	if path == "" && debugFlag {
		path = "debug.log"
	}
	if path == "" {
		return nil
	}

	cleanup, err := log.Init(path)
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	logCleanup = cleanup
	level := log.ParseLevel(cfg.Log.Level)
	if debugFlag {
		level = log.LevelDebug
	}
	log.SetMinLevel(level)
	log.Info(log.CatConfig, "quill starting", "version", version, "config", configPath, "level", level)
	return nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
