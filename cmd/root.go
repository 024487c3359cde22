package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/sentinel-dpa/telegram-sentinel/internal/config"
	"github.com/sentinel-dpa/telegram-sentinel/internal/logging"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "telegram-sentinel",
	Short: "Extract and enrich indicators of compromise from Telegram chats",
	Long: `Telegram Sentinel reads messages collected from monitored Telegram chats,
extracts IPv4 addresses and URLs, asks a reputation service (VirusTotal or
AlienVault OTX) for a verdict and writes one JSON detection per indicator
for a SIEM to pick up.

Features:
- File, Redis Streams, HTTP and MongoDB message sources
- Quota-aware reputation cache with call pacing
- Optional relevance gate (model server, Ollama, OpenRouter or keywords)
- NDJSON file, Redis Streams, NATS and SQLite detection sinks
- Wazuh active response banning the author of a malicious indicator`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.sentinel.yaml or ./.sentinel.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "Log format (console, json)")
	rootCmd.PersistentFlags().String("db", "./data/sentinel.db", "SQLite archive path")
	rootCmd.PersistentFlags().String("redis", "redis://localhost:6379", "Redis connection URL")
	rootCmd.PersistentFlags().String("api-key", "", "Reputation API key (VirusTotal or OTX)")
	rootCmd.PersistentFlags().String("provider", "virustotal", "Reputation provider (virustotal, otx)")

	// Bind flags to viper
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("store.path", rootCmd.PersistentFlags().Lookup("db"))
	viper.BindPFlag("redis.url", rootCmd.PersistentFlags().Lookup("redis"))
	viper.BindPFlag("reputation.api_key", rootCmd.PersistentFlags().Lookup("api-key"))
	viper.BindPFlag("reputation.provider", rootCmd.PersistentFlags().Lookup("provider"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if used := config.LoadDotEnv(); used != "" {
		fmt.Fprintln(os.Stderr, "Loaded environment from:", used)
	}

	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".sentinel")
	}

	config.SetDefaults(viper.GetViper())
	config.BindEnv(viper.GetViper())

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	} else if cfgFile != "" {
		cobra.CheckErr(fmt.Errorf("read config %s: %w", cfgFile, err))
	}
}

// loadRuntime decodes the configuration and builds the logger.
func loadRuntime() (*config.Config, *zap.SugaredLogger, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
