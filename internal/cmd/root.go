package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd is the base command when called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "slips-monitor",
	Short: "Follow Slips alert logs and print normalized incidents",
	Long: `slips-monitor follows the newline-delimited JSON alert log written by the
Slips intrusion detection system. Each new record is validated, filtered by
Status, has its CorrelID list deduplicated and its Note field decoded, and
is then printed to stdout.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgFile, "config", "c", "", "config file (default: $HOME/.slips-monitor.yaml)")
	flags.StringP("output", "o", "text", "output format: text, json")
	flags.Bool("pretty", false, "indent JSON output")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("mode", "tail", "read mode: tail, snapshot")
	flags.String("select", "second-to-last", "snapshot line selection: last, second-to-last")
	flags.Bool("from-start", false, "tail mode: process existing records before following")
	flags.Bool("no-filter", false, "emit records regardless of Status")
	flags.String("expected-status", "Incident", "Status value a record must carry")
	flags.Duration("poll-interval", defaultPollInterval, "interval between checks while waiting for the file")
	flags.Duration("max-wait", 0, "give up waiting for the file after this long (0 waits forever)")
	flags.String("checkpoint", "", "tail mode: file that persists the read offset across restarts")
	flags.Duration("checkpoint-interval", defaultCheckpointInterval, "how often the checkpoint is written while running")

	bind := map[string]string{
		"output.format":               "output",
		"output.pretty":               "pretty",
		"logging.level":               "log-level",
		"monitor.mode":                "mode",
		"monitor.select":              "select",
		"monitor.from_start":          "from-start",
		"monitor.no_filter":           "no-filter",
		"monitor.expected_status":     "expected-status",
		"monitor.poll_interval":       "poll-interval",
		"monitor.max_wait":            "max-wait",
		"monitor.checkpoint":          "checkpoint",
		"monitor.checkpoint_interval": "checkpoint-interval",
	}
	for key, flag := range bind {
		_ = viper.BindPFlag(key, flags.Lookup(flag))
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigName(".slips-monitor")
	}

	setDefaults(viper.GetViper())
	viper.SetEnvPrefix("SLIPS_MONITOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn().Err(err).Msg("Error reading config file")
		}
	}
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	})
}
