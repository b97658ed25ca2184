package util

import (
	"strings"

	"github.com/ValentinKolb/urcu/lib/common"
	"github.com/ValentinKolb/urcu/lib/fence"
	"github.com/ValentinKolb/urcu/lib/rcu"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupDomainFlags adds the domain configuration flags to a command
func SetupDomainFlags(cmd *cobra.Command) {
	def := rcu.DefaultConfig()

	key := "fence"
	cmd.PersistentFlags().String(key, fence.NameAuto, WrapString("Memory fence issued once per grace period (auto, membarrier, atomic)"))

	key = "log-level"
	cmd.PersistentFlags().String(key, "info", WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))

	key = "spin-iterations"
	cmd.PersistentFlags().Int(key, def.SpinIterations, WrapString("How often a grace period yields while polling a busy thread before it starts sleeping"))

	key = "poll-interval"
	cmd.PersistentFlags().Duration(key, def.PollInterval, WrapString("First sleep of the polling backoff, doubles up to max-poll-interval"))

	key = "max-poll-interval"
	cmd.PersistentFlags().Duration(key, def.MaxPollInterval, WrapString("Upper bound of the polling backoff"))

	key = "stall-warn"
	cmd.PersistentFlags().Duration(key, def.StallWarnAfter, WrapString("Log a stall warning when a grace period waits this long for one thread (0 disables the warning)"))

	key = "drain-interval"
	cmd.PersistentFlags().Duration(key, def.DrainInterval, WrapString("Wake-up period of the reclamation worker"))

	key = "drain-batch"
	cmd.PersistentFlags().Int(key, def.DrainBatchSize, WrapString("Number of deferred requests that triggers reclamation before the next wake-up"))
}

// InitConfig initializes configuration from environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("urcu")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper and applies the log level
func BindCommandFlags(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	return common.InitLoggers(viper.GetString("log-level"))
}

// GetFence creates the configured fence
func GetFence() (fence.Fence, error) {
	return fence.ByName(viper.GetString("fence"))
}

// GetDomainConfig reads the domain configuration from viper
func GetDomainConfig(name string) (*rcu.Config, error) {
	f, err := GetFence()
	if err != nil {
		return nil, err
	}

	conf := rcu.DefaultConfig()
	conf.Name = name
	conf.Fence = f
	conf.SpinIterations = viper.GetInt("spin-iterations")
	conf.PollInterval = viper.GetDuration("poll-interval")
	conf.MaxPollInterval = viper.GetDuration("max-poll-interval")
	conf.StallWarnAfter = viper.GetDuration("stall-warn")
	conf.DrainInterval = viper.GetDuration("drain-interval")
	conf.DrainBatchSize = viper.GetInt("drain-batch")

	return conf, nil
}
