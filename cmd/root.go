package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/urcu/cmd/bench"
	"github.com/ValentinKolb/urcu/cmd/stress"
	"github.com/ValentinKolb/urcu/cmd/util"
	"github.com/ValentinKolb/urcu/lib/fence"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "urcu",
		Short: "userspace read-copy-update",
		Long: fmt.Sprintf(`urcu (v%s)

A userspace read-copy-update library written in Go. Readers enter
critical sections without locks, writers wait for grace periods
detected with membarrier(2) or defer the reclamation of old versions.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of urcu",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("urcu v%s (fence: %s)\n", Version, fence.Detect().Name())
		},
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(stress.StressCmd)
	RootCmd.AddCommand(bench.BenchCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	util.SetupDomainFlags(RootCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
