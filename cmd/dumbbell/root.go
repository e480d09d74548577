package main

import (
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dumbbell",
	Short: "Measure bulk TCP throughput across a simulated bottleneck.",
	Long: `dumbbell builds a sender, a router and a receiver joined by two point-to-point ` +
		`links, runs one bulk flow through the router's drop-tail queue in virtual time, ` +
		`and reports the throughput delivered to the receiver.`,
	SilenceUsage: true,
}
