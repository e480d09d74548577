package main

import (
	"fmt"

	"github.com/iti/dumbbell"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var defaultsCmd = &cobra.Command{
	Use:   "defaults [file]",
	Short: "Write the reference experiment description",
	Long: `Write the reference experiment description to file, as json or yaml by its ` +
		`extension, or as yaml to standard output when no file is named.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := dumbbell.DefaultExpCfg()
		if len(args) == 1 {
			return cfg.WriteToFile(args[0])
		}
		bytes, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), string(bytes))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(defaultsCmd)
}
