package main

import (
	"fmt"

	"github.com/apex/log"
	"github.com/iti/dumbbell"
	"github.com/spf13/cobra"
)

var runOpts struct {
	config  string
	trace   bool
	pcap    bool
	prefix  string
	report  string
	samples string
	metrics string
	db      string
	cc      string
	queue   int
	stop    float64
	verbose bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one experiment and report its throughput",
	Long: `Run one experiment.  The description is read from --config when given and the ` +
		`reference experiment is used otherwise; the remaining flags override the description.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if runOpts.verbose {
			log.SetLevel(log.DebugLevel)
		}
		cfg, err := loadExpCfg(cmd)
		if err != nil {
			return err
		}
		rprt, err := dumbbell.RunExperiment(cfg, log.Log)
		if err != nil {
			log.WithError(err).Error("experiment failed")
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), rprt.String())
		return nil
	},
}

// loadExpCfg reads the experiment description and applies the flags the user set
func loadExpCfg(cmd *cobra.Command) (*dumbbell.ExpCfg, error) {
	cfg := dumbbell.DefaultExpCfg()
	if len(runOpts.config) > 0 {
		var err error
		cfg, err = dumbbell.ReadExpCfg(runOpts.config, dumbbell.UseYAML(runOpts.config), nil)
		if err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("trace") {
		cfg.Output.Trace = runOpts.trace
	}
	if flags.Changed("pcap") {
		cfg.Output.Pcap = runOpts.pcap
	}
	if flags.Changed("prefix") {
		cfg.Output.TracePrefix = runOpts.prefix
		cfg.Output.PcapPrefix = runOpts.prefix
	}
	if flags.Changed("report") {
		cfg.Output.Report = runOpts.report
	}
	if flags.Changed("samples") {
		cfg.Output.Samples = runOpts.samples
	}
	if flags.Changed("metrics") {
		cfg.Output.Metrics = runOpts.metrics
	}
	if flags.Changed("db") {
		cfg.Output.Database = runOpts.db
	}
	if flags.Changed("cc") {
		cfg.Transport.CongestionControl = runOpts.cc
	}
	if flags.Changed("queue") {
		cfg.QueueCapacity = runOpts.queue
	}
	if flags.Changed("stop") {
		cfg.Flow.Stop = runOpts.stop
	}
	return cfg, nil
}

func init() {
	flags := runCmd.Flags()
	flags.StringVar(&runOpts.config, "config", "", "experiment description, json or yaml")
	flags.BoolVar(&runOpts.trace, "trace", true, "write the ascii packet trace")
	flags.BoolVar(&runOpts.pcap, "pcap", true, "write one pcap file per interface")
	flags.StringVar(&runOpts.prefix, "prefix", "", "file name prefix of the trace and pcap files")
	flags.StringVar(&runOpts.report, "report", "", "write the report to this json or yaml file")
	flags.StringVar(&runOpts.samples, "samples", "", "write the throughput samples to this csv file")
	flags.StringVar(&runOpts.metrics, "metrics", "", "write the metrics in prometheus text format to this file")
	flags.StringVar(&runOpts.db, "db", "", "append the report to this sqlite database")
	flags.StringVar(&runOpts.cc, "cc", "newreno", "congestion control algorithm")
	flags.IntVar(&runOpts.queue, "queue", 100, "bottleneck queue capacity in packets")
	flags.Float64Var(&runOpts.stop, "stop", 5.0, "flow stop time in seconds")
	flags.BoolVarP(&runOpts.verbose, "verbose", "v", false, "log at debug level")
	rootCmd.AddCommand(runCmd)
}
