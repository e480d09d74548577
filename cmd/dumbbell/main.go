// Command dumbbell runs a bulk-transfer experiment across a simulated
// sender, router and receiver and reports the throughput the receiver saw.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/tebeka/atexit"
)

func main() {
	log.SetHandler(cli.Default)
	log.SetLevel(log.InfoLevel)

	// an interrupted run still flushes its trace, pcap and results files
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-interrupt
		log.Warnf("received %s, closing output files", sig)
		atexit.Exit(130)
	}()

	if err := rootCmd.Execute(); err != nil {
		atexit.Exit(1)
	}
	atexit.Exit(0)
}
