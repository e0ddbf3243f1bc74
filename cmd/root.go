// Package cmd implements commands for the indexer executable.
package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chillwhales/lsp-indexer/cmd/analyzer"
	"github.com/chillwhales/lsp-indexer/cmd/common"
	"github.com/chillwhales/lsp-indexer/config"
	"github.com/chillwhales/lsp-indexer/log"
)

var (
	// Path to the configuration file.
	configFile string

	rootCmd = &cobra.Command{
		Use:   "lsp-indexer",
		Short: "LUKSO standards indexer",
		Run:   rootMain,
	}
)

func rootMain(cmd *cobra.Command, args []string) {
	// Initialize config.
	cfg, err := config.InitConfig(configFile)
	if err != nil {
		log.NewDefaultLogger("init").Error("init failed",
			"error", err,
		)
		os.Exit(1)
	}

	// Initialize common environment.
	if err = common.Init(cfg); err != nil {
		log.NewDefaultLogger("init").Error("init failed",
			"error", err,
		)
		os.Exit(1)
	}
	logger := common.RootLogger()

	if cfg.Analysis == nil {
		logger.Error("nothing to run: no analysis config provided")
		os.Exit(1)
	}
	service, err := analyzer.Init(cfg.Analysis)
	if err != nil {
		logger.Error("failed to initialize analysis service", "err", err)
		os.Exit(1)
	}
	logger.Info("started all services")
	service.Start()
}

// Execute spawns the main entry point after handing the config file.
func Execute() {
	// Debug hook. If we receive SIGUSR1, dump all goroutines.
	go dumpGoroutinesOnSignal(syscall.SIGUSR1)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVar(&configFile, "config", "./config/local.yml", "path to the config.yml file")

	for _, f := range []func(*cobra.Command){
		analyzer.Register,
	} {
		f(rootCmd)
	}
}

// Starts listening for the specified signals, and logs a dump of all
// goroutines when the process receives one of those signals.
func dumpGoroutinesOnSignal(signals ...os.Signal) {
	logger := log.NewDefaultLogger("toplevel")
	c := make(chan os.Signal, 1)
	signal.Notify(c, signals...)
	logger.Info("listening for signals", "signals", signals)
	for range c {
		b := bytes.NewBufferString("")
		_ = pprof.Lookup("goroutine").WriteTo(b, 1)
		logger.Warn("USER-REQUESTED DUMP: all goroutines", "goroutines_all", b.String())

		b = bytes.NewBufferString("")
		_ = pprof.Lookup("block").WriteTo(b, 1)
		logger.Warn("USER-REQUESTED DUMP: stack traces that led to blocking on synchronization primitives", "goroutines_block", b.String())
	}
}
