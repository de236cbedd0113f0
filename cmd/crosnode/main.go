// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command crosnode is a sample host process: it wires a config.Config, an
// empty in-memory schema.Registry, and a cros.Node together, then spins the
// event loop until an OS signal or the master asks it to shut down via the
// negotiation RPC's shutdown method (spec.md §4.8, SPEC_FULL.md §3).
package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/it-robotics/cros"
	"github.com/it-robotics/cros/internal/config"
	"github.com/it-robotics/cros/internal/logging"
	"github.com/it-robotics/cros/schema"
)

var (
	flagConfigFile string
	flagOverall    time.Duration
	flagAnonymous  bool
)

var rootCmd = &cobra.Command{
	Use:   "crosnode",
	Short: "run a cros node runtime host process",
	RunE:  runNode,
}

func init() {
	rootCmd.Flags().StringVar(&flagConfigFile, "config", "", "optional config file layered under CROS_ environment variables")
	rootCmd.Flags().DurationVar(&flagOverall, "overall-timeout", 0, "stop the loop after this long regardless of activity (0 = run forever)")
	rootCmd.Flags().BoolVar(&flagAnonymous, "anonymous", false, "append a random suffix to node_name")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runNode(cmd *cobra.Command, args []string) error {
	log := logging.NewCLI()
	defer log.Sync()

	v := config.New()
	if flagConfigFile != "" {
		v.SetConfigFile(flagConfigFile)
		if err := v.ReadInConfig(); err != nil {
			log.Error("reading config file", zap.String("path", flagConfigFile), zap.Error(err))
			return err
		}
	}
	if flagAnonymous {
		v.Set("anonymous", true)
	}
	cfg, err := config.Load(v)
	if err != nil {
		log.Error("loading config", zap.Error(err))
		return err
	}

	// The in-memory schema.Registry ships no type definitions of its own;
	// a real deployment embeds this binary's logic (or replaces main) to
	// Define its message types, or supplies a filesystem-backed
	// message.Loader of its own before registering any slot.
	loader := schema.NewRegistry()
	n, err := cros.NewNode(cfg, loader, log)
	if err != nil {
		log.Error("starting node", zap.Error(err))
		return err
	}
	defer n.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Info("shutting down on signal", zap.String("signal", s.String()))
		n.RequestExit()
	}()

	return n.Spin(flagOverall)
}
