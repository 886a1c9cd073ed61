// Copyright 2024 The Ship Proxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command offshore runs the offshore-side proxy: it accepts the
// ship's single link and performs the real origin fetches on its
// behalf.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"

	"github.com/shipproxy/shipproxy/adminserver"
	"github.com/shipproxy/shipproxy/internal/shipconfig"
	"github.com/shipproxy/shipproxy/internal/shiplog"
	"github.com/shipproxy/shipproxy/internal/shipservice"
	"github.com/shipproxy/shipproxy/internal/shipversion"
)

const (
	exitCodeSuccess       = 0
	exitCodeFailedStartup = 1
)

func main() {
	root := &cobra.Command{
		Use:   "offshore",
		Short: "Offshore egress node that fetches real origins on behalf of a ship",
	}
	root.AddCommand(newRunCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(exitCodeFailedStartup)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the offshore binary's version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), shipversion.Get())
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the offshore proxy until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOffshore(cmd)
		},
	}
	shipconfig.BindOffshoreFlags(cmd.Flags())
	return cmd
}

func runOffshore(cmd *cobra.Command) error {
	fs := cmd.Flags()
	cfg := &shipconfig.Offshore{}
	cfg.BindHost, _ = fs.GetString("host")
	cfg.BindPort, _ = fs.GetInt("port")
	cfg.LogLevel, _ = fs.GetString("log-level")
	cfg.AdminAddr, _ = fs.GetString("admin-addr")
	cfg.InsecureSkipVerify, _ = fs.GetBool("insecure-skip-verify")
	if err := cfg.Resolve(fs); err != nil {
		fmt.Fprintf(os.Stderr, "[FATAL] %v\n", err)
		os.Exit(exitCodeFailedStartup)
	}

	logger, err := shiplog.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[FATAL] %v\n", err)
		os.Exit(exitCodeFailedStartup)
	}
	defer logger.Sync() //nolint:errcheck

	undo, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Infof))
	defer undo()
	if err != nil {
		logger.Warn("failed to set GOMAXPROCS", zap.Error(err))
	}

	_, _ = memlimit.SetGoMemLimitWithOpts(
		memlimit.WithLogger(slog.New(zapslog.NewHandler(logger.Core()))),
		memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
	)

	reg := prometheus.NewRegistry()
	svc := shipservice.NewOffshore(cfg, reg, logger)
	admin := adminserver.New(cfg.AdminAddr, reg, svc.Healthy, logger.Named("admin"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		// A disabled admin server returns nil at once; hold its slot
		// until shutdown so that is not taken as the process exiting.
		err := admin.Start(ctx)
		if err == nil {
			<-ctx.Done()
		}
		errCh <- err
	}()
	go func() { errCh <- svc.Run(ctx) }()

	failed := false
	select {
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			logger.Error("offshore exited unexpectedly", zap.Error(err))
			failed = true
		}
		stop()
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	if err := <-errCh; err != nil && ctx.Err() == nil {
		failed = true
	}

	if failed {
		os.Exit(exitCodeFailedStartup)
	}
	os.Exit(exitCodeSuccess)
}
