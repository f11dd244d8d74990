// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianDocIndex/services/docindex"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/api"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/events"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/telemetry"
)

// daemon enables the watcher and the integrity monitor.
func daemon(o *docindex.Options) {
	o.Watch = true
	o.Monitor = true
}

func (a *app) newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep the index current until interrupted",
		Long: `Initializes the index, then applies filesystem changes as they happen
and runs periodic integrity sweeps. Events are written to the log.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			idx, err := a.openIndex(ctx, daemon)
			if err != nil {
				return err
			}
			defer idx.Teardown()

			unsubscribe := idx.Subscribe(logEvent(a.logger.Slog()))
			defer unsubscribe()

			a.logger.Slog().Info("watching", "root", idx.Root())
			<-ctx.Done()
			a.logger.Slog().Info("stopping")
			return nil
		},
	}
}

// logEvent returns an events.Handler that logs every index event.
func logEvent(logger *slog.Logger) events.Handler {
	return func(ev events.Event) {
		level := slog.LevelInfo
		switch ev.Type {
		case events.TypeError, events.TypeIntegrityViolation, events.TypeTransactionRolledBack:
			level = slog.LevelWarn
		}
		logger.Log(context.Background(), level, "index event",
			"event_id", ev.ID,
			"type", ev.Type,
			"data", ev.Data)
	}
}

func (a *app) newServeCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API with the watcher and monitor running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := a.logger.Slog()
			if port == 0 {
				port = a.cfg.Server.Port
			}
			if a.cfg.Logging.Level != "debug" {
				gin.SetMode(gin.ReleaseMode)
			}

			tracing := a.cfg.Telemetry.Enabled
			if tracing {
				tcfg := telemetry.DefaultConfig()
				tcfg.ServiceVersion = api.ServiceVersion
				tcfg.TraceExporter = a.cfg.Telemetry.TraceExporter
				tcfg.MetricExporter = a.cfg.Telemetry.MetricExporter
				tcfg.OTLPEndpoint = a.cfg.Telemetry.OTLPEndpoint
				shutdown, err := telemetry.Init(ctx, tcfg)
				if err != nil {
					return fmt.Errorf("init telemetry: %w", err)
				}
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := shutdown(sctx); err != nil {
						logger.Warn("telemetry shutdown failed", "error", err)
					}
				}()
			}

			idx, err := a.openIndex(ctx, func(o *docindex.Options) {
				daemon(o)
				o.TracingEnabled = tracing
			})
			if err != nil {
				return err
			}
			defer idx.Teardown()

			router, err := api.NewRouter(idx, api.RouterOptions{
				ServiceName: "docindex",
				AccessLog:   a.cfg.Logging.Level == "debug",
			})
			if err != nil {
				return err
			}

			addr := fmt.Sprintf(":%d", port)
			logger.Info("serving", "addr", addr, "root", idx.Root())
			return api.Serve(ctx, addr, router)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (default from config)")
	return cmd
}
