// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry bootstraps the OpenTelemetry SDK for the docindex daemon.
//
// The index packages use the otel API directly (otel.Tracer, otel.Meter).
// Until Init runs those calls resolve to no-op providers, so libraries and
// tests never need telemetry configured.
//
// # Exporters
//
// Traces go to stdout, an OTLP gRPC receiver, or nowhere. Metrics go to the
// Prometheus default registry (scraped at /metrics alongside the promauto
// collectors of the integrity and ingest packages), to stdout, or nowhere.
//
// # Usage
//
//	shutdown, err := telemetry.Init(ctx, telemetry.DefaultConfig())
//	if err != nil {
//	    return fmt.Errorf("init telemetry: %w", err)
//	}
//	defer shutdown(context.Background())
//
// # Thread Safety
//
// Init installs global providers and should be called once at startup.
// Everything else is safe for concurrent use.
package telemetry
