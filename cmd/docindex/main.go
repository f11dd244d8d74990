// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command docindex maintains a content-addressed index of a documentation
// tree.
//
// Usage:
//
//	docindex scan                 # build or refresh .docindex/index.json
//	docindex stats
//	docindex verify --heal
//	docindex node Getting-Started.md
//	docindex proof guides/install.md
//	docindex serve --port 8088    # HTTP API, watcher and integrity monitor
//	docindex hook install         # git pre-commit and post-merge hooks
//	docindex config init          # write .docindex.yaml
//
// Configuration comes from .docindex.yaml (or --config), then environment
// variables (DOCINDEX_ROOT, DOCINDEX_LOG_LEVEL, DOCINDEX_PORT, OTEL_*), which
// may also be set in a .env file in the working directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			if exit.msg != "" {
				fmt.Fprintln(os.Stderr, exit.msg)
			}
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// exitError ends the process with code after printing msg, without the
// generic error prefix.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return fmt.Sprintf("exit status %d", e.code)
}
