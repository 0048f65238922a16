// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

// Command shelfsync keeps a local catalog store in step with a remote
// e-commerce API.
//
//	shelfsync sync product            # one incremental pass
//	shelfsync export variant          # push local edits
//	shelfsync serve                   # periodic sync + HTTP API
//	shelfsync cache stats|clear|sweep
//	shelfsync report <session-id>
//	shelfsync retry list|cleanup
//
// Configuration comes from built-in defaults, an optional YAML file
// (--config, CONFIG_PATH or ./shelfsync.yaml) and environment variables
// such as REMOTE_BASE_URL and REMOTE_TOKEN, in increasing precedence.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomtom215/shelfsync/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		logging.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
