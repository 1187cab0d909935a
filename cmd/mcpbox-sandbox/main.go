package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mcpbox/mcpbox/common/environment"
	"github.com/mcpbox/mcpbox/common/version"
	"github.com/mcpbox/mcpbox/internal/mgmt/logging"
	"github.com/mcpbox/mcpbox/internal/sandbox/rlimits"
	sandboxserver "github.com/mcpbox/mcpbox/internal/sandbox/server"
)

func main() {
	fmt.Printf("MCPbox Sandbox\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Println()

	logging.Setup(
		environment.StringOr("SANDBOX_LOG_LEVEL", "info"),
		environment.StringOr("SANDBOX_LOG_FORMAT", "text"),
	)

	cfg := sandboxserver.Config{
		Addr:    environment.StringOr("SANDBOX_LISTEN_ADDR", ":8787"),
		APIKey:  os.Getenv("SANDBOX_API_KEY"),
		Version: version.Version,
	}

	// Resource caps are applied before any tool code can run. A failure
	// leaves the server up but refusing executions, so the condition is
	// visible on /health instead of silently running uncapped.
	if err := rlimits.Apply(rlimits.Defaults()); err != nil {
		if environment.BoolOr("SANDBOX_REQUIRE_RLIMITS", true) {
			cfg.DegradedReason = fmt.Sprintf("resource limits not applied: %v", err)
		}
	}

	srv := sandboxserver.New(cfg, nil, nil, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start sandbox: %v\n", err)
		os.Exit(1)
	}
	<-ctx.Done()
	srv.Stop()
}
