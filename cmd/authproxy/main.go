// Package main is the entrypoint for the prescription auth proxy.
// The proxy fronts the token exchange with the upstream identity provider
// and reconciles per-user session state for concurrent logins.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/careportal/prescription-auth/internal/config"
	"github.com/careportal/prescription-auth/internal/server"
)

func main() {
	ctx := context.Background()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	return server.Run(ctx, server.Params{
		Name:           "authproxy",
		PortFromConfig: func(cfg *config.Config) int { return cfg.Port },
		Setup:          setup,
	}, nil)
}
