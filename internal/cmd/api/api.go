// Package api wires configuration and startup for the API service command.
package api

import (
	"context"
	"flag"
	"fmt"

	platformcmd "github.com/lumascan/lumascan/internal/platform/cmd"
	"github.com/lumascan/lumascan/internal/server"
)

// Config holds the API command configuration.
type Config struct {
	server.Config
}

// ParseConfig loads environment defaults and applies flag overrides.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := platformcmd.ParseConfig(&cfg.Config); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP listen port")
	fs.StringVar(&cfg.IdentityDBPath, "identity-db", cfg.IdentityDBPath, "identity sqlite path")
	fs.StringVar(&cfg.GrantsDBPath, "grants-db", cfg.GrantsDBPath, "grants sqlite path")
	fs.StringVar(&cfg.RecordsDBPath, "records-db", cfg.RecordsDBPath, "records sqlite path")
	fs.IntVar(&cfg.ReviewLimit, "review-limit", cfg.ReviewLimit, "records fetched per subject in the review view")
	if err := platformcmd.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the API server with telemetry configured.
func Run(ctx context.Context, cfg Config) error {
	return platformcmd.RunWithTelemetry(ctx, platformcmd.ServiceAPI, func(ctx context.Context) error {
		if err := server.Run(ctx, cfg.Config); err != nil {
			return fmt.Errorf("serve api: %w", err)
		}
		return nil
	})
}
