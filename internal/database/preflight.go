package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"pulserelay/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// preflightPing opens a bare sql.DB against dsn via pgx's database/sql
// driver and pings it with a short timeout, so a misconfigured host or
// a database that's still coming up fails fast with a clear error
// before GORM opens its own pooled connection.
func preflightPing(dsn string, cfg *config.Config) error {
	timeout := time.Duration(cfg.DBPreflightTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("preflight: failed to open connection: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		return fmt.Errorf("preflight: database unreachable: %w", err)
	}
	return nil
}
