// Command backendctl runs one-off diagnostics against the backend the gateway
// talks to: connectivity checks, raw RPC calls and gifter tier resolution.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"liveroom-gateway/internal/backend"
)

type connection struct {
	Driver      string
	PostgresDSN string
	SupabaseURL string
	ServiceKey  string
	Schema      string
	Timeout     time.Duration
}

type opener func(ctx context.Context, conn connection) (backend.Client, error)

func main() {
	_ = godotenv.Load()
	if err := newRootCommand(openBackend, os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "backendctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(open opener, out io.Writer) *cobra.Command {
	conn := connection{}
	root := &cobra.Command{
		Use:           "backendctl",
		Short:         "Inspect and exercise the liveroom backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.StringVar(&conn.Driver, "driver", os.Getenv("LIVEROOM_BACKEND_DRIVER"), "backend driver (postgres or rest)")
	flags.StringVar(&conn.PostgresDSN, "postgres-dsn", firstNonEmpty(os.Getenv("LIVEROOM_POSTGRES_DSN"), os.Getenv("DATABASE_URL")), "Postgres connection string")
	flags.StringVar(&conn.SupabaseURL, "supabase-url", os.Getenv("SUPABASE_URL"), "Supabase project URL")
	flags.StringVar(&conn.ServiceKey, "service-key", os.Getenv("SUPABASE_SERVICE_ROLE_KEY"), "Supabase service role key")
	flags.StringVar(&conn.Schema, "schema", "public", "database schema exposing the RPC functions")
	flags.DurationVar(&conn.Timeout, "timeout", 10*time.Second, "timeout for each backend call")

	withClient := func(run func(ctx context.Context, client backend.Client, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			client, err := open(ctx, conn)
			if err != nil {
				return err
			}
			defer client.Close(context.Background())
			return run(ctx, client, cmd, args)
		}
	}

	root.AddCommand(
		newPingCommand(withClient),
		newRPCCommand(withClient),
		newGifterStatusCommand(withClient),
		newBootstrapAdminCommand(withClient),
	)
	return root
}

type clientRunner func(run func(ctx context.Context, client backend.Client, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error

func openBackend(ctx context.Context, conn connection) (backend.Client, error) {
	driver := strings.ToLower(strings.TrimSpace(conn.Driver))
	if driver == "" {
		switch {
		case conn.PostgresDSN != "":
			driver = "postgres"
		case conn.SupabaseURL != "":
			driver = "rest"
		}
	}
	opts := []backend.Option{backend.WithSchema(conn.Schema), backend.WithCallTimeout(conn.Timeout)}
	switch driver {
	case "postgres":
		if conn.PostgresDSN == "" {
			return nil, fmt.Errorf("--postgres-dsn is required for the postgres driver")
		}
		opts = append(opts, backend.WithPostgresApplicationName("backendctl"))
		return backend.NewPostgres(ctx, conn.PostgresDSN, opts...)
	case "rest":
		opts = append(opts, backend.WithServiceKey(conn.ServiceKey))
		return backend.NewREST(conn.SupabaseURL, opts...)
	case "":
		return nil, fmt.Errorf("no backend configured: pass --postgres-dsn or --supabase-url")
	default:
		return nil, fmt.Errorf("unknown driver %q", driver)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
