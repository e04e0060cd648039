// watchctl is the operator CLI for watchdesk.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/watchdesk/internal/app"
	"github.com/ashureev/watchdesk/internal/config"
	"github.com/ashureev/watchdesk/internal/store"
)

// env is the state shared by every subcommand.
type env struct {
	cfg    *config.Config
	repo   *store.SQLiteStore
	tenant string
}

func (e *env) open(ctx context.Context) error {
	if e.repo != nil {
		return nil
	}
	repo, err := app.OpenStore(ctx, e.cfg)
	if err != nil {
		return err
	}
	e.repo = repo
	return nil
}

func (e *env) close() {
	if e.repo != nil {
		if err := e.repo.Close(); err != nil {
			slog.Error("Failed to close repository", "error", err)
		}
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCmd(e *env) *cobra.Command {
	root := &cobra.Command{
		Use:           "watchctl",
		Short:         "Operate a watchdesk deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if e.cfg != nil {
				return nil
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			e.cfg = cfg
			if e.tenant == "" {
				e.tenant = cfg.DefaultTenantID
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&e.tenant, "tenant", "", "tenant ID (defaults to DEFAULT_TENANT_ID)")

	root.AddCommand(
		newThreadsCmd(e),
		newSessionsCmd(e),
		newParkedCmd(e),
		newCPFCmd(e),
		newScheduleCmd(e),
	)
	return root
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	_ = godotenv.Load()

	e := &env{}
	defer e.close()

	if err := newRootCmd(e).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		e.close()
		os.Exit(1)
	}
}
