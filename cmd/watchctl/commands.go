package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashureev/watchdesk/internal/agent"
	"github.com/ashureev/watchdesk/internal/app"
	"github.com/ashureev/watchdesk/internal/identity"
	"github.com/ashureev/watchdesk/internal/scheduling"
	"github.com/ashureev/watchdesk/internal/session"
	"github.com/ashureev/watchdesk/internal/workflow/booking"
	"github.com/ashureev/watchdesk/internal/workflow/feedback"
	"github.com/ashureev/watchdesk/internal/workflow/verification"
)

func newThreadsCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{Use: "threads", Short: "Inspect agent threads"}

	cmd.AddCommand(&cobra.Command{
		Use:   "paused",
		Short: "List threads waiting for a salesperson",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := e.open(cmd.Context()); err != nil {
				return err
			}
			threads, err := e.repo.ListPausedThreads(cmd.Context(), e.tenant)
			if err != nil {
				return err
			}
			for _, t := range threads {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", t.CustomerID, t.ID, t.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "resume <customerId>",
		Short: "Let the agent answer a paused customer again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := e.open(cmd.Context()); err != nil {
				return err
			}
			t, err := agent.Resume(cmd.Context(), e.repo, e.tenant, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "thread %s is %s\n", t.ID, t.Status)
			return nil
		},
	})
	return cmd
}

// sessionOps reads and clears one workflow's sessions.
type sessionOps struct {
	get   func(ctx context.Context, key string) (any, error)
	clear func(ctx context.Context, key string) error
}

func workflowSessions(e *env, workflow string) (*sessionOps, error) {
	kv := e.repo.KV()
	pointers := session.NewPointers(kv)
	s := e.cfg.Sessions

	switch workflow {
	case booking.Namespace:
		st := booking.NewStore(kv, pointers, s.BookingTTL)
		return &sessionOps{
			get:   func(ctx context.Context, key string) (any, error) { return nilIfAbsent(st.Get(ctx, key)) },
			clear: st.Clear,
		}, nil
	case verification.Namespace:
		st := verification.NewStore(kv, pointers, s.VerificationTTL)
		return &sessionOps{
			get:   func(ctx context.Context, key string) (any, error) { return nilIfAbsent(st.Get(ctx, key)) },
			clear: st.Clear,
		}, nil
	case feedback.Namespace:
		st := feedback.NewStore(kv, pointers, s.FeedbackTTL)
		return &sessionOps{
			get:   func(ctx context.Context, key string) (any, error) { return nilIfAbsent(st.Get(ctx, key)) },
			clear: st.Clear,
		}, nil
	}
	return nil, fmt.Errorf("unknown workflow %q (want booking, verification or feedback)", workflow)
}

// nilIfAbsent keeps a typed nil session from printing as a value.
func nilIfAbsent[S any](sess *S, err error) (any, error) {
	if err != nil || sess == nil {
		return nil, err
	}
	return sess, nil
}

func newSessionsCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{Use: "sessions", Short: "Inspect workflow sessions"}

	run := func(show bool) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			if err := e.open(cmd.Context()); err != nil {
				return err
			}
			ops, err := workflowSessions(e, args[0])
			if err != nil {
				return err
			}
			key := identity.NormalizePhone(args[1])
			if !show {
				if err := ops.clear(cmd.Context(), key); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cleared %s session for %s\n", args[0], identity.MaskPhone(key))
				return nil
			}

			active, err := session.NewPointers(e.repo.KV()).Get(cmd.Context(), key)
			if err != nil {
				return err
			}
			sess, err := ops.get(cmd.Context(), key)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"active": active, "session": sess})
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show <workflow> <phone>",
			Short: "Print a customer's session",
			Args:  cobra.ExactArgs(2),
			RunE:  run(true),
		},
		&cobra.Command{
			Use:   "clear <workflow> <phone>",
			Short: "Delete a customer's session",
			Args:  cobra.ExactArgs(2),
			RunE:  run(false),
		},
	)
	return cmd
}

func newParkedCmd(e *env) *cobra.Command {
	var limit int
	cmd := &cobra.Command{Use: "parked", Short: "Inspect jobs that exhausted their retries"}
	cmd.PersistentFlags().IntVar(&limit, "limit", 50, "maximum jobs to read")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show parked jobs without removing them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := app.NewQueue(cmd.Context(), e.cfg, nil)
			if err != nil {
				return err
			}
			defer q.Close()

			parked, err := q.Parked(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, p := range parked {
				phone := "?"
				if j := p.Job(); j != nil {
					phone = identity.MaskPhone(j.Message.From)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tattempts=%d\t%s\n", p.ID, phone, p.Attempts, p.Reason)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d parked\n", len(parked))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "replay",
		Short: "Move parked jobs back to the main queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := app.NewQueue(cmd.Context(), e.cfg, nil)
			if err != nil {
				return err
			}
			defer q.Close()

			n, err := q.Replay(cmd.Context(), limit)
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d\n", n)
			return err
		},
	})
	return cmd
}

func newCPFCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{Use: "cpf", Short: "Reveal collected CPFs"}

	revealer := func() (*identity.Revealer, error) {
		if e.cfg.Identity.RevealKeyHex == "" {
			return nil, fmt.Errorf("REVEAL_SIGNING_KEY is not set")
		}
		return identity.NewRevealer(e.cfg.Identity.RevealKeyHex, e.cfg.Identity.RevealValidity)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "token <recordId>",
		Short: "Issue a short-lived reveal token for one record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := revealer()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), r.Issue(args[0]))
			return nil
		},
	})

	var token string
	reveal := &cobra.Command{
		Use:   "reveal <recordId>",
		Short: "Decrypt a record's CPF with a reveal token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := revealer()
			if err != nil {
				return err
			}
			if err := r.Verify(args[0], token); err != nil {
				return err
			}
			if err := e.open(cmd.Context()); err != nil {
				return err
			}
			rec, err := e.repo.GetVerification(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if rec == nil || rec.CPFEncrypted == "" {
				return fmt.Errorf("record %s has no CPF", args[0])
			}
			vault, err := identity.NewVault(e.cfg.Identity.CPFKeyHex)
			if err != nil {
				return err
			}
			cpf, err := vault.Open(rec.CPFEncrypted, rec.CustomerPhone)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), identity.FormatCPF(cpf))
			return nil
		},
	}
	reveal.Flags().StringVar(&token, "token", "", "reveal token from 'cpf token'")
	_ = reveal.MarkFlagRequired("token")
	cmd.AddCommand(reveal)
	return cmd
}

func newScheduleCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{Use: "schedule", Short: "Manage store schedules"}

	cmd.AddCommand(&cobra.Command{
		Use:   "seed <file>",
		Short: "Load tenant, staff, availability and catalog from YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := scheduling.LoadSeed(args[0])
			if err != nil {
				return err
			}
			if err := e.open(cmd.Context()); err != nil {
				return err
			}
			if err := seed.Apply(cmd.Context(), e.repo); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded tenant %s: %d salespeople, %d weekdays, %d products\n",
				seed.Tenant.ID, len(seed.Salespeople), len(seed.Availability), len(seed.Products))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "report",
		Short: "Send today's agenda to every active salesperson",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := e.open(cmd.Context()); err != nil {
				return err
			}
			n, err := scheduling.NewService(e.repo, app.NewSender(e.cfg)).SendDailyReports(cmd.Context(), e.tenant)
			fmt.Fprintf(cmd.OutOrStdout(), "sent %d reports\n", n)
			return err
		},
	})
	return cmd
}
