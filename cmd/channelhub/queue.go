package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"channelhub/internal/domain"
	"channelhub/internal/queue"

	"github.com/spf13/cobra"
)

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and drive the dual-condition task queue",
		Long:  "Operates directly on the configured queue backend. Safe to use while the server runs.",
	}
	cmd.AddCommand(queueCreateCmd(), queueListCmd(), queueGetCmd(), queueCompleteCmd())
	return cmd
}

// withQueue opens the configured backends for the duration of fn.
func withQueue(fn func(ctx context.Context, svc *queue.Service) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(ctx, b.queueService(nil))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func queueCreateCmd() *cobra.Command {
	var prop, tax int
	var data string
	cmd := &cobra.Command{
		Use:   "create [id]",
		Short: "Create a record owing prop and/or tax",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := queue.CreateRequest{ID: args[0], Prop: &prop, Tax: &tax}
			if data != "" {
				req.Data = json.RawMessage(data)
			}
			return withQueue(func(ctx context.Context, svc *queue.Service) error {
				rec, err := svc.Create(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(rec)
			})
		},
	}
	cmd.Flags().IntVar(&prop, "prop", 1, "prop flag (0 or 1)")
	cmd.Flags().IntVar(&tax, "tax", 1, "tax flag (0 or 1)")
	cmd.Flags().StringVar(&data, "data", "", "JSON payload")
	return cmd
}

func queueListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list [prop|tax]",
		Short: "List records still owing a kind, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseTaskKind(args[0])
			if err != nil {
				return err
			}
			return withQueue(func(ctx context.Context, svc *queue.Service) error {
				recs, err := svc.GetActive(ctx, kind)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(recs)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tPROP\tTAX\tCREATED")
				for _, r := range recs {
					fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", r.ID, r.Prop, r.Tax, r.CreatedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func queueGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [id]",
		Short: "Show one record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(func(ctx context.Context, svc *queue.Service) error {
				rec, err := svc.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(rec)
			})
		},
	}
}

func queueCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete [id] [prop|tax]",
		Short: "Mark one half of a record complete",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseTaskKind(args[1])
			if err != nil {
				return err
			}
			return withQueue(func(ctx context.Context, svc *queue.Service) error {
				res, err := svc.MarkComplete(ctx, args[0], kind)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
}
