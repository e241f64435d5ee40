// ABOUTME: Read-only operator commands: health, servers, audit, matrix-id
// ABOUTME: servers and audit open the store directly and never print credentials

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/condor/internal/app"
	"github.com/2389/condor/internal/config"
	"github.com/2389/condor/internal/matrix"
	"github.com/2389/condor/internal/store"
)

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the status API of a running bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			url, err := healthURL(cfg.HTTP)
			if err != nil {
				return err
			}
			return checkHealth(cmd.Context(), url, cmd.OutOrStdout())
		},
	}
}

func healthURL(cfg config.HTTPConfig) (string, error) {
	switch {
	case cfg.Addr != "":
		return "http://" + cfg.Addr + "/health/ready", nil
	case cfg.Tailscale.Enabled:
		return "http://" + cfg.Tailscale.Hostname + "/health/ready", nil
	default:
		return "", fmt.Errorf("the status API is disabled: set http.addr or http.tailscale.enabled")
	}
}

func checkHealth(ctx context.Context, url string, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	fmt.Fprintf(out, "%s\n", strings.TrimSpace(string(body)))
	return nil
}

// openStore opens the configured store with logging discarded.
func openStore(ctx context.Context) (*store.Store, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.OpenStore(ctx, cfg.Storage, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type serverRow struct {
	ID        string `json:"id"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Transport string `json:"transport"`
	Enabled   bool   `json:"enabled"`
	Default   bool   `json:"default"`
	Owner     string `json:"owner,omitempty"`
}

func newServersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "List registered servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			return printServers(cmd.OutOrStdout(), st.ListServers(), jsonOutput(cmd))
		},
	}
}

func printServers(out io.Writer, servers []store.ServerEntry, asJSON bool) error {
	rows := make([]serverRow, 0, len(servers))
	for _, e := range servers {
		r := serverRow{
			ID:        e.ID,
			Host:      e.Host,
			Port:      e.Port,
			Transport: string(e.Transport),
			Enabled:   e.Enabled,
			Default:   e.IsDefault,
		}
		if e.Owner != 0 {
			r.Owner = e.Owner.String()
		}
		rows = append(rows, r)
	}
	if asJSON {
		return printJSON(out, rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, "No servers registered.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tADDRESS\tTRANSPORT\tENABLED\tDEFAULT")
	for _, r := range rows {
		def := ""
		if r.Default {
			def = "*"
		}
		fmt.Fprintf(w, "%s\t%s:%d\t%s\t%t\t%s\n", r.ID, r.Host, r.Port, r.Transport, r.Enabled, def)
	}
	return w.Flush()
}

func newAuditCmd() *cobra.Command {
	var (
		limit  int
		action string
		actor  string
		target string
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent audit log entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := store.AuditFilter{Action: store.AuditAction(action), TargetID: target}
			if actor != "" {
				id, err := store.ParseUserID(actor)
				if err != nil {
					return err
				}
				f.Actor = id
			}

			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			return printAudit(cmd.OutOrStdout(), st.RecentAudit(f, limit), jsonOutput(cmd))
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries")
	cmd.Flags().StringVar(&action, "action", "", "only entries with this action")
	cmd.Flags().StringVar(&actor, "actor", "", "only entries by this user id")
	cmd.Flags().StringVar(&target, "target", "", "only entries for this target id")
	return cmd
}

type auditRow struct {
	Seq        uint64            `json:"seq"`
	Timestamp  time.Time         `json:"timestamp"`
	Actor      store.UserID      `json:"actor_id"`
	Action     string            `json:"action"`
	TargetType string            `json:"target_type"`
	TargetID   string            `json:"target_id"`
	Outcome    string            `json:"outcome"`
	Details    map[string]string `json:"details,omitempty"`
}

func printAudit(out io.Writer, entries []store.AuditEntry, asJSON bool) error {
	if asJSON {
		rows := make([]auditRow, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, auditRow{
				Seq:        e.Seq,
				Timestamp:  e.Timestamp,
				Actor:      e.Actor,
				Action:     string(e.Action),
				TargetType: e.TargetType,
				TargetID:   e.TargetID,
				Outcome:    string(e.Outcome),
				Details:    e.Details,
			})
		}
		return printJSON(out, rows)
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No audit entries.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tACTOR\tACTION\tTARGET\tOUTCOME")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s/%s\t%s\n",
			e.Seq, e.Timestamp.Format(time.RFC3339), e.Actor, e.Action, e.TargetType, e.TargetID, e.Outcome)
	}
	return w.Flush()
}

func newMatrixIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "matrix-id <@user:server>",
		Short: "Print the numeric user id condor assigns to a Matrix user",
		Long: "Print the numeric user id condor assigns to a Matrix user.\n" +
			"Use it for bot.admin_id to make that Matrix account the bootstrap admin.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !strings.HasPrefix(args[0], "@") || !strings.Contains(args[0], ":") {
				return fmt.Errorf("expected a Matrix user id like @alice:example.org, got %q", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), matrix.UserIDFor(args[0]))
			return nil
		},
	}
}
