package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jmerrifield20/arenaguard/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	gatewayURL string
	cfgFile    string
	output     string
	insecure   bool
	timeout    time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "guardctl",
	Short: "arenaguard admin CLI",
	Long: `guardctl administers an arenaguard gateway.

It lists and resolves alerts, manages the block list, queries security
events and prints the dashboard. Authenticate once with 'guardctl token --save'
or set ARENAGUARD_TOKEN.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".arenaguard"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("arenaguard")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if gatewayURL == "" {
			gatewayURL = viper.GetString("gateway_url")
		}
		if gatewayURL == "" {
			gatewayURL = "http://localhost:8080"
		}
		switch output {
		case "text", "json", "yaml":
			return nil
		default:
			return fmt.Errorf("unknown output format %q (want text, json or yaml)", output)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.arenaguard/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&gatewayURL, "gateway", "", "arenaguard base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "text", "Output format: text, json or yaml")
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "Skip TLS certificate verification (development only)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")

	rootCmd.AddCommand(tokenCmd, alertsCmd, blocksCmd, eventsCmd, dashboardCmd, auditCmd, versionCmd)
}

// newClient builds an admin client carrying the configured token.
func newClient() (*client.Client, error) {
	var opts []client.Option
	if insecure {
		opts = append(opts, client.WithInsecureSkipVerify())
	}
	if tok := viper.GetString("token"); tok != "" {
		opts = append(opts, client.WithBearerToken(tok))
	}
	return client.New(gatewayURL, opts...)
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// render writes v as JSON or YAML, or calls text for the default format.
func render(w io.Writer, v any, text func(io.Writer) error) error {
	switch output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// Round-trip through JSON so the YAML keys match the API field names.
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(generic)
	default:
		return text(w)
	}
}

// ── token ────────────────────────────────────────────────────────────────────

var tokenSave bool

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Exchange the admin secret for an admin token",
	Long: `token exchanges the admin secret for a short-lived admin token.

The secret is read from ARENAGUARD_ADMIN_SECRET or the admin_secret config
key. With --save the token is written to the config file for later commands.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := viper.GetString("admin_secret")
		if secret == "" {
			return errors.New("admin secret not set (ARENAGUARD_ADMIN_SECRET or admin_secret in config)")
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		tok, err := c.Login(ctx, secret)
		if err != nil {
			return err
		}
		if tokenSave {
			if err := saveToken(tok); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "token saved to", viper.ConfigFileUsed())
			return nil
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().BoolVar(&tokenSave, "save", false, "Write the token to the config file")
}

func saveToken(tok string) error {
	viper.Set("token", tok)
	viper.Set("gateway_url", gatewayURL)
	if viper.ConfigFileUsed() != "" {
		return viper.WriteConfig()
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	dir := filepath.Join(home, ".arenaguard")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	path := filepath.Join(dir, "config.yaml")
	if err := viper.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	viper.SetConfigFile(path)
	return os.Chmod(path, 0o600)
}

// ── alerts ───────────────────────────────────────────────────────────────────

var alertsStatus string

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List and resolve security alerts",
}

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		list, err := c.Alerts(ctx, alertsStatus)
		if err != nil {
			return err
		}
		return render(os.Stdout, list, func(out io.Writer) error {
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSEVERITY\tTYPE\tORIGIN\tSTATUS\tCREATED")
			for _, a := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					a.ID, a.Severity, a.Type, a.OriginIP, a.Status, a.CreatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		})
	},
}

var alertsResolveCmd = &cobra.Command{
	Use:   "resolve <alert-id>",
	Short: "Mark an alert resolved",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		a, err := c.ResolveAlert(ctx, args[0])
		if err != nil {
			return err
		}
		return render(os.Stdout, a, func(out io.Writer) error {
			_, err := fmt.Fprintf(out, "Resolved %s (%s)\n", a.ID, a.Title)
			return err
		})
	},
}

func init() {
	alertsListCmd.Flags().StringVar(&alertsStatus, "status", "active", "Filter: active, resolved or all")
	alertsCmd.AddCommand(alertsListCmd, alertsResolveCmd)
}

// ── blocks ───────────────────────────────────────────────────────────────────

var (
	blockReason    string
	blockTTL       time.Duration
	blockPermanent bool
)

var blocksCmd = &cobra.Command{
	Use:   "blocks",
	Short: "Manage the origin block list",
}

var blocksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active blocks",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		blocks, err := c.ListBlocks(ctx)
		if err != nil {
			return err
		}
		return render(os.Stdout, blocks, func(out io.Writer) error {
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ORIGIN\tSOURCE\tBLOCKED\tEXPIRES\tREASON")
			for _, b := range blocks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					b.OriginIP, b.Source, b.BlockedAt.Local().Format(time.DateTime), expiry(b), b.Reason)
			}
			return w.Flush()
		})
	},
}

func expiry(b client.BlockEntry) string {
	if b.Permanent || b.ExpiresAt == nil {
		return "never"
	}
	return b.ExpiresAt.Local().Format(time.DateTime)
}

var blocksAddCmd = &cobra.Command{
	Use:   "add <ip>",
	Short: "Block an origin",
	Long: `add blocks an origin IP. Without --ttl the gateway's default block
lifetime applies; --permanent keeps the block until it is removed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if blockTTL < 0 {
			return errors.New("--ttl must not be negative")
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		e, err := c.Block(ctx, client.BlockRequest{
			IP:         args[0],
			Reason:     blockReason,
			TTLSeconds: int64(blockTTL / time.Second),
			Permanent:  blockPermanent,
		})
		if err != nil {
			return err
		}
		return render(os.Stdout, e, func(out io.Writer) error {
			_, err := fmt.Fprintf(out, "Blocked %s until %s\n", e.OriginIP, expiry(*e))
			return err
		})
	},
}

var blocksRemoveCmd = &cobra.Command{
	Use:     "remove <ip>",
	Aliases: []string{"rm"},
	Short:   "Lift the block on an origin",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		if err := c.Unblock(ctx, args[0]); err != nil {
			if errors.Is(err, client.ErrNotFound) {
				return fmt.Errorf("%s is not blocked", args[0])
			}
			return err
		}
		fmt.Printf("Unblocked %s\n", args[0])
		return nil
	},
}

func init() {
	blocksAddCmd.Flags().StringVar(&blockReason, "reason", "", "Reason recorded with the block")
	blocksAddCmd.Flags().DurationVar(&blockTTL, "ttl", 0, "Block lifetime (e.g. 2h); 0 uses the gateway default")
	blocksAddCmd.Flags().BoolVar(&blockPermanent, "permanent", false, "Block until removed")
	blocksCmd.AddCommand(blocksListCmd, blocksAddCmd, blocksRemoveCmd)
}

// ── events ───────────────────────────────────────────────────────────────────

var (
	eventsIP    string
	eventsType  string
	eventsSince time.Duration
	eventsLimit int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Query recorded security events",
	Long: `events queries the gateway's event log, oldest first.

  guardctl events --ip 203.0.113.5 --since 1h
  guardctl events --type brute_force_detected -o yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		q := client.EventQuery{IP: eventsIP, Type: eventsType, Limit: eventsLimit}
		if eventsSince > 0 {
			q.Since = time.Now().Add(-eventsSince)
		}
		events, err := c.Events(ctx, q)
		if err != nil {
			return err
		}
		return render(os.Stdout, events, func(out io.Writer) error {
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tSEVERITY\tTYPE\tORIGIN\tENDPOINT\tMESSAGE")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Local().Format(time.DateTime), e.Severity, e.Type, e.OriginIP,
					strings.TrimSpace(e.Method+" "+e.Endpoint), e.Message)
			}
			return w.Flush()
		})
	},
}

func init() {
	eventsCmd.Flags().StringVar(&eventsIP, "ip", "", "Only events from this origin")
	eventsCmd.Flags().StringVar(&eventsType, "type", "", "Only events of this type")
	eventsCmd.Flags().DurationVar(&eventsSince, "since", 0, "Only events newer than this (e.g. 24h)")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 100, "Maximum number of events (newest kept)")
}

// ── dashboard ────────────────────────────────────────────────────────────────

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Print the security overview",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		d, err := c.Dashboard(ctx)
		if err != nil {
			return err
		}
		return render(os.Stdout, d, func(out io.Writer) error {
			fmt.Fprintf(out, "Events (24h):      %d\n", d.Events24h)
			fmt.Fprintf(out, "Events (7d):       %d\n", d.Events7d)
			fmt.Fprintf(out, "High-risk origins: %d\n", d.HighRiskOrigins)
			fmt.Fprintf(out, "Active alerts:     %d\n", d.ActiveAlerts)
			fmt.Fprintf(out, "Active blocks:     %d\n", d.ActiveBlocks)
			if len(d.TopOrigins) == 0 {
				return nil
			}
			fmt.Fprintln(out, "\nTop origins (24h):")
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			for _, o := range d.TopOrigins {
				fmt.Fprintf(w, "  %s\t%d\n", o.OriginIP, o.Events)
			}
			return w.Flush()
		})
	},
}

// ── audit ────────────────────────────────────────────────────────────────────

var auditLimit int

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the admin audit trail and verify its hash chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		trail, err := c.Audit(ctx, auditLimit)
		if err != nil {
			return err
		}
		if err := render(os.Stdout, trail, func(out io.Writer) error {
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "#\tTIME\tACTION\tACTOR\tSUBJECT")
			for _, e := range trail.Entries {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
					e.Index, e.Timestamp.Local().Format(time.DateTime), e.Action, e.Actor, e.Subject)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "\nRoot: %s\n", trail.Root)
			return nil
		}); err != nil {
			return err
		}
		if !trail.Verified {
			return fmt.Errorf("audit chain verification failed: %s", trail.VerifyError)
		}
		return nil
	},
}

func init() {
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "Number of newest entries to show")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the guardctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("guardctl", version)
	},
}
