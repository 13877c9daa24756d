package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/sofatutor/deckguard/internal/admin"
	"github.com/sofatutor/deckguard/internal/config"
	"github.com/sofatutor/deckguard/internal/database"
	"github.com/sofatutor/deckguard/internal/encryption"
	"github.com/sofatutor/deckguard/internal/eventbus"
	"github.com/sofatutor/deckguard/internal/monitor"
)

// For testing
var (
	stdinIsTerminal = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }
	readPassword    = func() ([]byte, error) { return term.ReadPassword(int(os.Stdin.Fd())) }
)

type securityOptions struct {
	apiURL string
	token  string
	json   bool
}

func newSecurityCmd() *cobra.Command {
	opts := &securityOptions{}
	cmd := &cobra.Command{
		Use:   "security",
		Short: "Inspect and manage the security gateway",
		Long:  `Operator commands backed by the operator API: statistics, alerts, the event log and the IP block list.`,
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.apiURL, "api-url", "", "Operator API base URL (default $ADMIN_API_URL or http://localhost:8081)")
	pf.StringVar(&opts.token, "management-token", "", "Management token (default $MANAGEMENT_TOKEN, prompted on a terminal)")
	pf.BoolVar(&opts.json, "json", false, "Print JSON instead of tables")

	cmd.AddCommand(
		newSecurityStatsCmd(opts),
		newSecurityAlertsCmd(opts),
		newSecurityEventsCmd(opts),
		newSecurityBlocksCmd(opts),
		newSecurityBlockCmd(opts),
		newSecurityUnblockCmd(opts),
		newSecurityWatchCmd(opts),
	)
	return cmd
}

// client resolves the API URL and management token. It runs after the .env
// file is loaded.
func (o *securityOptions) client(cmd *cobra.Command) (*admin.Client, error) {
	baseURL := firstNonEmpty(o.apiURL, config.EnvOrDefault("ADMIN_API_URL", config.DefaultConfig().AdminAPIURL))
	token := firstNonEmpty(o.token, os.Getenv("MANAGEMENT_TOKEN"))
	if token == "" {
		if !stdinIsTerminal() {
			return nil, errors.New("management token required: set MANAGEMENT_TOKEN or pass --management-token")
		}
		fmt.Fprint(cmd.ErrOrStderr(), "Management token: ")
		b, err := readPassword()
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return nil, fmt.Errorf("failed to read management token: %w", err)
		}
		token = strings.TrimSpace(string(b))
		if token == "" {
			return nil, errors.New("management token required")
		}
	}
	if encryption.IsHashed(token) {
		return nil, errors.New("MANAGEMENT_TOKEN holds a hash; pass the plaintext token with --management-token")
	}
	return admin.NewClient(strings.TrimRight(baseURL, "/"), token), nil
}

func (o *securityOptions) printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSecurityStatsCmd(opts *securityOptions) *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show event statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client(cmd)
			if err != nil {
				return err
			}
			stats, err := c.Stats(cmd.Context(), window)
			if err != nil {
				return err
			}
			if opts.json {
				return opts.printJSON(cmd.OutOrStdout(), stats)
			}
			printStats(cmd.OutOrStdout(), stats)
			return nil
		},
	}
	cmd.Flags().DurationVar(&window, "window", time.Hour, "Statistics window")
	return cmd
}

func printStats(out io.Writer, s *monitor.Statistics) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Window:\t%s\n", s.Window)
	fmt.Fprintf(w, "Total events:\t%d\n", s.TotalEvents)
	fmt.Fprintf(w, "Alerts:\t%d\n", s.Alerts)
	fmt.Fprintf(w, "Blocked IPs:\t%d\n", s.BlockedIPs)

	if len(s.ByType) > 0 {
		fmt.Fprintln(w, "\nBy type:")
		types := make([]string, 0, len(s.ByType))
		for t := range s.ByType {
			types = append(types, string(t))
		}
		sort.Strings(types)
		for _, t := range types {
			fmt.Fprintf(w, "  %s\t%d\n", t, s.ByType[monitor.EventType(t)])
		}
	}
	printCounted(w, "Top IPs:", s.TopIPs)
	printCounted(w, "Top users:", s.TopUsers)
	_ = w.Flush()
}

func printCounted(w io.Writer, title string, counts []monitor.Counted) {
	if len(counts) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s\n", title)
	for _, c := range counts {
		fmt.Fprintf(w, "  %s\t%d\n", c.Key, c.Count)
	}
}

func newSecurityAlertsCmd(opts *securityOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List recent alerts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client(cmd)
			if err != nil {
				return err
			}
			alerts, err := c.Alerts(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if opts.json {
				return opts.printJSON(cmd.OutOrStdout(), alerts)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CREATED\tTYPE\tSEVERITY\tCOUNT\tESCALATED\tIPS\tUSERS")
			for _, a := range alerts {
				printAlertRow(w, a)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of alerts")
	return cmd
}

func printAlertRow(w io.Writer, a monitor.Alert) {
	fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%t\t%s\t%s\n",
		a.CreatedAt.Format(time.RFC3339), a.Type, a.Severity, a.Count, a.Escalated,
		dashIfEmpty(strings.Join(a.IPs, ",")), dashIfEmpty(strings.Join(a.UserIDs, ",")))
}

func newSecurityEventsCmd(opts *securityOptions) *cobra.Command {
	var (
		f     database.EventFilter
		typ   string
		since time.Duration
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query the durable security event log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if typ != "" {
				f.Type = monitor.EventType(typ)
				if !f.Type.Valid() {
					return fmt.Errorf("unknown event type %q", typ)
				}
			}
			if since > 0 {
				f.Since = time.Now().Add(-since)
			}
			c, err := opts.client(cmd)
			if err != nil {
				return err
			}
			events, err := c.Events(cmd.Context(), f)
			if err != nil {
				return err
			}
			if opts.json {
				return opts.printJSON(cmd.OutOrStdout(), events)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tTYPE\tSEVERITY\tIP\tUSER\tMETHOD\tPATH\tREQUEST_ID")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Format(time.RFC3339), e.Type, e.Severity,
					dashIfEmpty(e.IP), dashIfEmpty(e.UserID), dashIfEmpty(e.Method),
					dashIfEmpty(e.Path), dashIfEmpty(e.RequestID))
			}
			return w.Flush()
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&typ, "type", "", "Event type")
	fl.StringVar(&f.IP, "ip", "", "Client IP")
	fl.StringVar(&f.UserID, "user", "", "User id")
	fl.StringVar(&f.RequestID, "request-id", "", "Request id")
	fl.DurationVar(&since, "since", 0, "Only events newer than this duration")
	fl.IntVar(&f.Limit, "limit", 50, "Maximum number of events")
	return cmd
}

func newSecurityBlocksCmd(opts *securityOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "blocks",
		Short: "List blocked IPs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client(cmd)
			if err != nil {
				return err
			}
			blocks, err := c.Blocks(cmd.Context())
			if err != nil {
				return err
			}
			if opts.json {
				return opts.printJSON(cmd.OutOrStdout(), blocks)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "IP\tREASON\tBLOCKED_AT\tUNTIL")
			for _, b := range blocks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", b.IP, b.Reason,
					b.BlockedAt.Format(time.RFC3339), b.Until.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func newSecurityBlockCmd(opts *securityOptions) *cobra.Command {
	var (
		duration time.Duration
		reason   string
	)
	cmd := &cobra.Command{
		Use:   "block <ip>",
		Short: "Block an IP address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client(cmd)
			if err != nil {
				return err
			}
			b, err := c.Block(cmd.Context(), args[0], duration, reason)
			if err != nil {
				return err
			}
			if opts.json {
				return opts.printJSON(cmd.OutOrStdout(), b)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Blocked %s until %s\n", b.IP, b.Until.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", config.EnvDurationOrDefault("IP_BLOCK_DURATION", 0), "Block duration (default $IP_BLOCK_DURATION, else the server's setting)")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the block")
	return cmd
}

func newSecurityUnblockCmd(opts *securityOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unblock <ip>",
		Short: "Remove an IP address from the block list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client(cmd)
			if err != nil {
				return err
			}
			if err := c.Unblock(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Unblocked %s\n", args[0])
			return nil
		},
	}
}

func newSecurityWatchCmd(opts *securityOptions) *cobra.Command {
	var redisURL, stream string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream new alerts from the Redis alert bus",
		Long: `Subscribe to the Redis Streams alert bus with a private consumer group and
print alerts as they are published. Only alerts published after the command
starts are shown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url := firstNonEmpty(redisURL, os.Getenv("REDIS_URL"))
			if url == "" {
				return errors.New("REDIS_URL or --redis-url is required")
			}
			key := firstNonEmpty(stream, config.EnvOrDefault("ALERT_STREAM_KEY", config.DefaultConfig().AlertStreamKey))
			return runWatch(cmd.Context(), url, key, cmd.OutOrStdout(), opts.json)
		},
	}
	cmd.Flags().StringVar(&redisURL, "redis-url", "", "Redis URL (default $REDIS_URL)")
	cmd.Flags().StringVar(&stream, "stream", "", "Alert stream key (default $ALERT_STREAM_KEY)")
	return cmd
}

func runWatch(ctx context.Context, redisURL, stream string, out io.Writer, asJSON bool) error {
	ropts, err := redis.ParseURL(redisURL)
	if err != nil {
		return fmt.Errorf("invalid redis URL: %w", err)
	}
	rdb := redis.NewClient(ropts)
	defer rdb.Close()

	cfg := eventbus.DefaultRedisStreamsConfig()
	cfg.StreamKey = stream
	cfg.ConsumerGroup = "deckguard-watch-" + uuid.NewString()
	cfg.ConsumerName = "watch"
	if host, err := os.Hostname(); err == nil {
		cfg.ConsumerName = host
	}
	cfg.StartID = "$"
	cfg.BlockTimeout = time.Second

	bus := eventbus.NewRedisStreamsEventBus(&eventbus.RedisStreamsClientAdapter{Client: rdb}, cfg, zap.NewNop())
	alerts := bus.Subscribe()
	defer func() {
		bus.Stop()
		_ = rdb.XGroupDestroy(context.Background(), stream, cfg.ConsumerGroup).Err()
	}()
	return printAlerts(ctx, alerts, out, asJSON)
}

// printAlerts writes alerts until ctx is done or the channel closes.
func printAlerts(ctx context.Context, alerts <-chan monitor.Alert, out io.Writer, asJSON bool) error {
	enc := json.NewEncoder(out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case a, ok := <-alerts:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("alert stream closed")
			}
			if asJSON {
				if err := enc.Encode(a); err != nil {
					return err
				}
				continue
			}
			fmt.Fprintf(out, "%s %s severity=%s count=%d escalated=%t ips=%s users=%s\n",
				a.CreatedAt.Format(time.RFC3339), a.Type, a.Severity, a.Count, a.Escalated,
				dashIfEmpty(strings.Join(a.IPs, ",")), dashIfEmpty(strings.Join(a.UserIDs, ",")))
		}
	}
}

func dashIfEmpty(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
