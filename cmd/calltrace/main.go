package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yourorg/calltrace/internal/capture"
	"github.com/yourorg/calltrace/internal/config"
	"github.com/yourorg/calltrace/internal/filter"
	"github.com/yourorg/calltrace/internal/investigate"
	"github.com/yourorg/calltrace/internal/logging"
	"github.com/yourorg/calltrace/internal/platform"
	"github.com/yourorg/calltrace/internal/report"
	"github.com/yourorg/calltrace/internal/server"
	"github.com/yourorg/calltrace/internal/store"
	"github.com/yourorg/calltrace/pkg/types"
)

const defaultConfigContent = `platform:
  base_url: ""
  api_key: ""
  timeout_seconds: 30
  max_retries: 3
  failure_threshold: 5
  cooldown_seconds: 30

investigate:
  concurrency: 4

output:
  dir: "./output"
  formats:
    - markdown
    - yaml

filter:
  call_id: ""
  ignore_methods:
    - OPTIONS

sanitize:
  headers:
    - Authorization
    - Proxy-Authorization
    - WWW-Authenticate
    - Proxy-Authenticate
  replacement: "***REDACTED***"

server:
  host: "127.0.0.1"
  port: 3000

log:
  level: "info"
  format: "text"
`

type rootOptions struct {
	cfgPath string
	dbPath  string
	verbose bool
	debug   bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "calltrace",
		Short:         "SIP call trace and RTCP quality analyzer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.cfgPath, "config", "", "config file path")
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "", "database path (default ~/.calltrace/calltrace.db)")
	root.PersistentFlags().BoolVar(&opts.verbose, "verbose", false, "enable verbose output")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug output")

	root.AddCommand(newInitCmd(opts))
	root.AddCommand(newImportCmd(opts))
	root.AddCommand(newAnalyzeCmd(opts))
	root.AddCommand(newInvestigateCmd(opts))
	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newListCmd(opts))
	root.AddCommand(newShowCmd(opts))
	root.AddCommand(newDeleteCmd(opts))

	return root
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.cfgPath)
	if err != nil {
		return nil, err
	}
	if o.debug {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

func (o *rootOptions) logger(cfg *config.Config) *slog.Logger {
	if !o.verbose && !o.debug {
		return logging.Discard()
	}
	return logging.New(cfg.Log, os.Stderr)
}

func (o *rootOptions) openStore() (*store.SQLiteStore, error) {
	path := o.dbPath
	if path == "" {
		base, err := baseDir()
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(base, 0o755); err != nil {
			return nil, err
		}
		path = filepath.Join(base, "calltrace.db")
	}
	return store.NewSQLiteStore(path)
}

func baseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".calltrace"), nil
}

func newInitCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize ~/.calltrace directory and default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := baseDir()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(base, 0o755); err != nil {
				return err
			}

			cfgFile := filepath.Join(base, "config.yaml")
			if _, err := os.Stat(cfgFile); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(cfgFile, []byte(defaultConfigContent), 0o644); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "created", cfgFile)
			} else if err == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "exists", cfgFile)
			} else {
				return err
			}

			s, err := opts.openStore()
			if err != nil {
				return err
			}
			defer s.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "database ready")
			fmt.Fprintln(cmd.OutOrStdout(), "please update platform.base_url and platform.api_key in", cfgFile)
			return nil
		},
	}
}

func newImportCmd(opts *rootOptions) *cobra.Command {
	var filePath, description string
	cmd := &cobra.Command{Use: "import", Short: "Import an exported call trace into the database", RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := opts.load()
		if err != nil {
			return err
		}
		capt, err := capture.ParseFile(filePath)
		if err != nil {
			return err
		}
		msgs := filter.Sanitize(filter.Apply(capt.Messages, cfg.Filter), cfg.Sanitize)

		s, err := opts.openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		sess, err := saveSession(s, "file", callIDOf(msgs), description, msgs, capt.Metrics)
		if err != nil {
			return err
		}
		opts.logger(cfg).Info("trace imported", "session_id", sess.ID, "file", filePath)
		if ids := filter.CallIDs(capt.Messages); len(ids) > 1 {
			fmt.Fprintf(cmd.OutOrStdout(), "file holds %d calls, kept %s; import again with filter.call_id for: %s\n", len(ids), sess.CallID, strings.Join(others(ids, sess.CallID), ", "))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d messages and %d rtcp samples into session %s\n", len(msgs), len(capt.Metrics), sess.ID)
		return nil
	}}
	cmd.Flags().StringVar(&filePath, "file", "", "exported trace JSON file")
	cmd.Flags().StringVar(&description, "description", "", "session description")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newAnalyzeCmd(opts *rootOptions) *cobra.Command {
	var filePath, sessionID, format string
	var render bool
	cmd := &cobra.Command{Use: "analyze", Short: "Analyze a trace file or a stored session", RunE: func(cmd *cobra.Command, args []string) error {
		if (filePath == "") == (sessionID == "") {
			return errors.New("exactly one of --file or --session is required")
		}
		if format != "text" && format != "json" {
			return fmt.Errorf("unknown format %q", format)
		}
		cfg, err := opts.load()
		if err != nil {
			return err
		}
		logger := opts.logger(cfg)

		var src investigate.Static
		var callID string
		var s *store.SQLiteStore
		if filePath != "" {
			capt, err := capture.ParseFile(filePath)
			if err != nil {
				return err
			}
			src.Messages = filter.Apply(capt.Messages, cfg.Filter)
			src.Metrics = capt.Metrics
			callID = callIDOf(src.Messages)
		} else {
			s, err = opts.openStore()
			if err != nil {
				return err
			}
			defer s.Close()
			sess, err := s.GetSession(sessionID)
			if err != nil {
				return err
			}
			if src.Messages, err = s.GetMessages(sess.ID); err != nil {
				return err
			}
			if src.Metrics, err = s.GetMetrics(sess.ID); err != nil {
				return err
			}
			callID = sess.CallID
		}

		inv := investigate.New(src, 1, logger).Investigate(cmd.Context(), callID)
		if s != nil {
			inv.SessionID = sessionID
			if err := s.SaveInvestigation(inv); err != nil {
				return err
			}
			if err := s.UpdateSessionStatus(sessionID, "analyzed"); err != nil {
				return err
			}
		}
		if render {
			if err := renderReports(cfg, inv); err != nil {
				return err
			}
		}
		return printInvestigations(cmd.OutOrStdout(), format, []*types.Investigation{inv})
	}}
	cmd.Flags().StringVar(&filePath, "file", "", "exported trace JSON file")
	cmd.Flags().StringVar(&sessionID, "session", "", "stored session id")
	cmd.Flags().StringVar(&format, "format", "text", "output format: text or json")
	cmd.Flags().BoolVar(&render, "render", false, "also write reports to output.dir")
	return cmd
}

func newInvestigateCmd(opts *rootOptions) *cobra.Command {
	var callIDs []string
	var format string
	var save, render bool
	cmd := &cobra.Command{Use: "investigate", Short: "Fetch calls from the logging platform and analyze them", RunE: func(cmd *cobra.Command, args []string) error {
		if format != "text" && format != "json" {
			return fmt.Errorf("unknown format %q", format)
		}
		cfg, err := opts.load()
		if err != nil {
			return err
		}
		if err := cfg.ValidatePlatform(); err != nil {
			return err
		}
		logger := opts.logger(cfg)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client := platform.New(cfg.Platform, logger)
		iv := investigate.New(client, cfg.Investigate.Concurrency, logger)
		if opts.verbose {
			iv.OnProgress = func(stage string) { logger.Info("progress", "stage", stage) }
		}
		invs := iv.InvestigateMany(ctx, callIDs)

		if save {
			if err := saveInvestigations(opts, invs); err != nil {
				return err
			}
		}
		if render {
			for _, inv := range invs {
				if err := renderReports(cfg, inv); err != nil {
					return err
				}
			}
		}
		return printInvestigations(cmd.OutOrStdout(), format, invs)
	}}
	cmd.Flags().StringSliceVar(&callIDs, "call-id", nil, "Call-ID to investigate (repeatable)")
	cmd.Flags().StringVar(&format, "format", "text", "output format: text or json")
	cmd.Flags().BoolVar(&save, "save", false, "store the investigations in the database")
	cmd.Flags().BoolVar(&render, "render", false, "also write reports to output.dir")
	_ = cmd.MarkFlagRequired("call-id")
	return cmd
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var host string
	var port int
	cmd := &cobra.Command{Use: "serve", Short: "Start HTTP service", RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := opts.load()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("host") {
			cfg.Server.Host = host
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = port
		}
		logger := logging.New(cfg.Log, os.Stderr)

		s, err := opts.openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		var src investigate.Source
		if cfg.ValidatePlatform() == nil {
			src = platform.New(cfg.Platform, logger)
		} else {
			logger.Warn("platform not configured, /api/investigate disabled")
		}
		srv, err := server.New(cfg, s, src, logger)
		if err != nil {
			return err
		}
		return srv.ListenAndServe(fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
	}}
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "server host")
	cmd.Flags().IntVar(&port, "port", 3000, "server port")
	return cmd
}

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{Use: "list", Short: "List all sessions", RunE: func(cmd *cobra.Command, args []string) error {
		s, err := opts.openStore()
		if err != nil {
			return err
		}
		defer s.Close()
		sessions, err := s.ListSessions()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSOURCE\tCALL-ID\tMESSAGES\tRTCP\tSTATUS\tCREATED")
		for _, sess := range sessions {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n", sess.ID, sess.Source, sess.CallID, sess.MessageCount, sess.MetricCount, sess.Status, sess.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return tw.Flush()
	}}
}

func newShowCmd(opts *rootOptions) *cobra.Command {
	var session string
	cmd := &cobra.Command{Use: "show", Short: "Show session details", RunE: func(cmd *cobra.Command, args []string) error {
		s, err := opts.openStore()
		if err != nil {
			return err
		}
		defer s.Close()
		sess, err := s.GetSession(session)
		if err != nil {
			return err
		}
		invs, err := s.ListInvestigations(sess.ID)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Session %s (%s)\n", sess.ID, sess.Status)
		fmt.Fprintf(out, "Call-ID: %s\n", sess.CallID)
		if sess.Description != "" {
			fmt.Fprintf(out, "Description: %s\n", sess.Description)
		}
		fmt.Fprintf(out, "Messages: %d, RTCP samples: %d\n", sess.MessageCount, sess.MetricCount)
		for i := range invs {
			fmt.Fprintf(out, "\n[%s] %s\n%s\n", invs[i].CreatedAt.Format("2006-01-02 15:04:05"), invs[i].ID, invs[i].Summary)
		}
		return nil
	}}
	cmd.Flags().StringVar(&session, "session", "", "session id")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	var session string
	cmd := &cobra.Command{Use: "delete", Short: "Delete session", RunE: func(cmd *cobra.Command, args []string) error {
		s, err := opts.openStore()
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.DeleteSession(session); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "deleted", session)
		return nil
	}}
	cmd.Flags().StringVar(&session, "session", "", "session id")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func saveSession(s store.Store, source, callID, description string, msgs []types.SipMessage, metrics []types.RtcpMetric) (*types.Session, error) {
	sess, err := s.CreateSession(source, callID, description)
	if err != nil {
		return nil, err
	}
	if err := s.SaveMessages(sess.ID, msgs); err != nil {
		return nil, err
	}
	if err := s.SaveMetrics(sess.ID, metrics); err != nil {
		return nil, err
	}
	return sess, nil
}

func saveInvestigations(opts *rootOptions, invs []*types.Investigation) error {
	s, err := opts.openStore()
	if err != nil {
		return err
	}
	defer s.Close()
	for _, inv := range invs {
		if err := s.SaveInvestigation(inv); err != nil {
			return fmt.Errorf("save investigation %s: %w", inv.CallID, err)
		}
	}
	return nil
}

func renderReports(cfg *config.Config, inv *types.Investigation) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return report.Render(inv, cfg.Output.Dir, cfg.Output.Formats)
}

func printInvestigations(w io.Writer, format string, invs []*types.Investigation) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if len(invs) == 1 {
			return enc.Encode(invs[0])
		}
		return enc.Encode(invs)
	}
	for i, inv := range invs {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w, inv.Summary)
	}
	return nil
}

func others(ids []string, keep string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != keep {
			out = append(out, id)
		}
	}
	return out
}

func callIDOf(msgs []types.SipMessage) string {
	for _, m := range msgs {
		if m.CallID != "" {
			return m.CallID
		}
	}
	return ""
}
