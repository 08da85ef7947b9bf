package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/nhle/inbox-sync/internal/app"
	"github.com/nhle/inbox-sync/internal/model"
	"github.com/nhle/inbox-sync/internal/store"
	appsync "github.com/nhle/inbox-sync/internal/sync"
)

var (
	version    = "dev"
	configPath string
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "inbox-sync",
		Short: "Unified inbox sync engine",
		Long: `inbox-sync pulls notifications and tasks from issue trackers, chat,
mail and to-do providers into one inbox per user and keeps them in sync.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", model.DefaultConfigPath(), "Path to the config file")
	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("inbox-sync %s\n", version)
		},
	})

	rootCmd.AddCommand(serveCmd(), syncCmd(), migrateCmd(), connectionsCmd(), initCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads the config, installs the default logger and builds the app.
func setup() (*app.App, error) {
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return nil, &model.ValidationError{Field: "log.level", Message: err.Error()}
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	return app.New(cfg, logger)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the poller, push receivers and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			gin.SetMode(gin.ReleaseMode)
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.Serve(ctx)
		},
	}
}

func syncCmd() *cobra.Command {
	var (
		userID       string
		provider     string
		connectionID string
		force        bool
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass now",
		Long: `Without flags every validated connection is synced. --user limits
the pass to one user's connections, optionally of one --provider.
--connection syncs a single connection; --force also runs it when failing.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			switch {
			case connectionID != "":
				report, err := a.Orchestrator.SyncConnection(ctx, connectionID, appsync.SyncOptions{Force: force})
				if err != nil {
					return err
				}
				return printReports([]*appsync.PassReport{report})
			case userID != "":
				var kind *model.ProviderKind
				if provider != "" {
					k, err := model.ParseProviderKind(provider)
					if err != nil {
						return err
					}
					kind = &k
				}
				results, err := a.Orchestrator.Sync(ctx, userID, kind)
				if err != nil {
					return err
				}
				return printResults(results)
			default:
				reports, err := a.Orchestrator.SyncAll(ctx)
				if err != nil {
					return err
				}
				return printReports(reports)
			}
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Sync only this user's connections")
	cmd.Flags().StringVar(&provider, "provider", "", "With --user, sync only this provider kind")
	cmd.Flags().StringVar(&connectionID, "connection", "", "Sync a single connection")
	cmd.Flags().BoolVar(&force, "force", false, "With --connection, sync even if the connection is failing")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := model.LoadConfig(configPath)
			if err != nil {
				return err
			}
			// Opening the store applies pending migrations.
			st, err := store.Open(cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer st.Close()

			v, err := st.SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]int{"schema_version": v})
			}
			fmt.Printf("schema version %d\n", v)
			return nil
		},
	}
}

func connectionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "Manage integration connections",
	}

	var userID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List connections and their sync health",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			conns, err := a.Connections.List(cmd.Context(), store.ConnectionFilter{UserID: userID})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(conns)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUSER\tPROVIDER\tSTATUS\tFAILURES\tLAST ERROR")
			for _, c := range conns {
				lastErr := ""
				if c.LastSyncFailureMessage != nil {
					lastErr = *c.LastSyncFailureMessage
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", c.ID, c.UserID, c.Kind(), c.Status, c.SyncFailures, lastErr)
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&userID, "user", "", "Only this user's connections")

	disconnect := &cobra.Command{
		Use:   "disconnect <connection-id>",
		Short: "Remove a connection and its stored credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Connections.Disconnect(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("disconnected %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, addConnectionCmd(), validateConnectionCmd(), disconnect)
	return cmd
}

func addConnectionCmd() *cobra.Command {
	var userID, provider, config string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a connection in the created state",
		Example: `  inbox-sync connections add --user u1 --provider jira \
    --config '{"base_url":"https://jira.example.com","jql":"assignee = currentUser()"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			c, err := a.AddConnection(cmd.Context(), userID, provider, config)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(c)
			}
			fmt.Printf("created %s connection %s\n", c.Kind(), c.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Owning user id")
	cmd.Flags().StringVar(&provider, "provider", "", "Provider kind")
	cmd.Flags().StringVar(&config, "config", "", "Provider config as JSON")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

func validateConnectionCmd() *cobra.Command {
	var (
		grant     app.Grant
		expiresIn time.Duration
	)
	cmd := &cobra.Command{
		Use:   "validate <connection-id>",
		Short: "Store a connection's credential and mark it validated",
		Long: `Stores the access token (or password) produced by the provider's auth
flow in the keyring. When --provider-user is omitted the provider is asked
for the account identity. Pass --token - to read the token from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if grant.AccessToken == "-" {
				line, err := bufio.NewReader(os.Stdin).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("reading token: %w", err)
				}
				grant.AccessToken = strings.TrimSpace(line)
			}
			if expiresIn > 0 {
				grant.Expiry = time.Now().Add(expiresIn)
			}

			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			c, err := a.ValidateConnection(cmd.Context(), args[0], grant)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(c)
			}
			fmt.Printf("validated %s connection %s\n", c.Kind(), c.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&grant.AccessToken, "token", "", "Access token or password")
	cmd.Flags().StringVar(&grant.RefreshToken, "refresh-token", "", "OAuth refresh token")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Access token lifetime")
	cmd.Flags().StringSliceVar(&grant.Scopes, "scope", nil, "Granted OAuth scope (repeatable)")
	cmd.Flags().StringVar(&grant.ProviderUserID, "provider-user", "", "Provider-side account id")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("config %s already exists", configPath)
			}
			if err := model.SaveConfig(configPath, model.DefaultConfig()); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", configPath)
			return nil
		},
	}
}

func printReports(reports []*appsync.PassReport) error {
	if jsonOutput {
		type row struct {
			ConnectionID string `json:"connection_id"`
			Provider     string `json:"provider"`
			Skipped      string `json:"skipped,omitempty"`
			Pages        int    `json:"pages"`
			Modified     int    `json:"modified"`
			Stale        int    `json:"stale"`
			Error        string `json:"error,omitempty"`
		}
		rows := make([]row, 0, len(reports))
		for _, r := range reports {
			if r == nil {
				continue
			}
			out := row{
				ConnectionID: r.ConnectionID,
				Provider:     string(r.Provider),
				Skipped:      r.SkipReason,
				Pages:        r.Pages,
				Modified:     r.Modified(),
				Stale:        r.Stale,
			}
			if r.Err != nil {
				out.Error = r.Err.Error()
			}
			rows = append(rows, out)
		}
		return printJSON(rows)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CONNECTION\tPROVIDER\tPAGES\tMODIFIED\tSTALE\tRESULT")
	for _, r := range reports {
		if r == nil {
			continue
		}
		result := "ok"
		switch {
		case r.Skipped:
			result = "skipped: " + r.SkipReason
		case r.Err != nil:
			result = "failed: " + r.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n", r.ConnectionID, r.Provider, r.Pages, r.Modified(), r.Stale, result)
	}
	return w.Flush()
}

func printResults(results []model.ThirdPartyItemCreationResult) error {
	if jsonOutput {
		return printJSON(results)
	}
	modified := 0
	for _, r := range results {
		if r.IsModified {
			modified++
		}
	}
	fmt.Printf("%d items synced, %d modified\n", len(results), modified)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
