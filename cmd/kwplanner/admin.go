package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TobiSchelling/KeywordPlanner/internal/database"
	"github.com/TobiSchelling/KeywordPlanner/internal/llm"
	"github.com/TobiSchelling/KeywordPlanner/internal/metrics"
	"github.com/TobiSchelling/KeywordPlanner/internal/notify"
	"github.com/TobiSchelling/KeywordPlanner/internal/pipeline"
	"github.com/TobiSchelling/KeywordPlanner/internal/server"
	"github.com/TobiSchelling/KeywordPlanner/internal/users"
)

// --- models command ---

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List or choose the LLM model",
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the models the provider offers",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(os.Stdout)
		if err != nil {
			return err
		}
		defer a.Close()

		lister, ok := a.pipe.Provider().(llm.ModelLister)
		if !ok {
			return fmt.Errorf("provider %q cannot list models", cfg.LLM.Provider)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		models, err := lister.ListModels(ctx)
		if err != nil {
			return fmt.Errorf("listing models: %w", err)
		}
		current := a.pipe.Model()
		if current == "" {
			current = cfg.LLM.Model
		}
		for _, m := range models {
			marker := " "
			if m.ID == current {
				marker = "*"
			}
			if m.OwnedBy != "" {
				fmt.Printf("%s %s (%s)\n", marker, m.ID, m.OwnedBy)
			} else {
				fmt.Printf("%s %s\n", marker, m.ID)
			}
		}
		return nil
	},
}

var modelsUseCmd = &cobra.Command{
	Use:   "use <model>",
	Short: "Use this model instead of the configured one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.SetSetting(database.SettingLLMModel, args[0]); err != nil {
			return fmt.Errorf("saving model: %w", err)
		}
		notify.NewWriter(os.Stdout, cfg.Context.Language, logger).Notify(notify.Success, notify.ModelUpdated)
		return nil
	},
}

func init() {
	modelsCmd.AddCommand(modelsListCmd)
	modelsCmd.AddCommand(modelsUseCmd)
}

// --- users command ---

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage dashboard accounts",
}

func withUsers(fn func(svc *users.Service, n notify.Notifier) error) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(users.NewService(db, logger), notify.NewWriter(os.Stdout, cfg.Context.Language, logger))
}

var usersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUsers(func(svc *users.Service, _ notify.Notifier) error {
			list, err := svc.List()
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No users.")
				return nil
			}
			for _, u := range list {
				last := "never"
				if u.LastLogin != nil {
					last = humanize.Time(*u.LastLogin)
				}
				fmt.Printf("%s  %-30s %-20s %-6s %-9s last login %s\n",
					u.ID[:8], truncate(u.Email, 30), truncate(u.Name, 20), u.Role, u.Status, last)
			}
			return nil
		})
	},
}

var usersRegisterCmd = &cobra.Command{
	Use:   "register <email> <name>",
	Short: "Register an account awaiting approval",
	Long:  "Register an account awaiting approval. The password is read from KWPLANNER_PASSWORD.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		password := os.Getenv("KWPLANNER_PASSWORD")
		if password == "" {
			return fmt.Errorf("set KWPLANNER_PASSWORD to the new account's password")
		}
		return withUsers(func(svc *users.Service, n notify.Notifier) error {
			u, err := svc.Register(args[0], password, args[1])
			if err != nil {
				return err
			}
			n.Notify(notify.Success, notify.RegisterSucceeded)
			fmt.Printf("ID: %s\n", u.ID)
			return nil
		})
	},
}

func statusCommand(use, short string, apply func(*users.Service, string) error, status string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id-or-email>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUsers(func(svc *users.Service, n notify.Notifier) error {
				u, err := svc.Resolve(args[0])
				if err != nil {
					return err
				}
				if err := apply(svc, u.ID); err != nil {
					return err
				}
				n.Notify(notify.Success, notify.UserStatusUpdated, status)
				return nil
			})
		},
	}
}

var usersLogsLimit int

var usersLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent login attempts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUsers(func(svc *users.Service, _ notify.Notifier) error {
			logs, err := svc.Logs(usersLogsLimit)
			if err != nil {
				return err
			}
			for _, l := range logs {
				result := "ok"
				if !l.Success {
					result = "FAILED"
				}
				fmt.Printf("%s  %-30s %-6s %s\n",
					l.Timestamp.Local().Format("2006-01-02 15:04"), truncate(l.Email, 30), result, l.IPAddress)
			}
			return nil
		})
	},
}

func init() {
	usersLogsCmd.Flags().IntVarP(&usersLogsLimit, "limit", "n", 20, "Number of attempts to show")

	usersCmd.AddCommand(usersListCmd)
	usersCmd.AddCommand(usersRegisterCmd)
	usersCmd.AddCommand(statusCommand("approve", "Approve a pending account", (*users.Service).Approve, database.StatusApproved))
	usersCmd.AddCommand(statusCommand("reject", "Reject an account", (*users.Service).Reject, database.StatusRejected))
	usersCmd.AddCommand(usersLogsCmd)
}

// --- serve command ---

var (
	servePort   int
	serveNoAuth bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web dashboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		if err := metrics.Register(reg, db, logger); err != nil {
			return fmt.Errorf("registering metrics: %w", err)
		}
		if err := llm.RegisterMetrics(reg); err != nil {
			return fmt.Errorf("registering llm metrics: %w", err)
		}

		notes := notify.NewCollector(cfg.Context.Language, 50)
		notifier := notify.Multi(notify.NewWriter(nil, cfg.Context.Language, logger), notes)
		pipe := pipeline.New(cfg, db, pipeline.NewProvider(cfg, logger), notifier, logger)

		opts := server.Options{
			Pipeline:       pipe,
			DB:             db,
			Notes:          notes,
			Registry:       reg,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			Logger:         logger,
		}
		if !serveNoAuth {
			svc := users.NewService(db, logger)
			if err := bootstrapAdmin(svc); err != nil {
				return err
			}
			opts.Users = svc
		}

		ctx, stop := signalContext()
		defer stop()

		fmt.Printf("Dashboard at http://127.0.0.1:%d\n", port)
		return server.Serve(ctx, opts, port)
	},
}

// bootstrapAdmin creates the configured admin account on first start.
func bootstrapAdmin(svc *users.Service) error {
	if cfg.Auth.AdminEmail == "" {
		return nil
	}
	password := os.Getenv(cfg.Auth.AdminPasswordEnv)
	if password == "" {
		logger.Warn("admin email configured but password variable is empty",
			zap.String("env", cfg.Auth.AdminPasswordEnv))
		return nil
	}
	if _, err := svc.EnsureAdmin(cfg.Auth.AdminEmail, password, cfg.Auth.AdminName); err != nil {
		return fmt.Errorf("creating admin: %w", err)
	}
	return nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (defaults to server.port)")
	serveCmd.Flags().BoolVar(&serveNoAuth, "no-auth", false, "Disable login; every page is open")
}
