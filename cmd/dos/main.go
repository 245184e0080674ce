package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Valgeir99/distributed-optimization-solver/internal/config"
	"github.com/Valgeir99/distributed-optimization-solver/internal/db"
	"github.com/Valgeir99/distributed-optimization-solver/internal/engine"
	"github.com/Valgeir99/distributed-optimization-solver/internal/migrate"
	"github.com/Valgeir99/distributed-optimization-solver/internal/server"
	"github.com/Valgeir99/distributed-optimization-solver/internal/storage"
)

var rootCmd = &cobra.Command{
	Use:   "dos",
	Short: "Distributed optimization solver platform CLI",
	Long: `dos runs the central platform of a distributed optimization marketplace.
Agents register, download problem instances, upload solution submissions and
vote on each other's submissions during a fixed validation window. Accepted
solutions earn rewards from the instance's budget; when the budget runs out
the instance closes.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DOS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("config", "", "platform config YAML (defaults to <workspace>/dos.yml when present)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(instanceCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(submissionCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the platform HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("DOS_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("DOS_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving platform API on http://%s%s\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func instanceCmd() *cobra.Command {
	inst := &cobra.Command{Use: "instance", Short: "Manage problem instances"}
	inst.AddCommand(instanceAddCmd())
	inst.AddCommand(instanceListCmd())
	inst.AddCommand(instanceShowCmd())
	return inst
}

func instanceAddCmd() *cobra.Command {
	var name, file, desc string
	var budget int
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a problem instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			if budget <= 0 {
				return fmt.Errorf("--budget must be positive")
			}
			abs, err := filepath.Abs(file)
			if err != nil {
				return err
			}
			if _, err := os.Stat(abs); err != nil {
				return fmt.Errorf("instance file %s: %w", abs, err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.AddInstance(ctx, name, desc, abs, budget)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "instance name")
	cmd.Flags().StringVar(&file, "file", "", "path to the problem instance data file")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().IntVar(&budget, "budget", 0, "reward budget")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("budget")
	return cmd
}

func instanceListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List problem instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListInstances(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Active", "Budget", "Accumulated"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.Name, it.Active, it.RewardBudget, it.RewardAccumulated})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func instanceShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Show a problem instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.Repo.GetInstance(ctx, args[0])
				if err != nil {
					return err
				}
				open, err := e.Repo.GetOpenForInstance(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{
					"instance":         p,
					"open_submissions": len(open),
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func agentCmd() *cobra.Command {
	agent := &cobra.Command{Use: "agent", Short: "Inspect registered agents"}
	agent.AddCommand(agentListCmd())
	return agent
}

func agentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				agents, err := e.Repo.ListAgents(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Registered"})
				for _, a := range agents {
					tw.AppendRow(table.Row{a.ID, a.RegisteredAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func submissionCmd() *cobra.Command {
	sub := &cobra.Command{Use: "submission", Short: "Inspect solution submissions"}
	sub.AddCommand(submissionShowCmd())
	return sub
}

func submissionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a solution submission",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("submission id is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.GetSubmissionStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Platform event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var instanceName string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Events.Latest(ctx, n, instanceName)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&instanceName, "instance", "", "problem instance filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Platform configuration"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective platform config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.ToYAML()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default dos.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(viper.GetString("workspace"), "dos.yml")
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			out, err := config.Default().ToYAML()
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, out, 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

// --- helpers ---

func resolveConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.Load(path)
	}
	path := filepath.Join(viper.GetString("workspace"), "dos.yml")
	if _, err := os.Stat(path); err == nil {
		return config.Load(path)
	}
	return config.Default(), nil
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	store, err := storage.Open(workspace)
	if err != nil {
		return err
	}
	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	e := engine.New(conn, store, cfg)
	return fn(ctx, e)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
