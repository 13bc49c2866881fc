package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"steward/internal/app"
	"steward/internal/domain"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "stw",
	Short: "Steward governance CLI",
	Long: `Steward decides whether an autonomous agent may act, routes what it may not
decide upward, and gates changes behind multi-reviewer approval.
Core concepts:
- Policy: steward.yml in the workspace (or the built-in policy) lists agents, units, roles,
  the authority hierarchy and the category table. It is loaded once and never changes at runtime.
- Access check: actor + action + unit -> verdict. Every check writes one audit entry.
- Autonomy: units are ASSIST_ONLY, PARTIAL or FULL; risky actions need more autonomy.
- Escalation: a denied agent hands the decision to the category authority or a superior.
- Review: a change request collects decisions from required reviewers; a veto-tier BLOCK sticks.
- Audit: every decision is recorded with a risk score; the workspace database keeps a copy.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", describeError(err))
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STEWARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("policy", "", "policy file (defaults to <workspace>/steward.yml, then the built-in policy)")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "", "acting agent or human id")
	flags.String("actor-type", "AGENT", "actor type: AGENT or HUMAN")
	flags.String("role", "", "role override for the actor")
	flags.Bool("no-db", false, "keep everything in memory; nothing is persisted")
	flags.BoolP("verbose", "v", false, "debug logging to stderr")
	for _, name := range []string{"workspace", "policy", "json", "actor-id", "actor-type", "role", "no-db", "verbose"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(accessCmd())
	rootCmd.AddCommand(escalateCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(unitsCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func agentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List agents by rank",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), false, func(ctx context.Context, w *app.Workspace) error {
				agents := w.Engine.Registry.Agents()
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				tw := newTable(table.Row{"Rank", "ID", "Name", "Class", "Authority", "Veto"})
				for _, a := range agents {
					veto := ""
					if w.Engine.Registry.IsVetoTier(a.ID) {
						veto = "yes"
					}
					tw.AppendRow(table.Row{a.Rank, a.ID, a.Name, a.RoleClass, strings.Join(a.AuthorityTags, ","), veto})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func unitsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "units",
		Short: "List organizational units",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), false, func(ctx context.Context, w *app.Workspace) error {
				units := w.Engine.Registry.Units()
				if viper.GetBool("json") {
					return printJSON(units)
				}
				tw := newTable(table.Row{"ID", "Name", "Parent", "Primary", "Secondary", "Execution", "Escalation", "Autonomy", "Regulatory"})
				for _, u := range units {
					tw.AppendRow(table.Row{u.UnitID, u.Name, u.Parent, u.PrimaryAgent, u.SecondaryAgent, u.ExecutionAgent, u.EscalationTarget, u.Autonomy, u.Regulatory})
				}
				tw.Render()
				return nil
			})
		},
	}
}

// --- helpers ---

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// withWorkspace opens the workspace for fn. Commands that read persisted
// state pass needDB and refuse to run under --no-db.
func withWorkspace(ctx context.Context, needDB bool, fn func(context.Context, *app.Workspace) error) error {
	noDB := viper.GetBool("no-db")
	if needDB && noDB {
		return errors.New("this command reads the workspace database; drop --no-db")
	}
	w, err := app.Open(ctx, viper.GetString("workspace"), app.Options{
		PolicyFile: viper.GetString("policy"),
		Durable:    !noDB,
		Logger:     newLogger(),
	})
	if err != nil {
		return err
	}
	runErr := fn(ctx, w)
	// Close drains the audit sink even when the command was interrupted.
	if err := w.Close(context.Background()); err != nil && runErr == nil {
		return err
	}
	return runErr
}

func currentActor() (domain.Actor, error) {
	id := strings.TrimSpace(viper.GetString("actor-id"))
	if id == "" {
		return domain.Actor{}, errors.New("--actor-id (or STEWARD_ACTOR_ID) is required")
	}
	t := domain.ActorType(strings.ToUpper(strings.TrimSpace(viper.GetString("actor-type"))))
	if t == "" {
		t = domain.ActorAgent
	}
	if !t.Valid() {
		return domain.Actor{}, domain.Errorf(domain.CodeInvalidActorType, "actor type %q is not AGENT or HUMAN", t)
	}
	return domain.Actor{ID: id, Type: t, RoleOverride: strings.TrimSpace(viper.GetString("role"))}, nil
}

func describeError(err error) string {
	var de *domain.Error
	if errors.As(err, &de) && de.Message != "" {
		return fmt.Sprintf("%s: %s", de.Code, de.Message)
	}
	return err.Error()
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printKV(rows [][2]any) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	for _, r := range rows {
		tw.AppendRow(table.Row{r[0], r[1]})
	}
	tw.Render()
}
