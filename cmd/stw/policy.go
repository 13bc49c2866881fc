package main

import (
	"context"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"steward/internal/app"
	"steward/internal/audit"
	"steward/internal/config"
	"steward/internal/engine/auth"
	"steward/internal/policy"
	"steward/internal/registry"
	"steward/internal/repo"
)

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the governance policy",
		Long:  "The policy is the static rulebook: agents and ranks, units and their autonomy, roles and constraints, and the category table that names authorities and reviewers.",
	}
	cmd.AddCommand(policyShowCmd())
	cmd.AddCommand(policyValidateCmd())
	cmd.AddCommand(policyInitCmd())
	return cmd
}

func policyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the active policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, source, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("policy"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			fmt.Printf("# source: %s\n%s", source, data)
			return nil
		},
	}
}

func policyValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the policy, including cross-references",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, source, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("policy"))
			if err == nil {
				_, err = registry.Load(cfg)
			}
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil, "source": source}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(out)
			}
			if err != nil {
				return err
			}
			fmt.Printf("policy OK (%s): %d agents, %d units, %d roles\n", source, len(cfg.Agents), len(cfg.Units), len(cfg.Roles))
			return nil
		},
	}
}

func policyInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the built-in policy to <workspace>/steward.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing policy")
	return cmd
}

func accessCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "access", Short: "Ask the access control engine"}
	cmd.AddCommand(accessCheckCmd())
	return cmd
}

func accessCheckCmd() *cobra.Command {
	var (
		action, unit string
		enforce      bool
		ac           auth.AccessContext
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Decide whether the actor may perform an action",
		Long:  "Prints the verdict. With --enforce a denial exits non-zero with its code.",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := currentActor()
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), false, func(ctx context.Context, w *app.Workspace) error {
				v := w.Engine.CheckAccess(ctx, actor, policy.Action(action), unit, ac)
				if viper.GetBool("json") {
					if err := printJSON(v); err != nil {
						return err
					}
				} else {
					printKV([][2]any{
						{"actor", actor.String()},
						{"action", action},
						{"unit", unit},
						{"allowed", v.Allowed},
						{"code", v.Code},
						{"role", v.Role},
						{"reason", v.Reason},
					})
				}
				if enforce && !v.Allowed {
					return &auth.AccessError{Code: v.Code, Reason: v.Reason}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "action, e.g. deploy:execute")
	cmd.Flags().StringVar(&unit, "unit", "", "unit id")
	cmd.Flags().BoolVar(&enforce, "enforce", false, "exit non-zero on denial")
	cmd.Flags().StringVar(&ac.Environment, "env", "", "target environment")
	cmd.Flags().BoolVar(&ac.HumanApproved, "human-approved", false, "a human approved this action")
	cmd.Flags().StringSliceVar(&ac.Approvals, "approval", nil, "agent ids that signed off (repeatable)")
	cmd.Flags().StringSliceVar(&ac.VetoedBy, "vetoed-by", nil, "authorities that vetoed (repeatable)")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

type auditFlags struct {
	actor, target, action, result string
	minRisk                       int
	since                         time.Duration
}

func (f *auditFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.actor, "actor", "", "actor substring")
	cmd.Flags().StringVar(&f.target, "target", "", "target substring")
	cmd.Flags().StringVar(&f.action, "action", "", "action substring")
	cmd.Flags().StringVar(&f.result, "result", "", "SUCCESS, FAILURE, ALLOWED or DENIED")
	cmd.Flags().IntVar(&f.minRisk, "min-risk", 0, "minimum risk score")
	cmd.Flags().DurationVar(&f.since, "since", 0, "only entries newer than this, e.g. 24h")
}

func (f auditFlags) query() repo.AuditQuery {
	q := repo.AuditQuery{Actor: f.actor, Target: f.target, Action: f.action, Result: f.result, MinRisk: f.minRisk}
	if f.since > 0 {
		q.From = time.Now().Add(-f.since)
	}
	return q
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Read the persisted audit trail",
		Long:  "Each CLI run has its own in-memory log, so these commands read the copy kept in the workspace database.",
	}
	cmd.AddCommand(auditTailCmd())
	cmd.AddCommand(auditSummaryCmd())
	return cmd
}

func auditTailCmd() *cobra.Command {
	var (
		f auditFlags
		n int
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), true, func(ctx context.Context, w *app.Workspace) error {
				q := f.query()
				q.Limit = n
				entries, total, err := w.Engine.DurableAudit(ctx, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"entries": entries, "total": total})
				}
				tw := newTable(table.Row{"Time", "Actor", "Action", "Target", "Result", "Risk"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.Timestamp.Local().Format(time.DateTime), e.Actor, e.Action, e.Target, e.Result, e.RiskScore})
				}
				tw.AppendFooter(table.Row{"", "", "", "", "shown", fmt.Sprintf("%d/%d", len(entries), total)})
				tw.Render()
				return nil
			})
		},
	}
	f.bind(cmd)
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	return cmd
}

func auditSummaryCmd() *cobra.Command {
	var f auditFlags
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Aggregate persisted audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), true, func(ctx context.Context, w *app.Workspace) error {
				q := f.query()
				q.Limit = w.Config.Audit.Capacity
				entries, _, err := w.Engine.DurableAudit(ctx, q)
				if err != nil {
					return err
				}
				s := audit.Summarize(entries, w.Config.Audit.HighRiskThreshold)
				if viper.GetBool("json") {
					return printJSON(s)
				}
				printKV([][2]any{
					{"total actions", s.TotalActions},
					{"average risk", fmt.Sprintf("%.1f", s.AverageRiskScore)},
					{"high risk", s.HighRiskCount},
				})
				tw := newTable(table.Row{"Result", "Count"})
				for _, k := range sortedKeys(s.ByResult) {
					tw.AppendRow(table.Row{k, s.ByResult[k]})
				}
				tw.Render()
				tw = newTable(table.Row{"Action", "Count"})
				for _, k := range sortedKeys(s.ByAction) {
					tw.AppendRow(table.Row{k, s.ByAction[k]})
				}
				tw.Render()
				return nil
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
