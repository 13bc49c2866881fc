package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"steward/internal/app"
	"steward/internal/domain"
	"steward/internal/escalation"
	"steward/internal/policy"
)

func escalateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "escalate",
		Short: "Route decisions up the authority hierarchy",
		Long:  "An agent that may not act alone escalates to the category authority or the unit's escalation target; each further hop goes to the nearest superior.",
	}
	cmd.AddCommand(escalateTargetCmd())
	cmd.AddCommand(escalatePathCmd())
	cmd.AddCommand(escalateOverrideCmd())
	cmd.AddCommand(escalateViolationsCmd())
	cmd.AddCommand(escalateOpenCmd())
	cmd.AddCommand(escalateForwardCmd())
	cmd.AddCommand(escalateResolveCmd())
	cmd.AddCommand(escalateShowCmd())
	cmd.AddCommand(escalateListCmd())
	return cmd
}

func escalateTargetCmd() *cobra.Command {
	var action, unit, actorID string
	cmd := &cobra.Command{
		Use:   "target",
		Short: "Name who decides an action in a unit",
		Long:  "With --agent, also reports whether that agent may act alone.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), false, func(ctx context.Context, w *app.Workspace) error {
				if actorID != "" {
					v := w.Engine.Router.CanExecuteAction(actorID, unit, policy.Action(action))
					if viper.GetBool("json") {
						return printJSON(v)
					}
					printKV([][2]any{
						{"agent", actorID},
						{"allowed", v.Allowed},
						{"code", v.Code},
						{"reason", v.Reason},
						{"escalate to", v.EscalateTo},
					})
					return nil
				}
				target, err := w.Engine.Router.ResolveEscalationTarget(unit, policy.Action(action))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"target": target})
				}
				fmt.Println(target)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "action")
	cmd.Flags().StringVar(&unit, "unit", "", "unit id")
	cmd.Flags().StringVar(&actorID, "agent", "", "agent asking to act")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func escalatePathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path <agent-id>",
		Short: "List the authorities above an agent, nearest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), false, func(ctx context.Context, w *app.Workspace) error {
				if _, ok := w.Engine.Registry.Agent(args[0]); !ok {
					return domain.Errorf(domain.CodeUnknownActor, "agent %q does not exist", args[0])
				}
				path := w.Engine.Router.EscalationPath(args[0])
				if viper.GetBool("json") {
					return printJSON(path)
				}
				tw := newTable(table.Row{"Hop", "Rank", "ID", "Name"})
				for i, a := range path {
					tw.AppendRow(table.Row{i + 1, a.Rank, a.ID, a.Name})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func escalateOverrideCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "override",
		Short: "Check whether the actor may override another agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := currentActor()
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), false, func(ctx context.Context, w *app.Workspace) error {
				d := w.Engine.Router.ValidateOverride(ctx, actor.ID, target)
				if viper.GetBool("json") {
					return printJSON(d)
				}
				printKV([][2]any{
					{"allowed", d.Allowed},
					{"reason", d.Reason},
					{"veto capable", d.VetoCapable},
				})
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "agent to override")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func escalateViolationsCmd() *cobra.Command {
	var (
		action string
		pctx   escalation.PolicyContext
	)
	cmd := &cobra.Command{
		Use:   "violations",
		Short: "List the sign-off rules a proposed action would break",
		RunE: func(cmd *cobra.Command, args []string) error {
			if pctx.ActorID == "" {
				pctx.ActorID = viper.GetString("actor-id")
			}
			return withWorkspace(cmd.Context(), false, func(ctx context.Context, w *app.Workspace) error {
				vs, err := w.Engine.Router.CheckPolicyViolations(policy.Action(action), pctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(nonNil(vs))
				}
				if len(vs) == 0 {
					fmt.Println("no violations")
					return nil
				}
				tw := newTable(table.Row{"Severity", "Rule", "Approver", "Message"})
				for _, v := range vs {
					tw.AppendRow(table.Row{v.Severity, v.Rule, v.RequiredApprover, v.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "action")
	cmd.Flags().StringVar(&pctx.UnitID, "unit", "", "unit id")
	cmd.Flags().StringVar(&pctx.Environment, "env", "", "target environment")
	cmd.Flags().StringSliceVar(&pctx.Approvals, "approval", nil, "agent ids that signed off (repeatable)")
	cmd.Flags().BoolVar(&pctx.HumanApproved, "human-approved", false, "a human approved this action")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func escalateOpenCmd() *cobra.Command {
	var action, unit, reason string
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open an escalation as the actor",
		Long:  "The escalation is stored in the workspace; forward or resolve it later by the printed id.",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := currentActor()
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), true, func(ctx context.Context, w *app.Workspace) error {
				out, err := w.Engine.Escalate(ctx, domain.EscalationRequest{
					UnitID: unit,
					Action: policy.Action(action),
					Reason: reason,
				}, actor)
				if err != nil {
					return err
				}
				return printEscalation(out)
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "action being escalated")
	cmd.Flags().StringVar(&unit, "unit", "", "unit id")
	cmd.Flags().StringVar(&reason, "reason", "", "why the decision is escalated")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func escalateForwardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forward <id>",
		Short: "Forward an escalation one hop up",
		Long:  "Only the current handler, or an agent that outranks it, may forward.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := currentActor()
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), true, func(ctx context.Context, w *app.Workspace) error {
				out, err := w.Engine.Escalate(ctx, domain.EscalationRequest{ID: args[0]}, actor)
				if err != nil {
					return err
				}
				return printEscalation(out)
			})
		},
	}
}

func escalateResolveCmd() *cobra.Command {
	var (
		approve bool
		reject  bool
		note    string
	)
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Approve or reject an escalation as the actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == reject {
				return fmt.Errorf("pass exactly one of --approve or --reject")
			}
			actor, err := currentActor()
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), true, func(ctx context.Context, w *app.Workspace) error {
				out, err := w.Engine.ResolveEscalation(ctx, args[0], actor, approve, note)
				if err != nil {
					return err
				}
				return printEscalation(out)
			})
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "approve the escalated action")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject the escalated action")
	cmd.Flags().StringVar(&note, "note", "", "decision note")
	return cmd
}

func escalateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an escalation and its chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), true, func(ctx context.Context, w *app.Workspace) error {
				out, err := w.Engine.GetEscalation(ctx, args[0])
				if err != nil {
					return err
				}
				return printEscalation(out)
			})
		},
	}
}

func escalateListCmd() *cobra.Command {
	var (
		f      escalation.ListFilter
		status string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List escalations newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.EscalationStatus(strings.ToUpper(status))
			return withWorkspace(cmd.Context(), true, func(ctx context.Context, w *app.Workspace) error {
				items, err := w.Engine.ListEscalations(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(nonNil(items))
				}
				tw := newTable(table.Row{"ID", "Action", "Unit", "Status", "Actor", "Handler", "Updated"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.Action, e.UnitID, e.Status, e.ActorID, e.CurrentHandler, e.UpdatedAt.Local().Format(time.DateTime)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Handler, "handler", "", "agent currently holding the decision")
	cmd.Flags().StringVar(&f.ActorID, "actor", "", "agent that opened the escalation")
	cmd.Flags().StringVar(&f.UnitID, "unit", "", "unit id")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum escalations")
	return cmd
}

func printEscalation(esc domain.EscalationRequest) error {
	if viper.GetBool("json") {
		return printJSON(esc)
	}
	printKV([][2]any{
		{"id", esc.ID},
		{"action", esc.Action},
		{"unit", esc.UnitID},
		{"status", esc.Status},
		{"actor", esc.ActorID},
		{"handler", esc.CurrentHandler},
		{"reason", esc.Reason},
	})
	tw := newTable(table.Row{"Hop", "Target", "Status", "Decided By", "Note", "At"})
	for i, step := range esc.Chain {
		tw.AppendRow(table.Row{i + 1, step.Target, step.Status, step.DecidedBy, step.Note, step.Timestamp.Local().Format(time.DateTime)})
	}
	tw.Render()
	return nil
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
