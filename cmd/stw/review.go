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
	"steward/internal/engine/auth"
	"steward/internal/policy"
	"steward/internal/review"
)

func reviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Run changes through multi-reviewer approval",
		Long:  "A review request names its category and files; the category table decides the required reviewers. It merges only once every required reviewer approved and no veto-tier reviewer blocked.",
	}
	cmd.AddCommand(reviewCreateCmd())
	cmd.AddCommand(reviewListCmd())
	cmd.AddCommand(reviewShowCmd())
	cmd.AddCommand(reviewSubmitCmd())
	cmd.AddCommand(reviewMergeCmd())
	cmd.AddCommand(reviewCloseCmd())
	cmd.AddCommand(reviewReviewersCmd())
	return cmd
}

func reviewCreateCmd() *cobra.Command {
	var (
		in   review.CreateInput
		meta []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a review request authored by the actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := currentActor()
			if err != nil {
				return err
			}
			in.Author = actor
			if in.Metadata, err = parseMetadata(meta); err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), true, func(ctx context.Context, w *app.Workspace) error {
				req, err := w.Engine.CreateReview(ctx, in)
				if err != nil {
					return err
				}
				return printReview(req)
			})
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "title")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().StringVar(&in.Category, "category", "", "category; derived from --file when omitted")
	cmd.Flags().StringVar(&in.UnitID, "unit", "", "unit id")
	cmd.Flags().StringSliceVar(&in.Files, "file", nil, "changed file (repeatable)")
	cmd.Flags().StringSliceVar(&meta, "meta", nil, "metadata key=value (repeatable)")
	return cmd
}

func reviewListCmd() *cobra.Command {
	var (
		f                          review.ListFilter
		status, category, reviewer string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List review requests newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.ReviewStatus(strings.ToUpper(status))
			f.Reviewer = reviewer
			if category != "" {
				cat, err := policy.ParseCategory(category)
				if err != nil {
					return domain.Errorf(domain.CodeInvalidCategory, "%v", err)
				}
				f.Category = cat
			}
			return withWorkspace(cmd.Context(), true, func(ctx context.Context, w *app.Workspace) error {
				items, err := w.Engine.ListReviews(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Title", "Category", "Status", "Author", "Approved", "Updated"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.Title, r.Category, r.Status, r.Author.ID, approvedCount(r), r.UpdatedAt.Local().Format(time.DateTime)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&category, "category", "", "category filter")
	cmd.Flags().StringVar(&f.Author, "author", "", "author id")
	cmd.Flags().StringVar(&f.UnitID, "unit", "", "unit id")
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "requests where this agent holds a reviewer slot")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum requests")
	return cmd
}

func reviewShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a review request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), true, func(ctx context.Context, w *app.Workspace) error {
				req, err := w.Engine.GetReview(ctx, args[0])
				if err != nil {
					return err
				}
				return printReview(req)
			})
		},
	}
}

func reviewSubmitCmd() *cobra.Command {
	var decision, comments string
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Record the actor's decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := currentActor()
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), true, func(ctx context.Context, w *app.Workspace) error {
				req, err := w.Engine.SubmitReview(ctx, args[0], actor, domain.Decision(decision), comments)
				if err != nil {
					return err
				}
				return printReview(req)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "APPROVE, REQUEST_CHANGES or BLOCK")
	cmd.Flags().StringVar(&comments, "comments", "", "comments")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func reviewMergeCmd() *cobra.Command {
	var ac auth.AccessContext
	cmd := &cobra.Command{
		Use:   "merge <id>",
		Short: "Merge an approved review request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := currentActor()
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), true, func(ctx context.Context, w *app.Workspace) error {
				req, err := w.Engine.MergeReview(ctx, args[0], actor, ac)
				if err != nil {
					return err
				}
				return printReview(req)
			})
		},
	}
	cmd.Flags().BoolVar(&ac.HumanApproved, "human-approved", false, "a human approved the merge")
	cmd.Flags().StringSliceVar(&ac.Approvals, "approval", nil, "agent ids that signed off (repeatable)")
	cmd.Flags().StringVar(&ac.Environment, "env", "", "target environment")
	return cmd
}

func reviewCloseCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "close <id>",
		Short: "Close a review request without merging",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := currentActor()
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), true, func(ctx context.Context, w *app.Workspace) error {
				req, err := w.Engine.CloseReview(ctx, args[0], actor, reason)
				if err != nil {
					return err
				}
				return printReview(req)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the request is closed")
	return cmd
}

func reviewReviewersCmd() *cobra.Command {
	var (
		files []string
		unit  string
	)
	cmd := &cobra.Command{
		Use:   "reviewers [file...]",
		Short: "Derive categories and reviewers from changed files",
		RunE: func(cmd *cobra.Command, args []string) error {
			files = append(files, args...)
			return withWorkspace(cmd.Context(), false, func(ctx context.Context, w *app.Workspace) error {
				set, err := w.Engine.Reviews.DetermineReviewersForFiles(files, unit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(set)
				}
				cats := make([]string, len(set.Categories))
				for i, c := range set.Categories {
					cats[i] = string(c)
				}
				printKV([][2]any{
					{"categories", strings.Join(cats, ", ")},
					{"required", strings.Join(set.Required, ", ")},
					{"optional", strings.Join(set.Optional, ", ")},
				})
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&files, "file", nil, "changed file (repeatable)")
	cmd.Flags().StringVar(&unit, "unit", "", "unit id; adds its primary agent as optional reviewer")
	return cmd
}

func printReview(req domain.ReviewRequest) error {
	if viper.GetBool("json") {
		return printJSON(req)
	}
	rows := [][2]any{
		{"id", req.ID},
		{"title", req.Title},
		{"category", req.Category},
		{"author", req.Author.String()},
		{"status", req.Status},
		{"can merge", req.CanMerge},
	}
	if req.BlockedBy != nil {
		rows = append(rows, [2]any{"blocked by", fmt.Sprintf("%s: %s", req.BlockedBy.AgentID, req.BlockedBy.Reason)})
	}
	if req.CloseReason != "" {
		rows = append(rows, [2]any{"close reason", req.CloseReason})
	}
	printKV(rows)
	tw := newTable(table.Row{"Reviewer", "Slot", "Status", "Decision", "Comments"})
	for _, s := range req.RequiredReviewers {
		tw.AppendRow(table.Row{s.AgentID, "required", s.Status, s.Decision, s.Comments})
	}
	for _, s := range req.OptionalReviewers {
		tw.AppendRow(table.Row{s.AgentID, "optional", s.Status, s.Decision, s.Comments})
	}
	tw.Render()
	return nil
}

func approvedCount(r domain.ReviewRequest) string {
	n := 0
	for _, s := range r.RequiredReviewers {
		if s.Decision == domain.DecisionApprove {
			n++
		}
	}
	return fmt.Sprintf("%d/%d", n, len(r.RequiredReviewers))
}

func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("metadata %q is not key=value", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}
