package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pitabwire/opsdash/internal/issue"
	"github.com/pitabwire/opsdash/model"
)

func newIssueCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Inspect and resolve a single issue",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show <order-id>",
			Short: "Show an issue with its insight and resolution history",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runIssue(cmd, opts, args[0], nil)
			},
		},
		&cobra.Command{
			Use:   "analyze <order-id>",
			Short: "Request an AI insight for an issue",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runIssue(cmd, opts, args[0], func(c *issue.Controller) (func(issue.View) error, error) {
					return func(v issue.View) error { return v.AnalyzeErr }, c.HandleAnalyze()
				})
			},
		},
		&cobra.Command{
			Use:       "act <order-id> <file_chargeback|dismiss|escalate>",
			Short:     "Record a resolution action for an issue",
			Args:      cobra.ExactArgs(2),
			ValidArgs: []string{string(model.ActionFileChargeback), string(model.ActionDismiss), string(model.ActionEscalate)},
			RunE: func(cmd *cobra.Command, args []string) error {
				action, err := model.ParseActionType(args[1])
				if err != nil {
					return err
				}
				return runIssue(cmd, opts, args[0], func(c *issue.Controller) (func(issue.View) error, error) {
					return func(v issue.View) error { return v.ActionErr }, c.HandleAction(action)
				})
			},
		},
	)
	return cmd
}

// trigger starts an operation on a loaded controller. It returns how to read
// the operation's failure from the settled view, and the synchronous refusal
// if there was one.
type trigger func(*issue.Controller) (func(issue.View) error, error)

// runIssue loads orderID, optionally runs one operation against it once
// loaded and prints the settled view.
func runIssue(cmd *cobra.Command, opts *rootOptions, orderID string, op trigger) error {
	env, err := opts.operatorEnv()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	c := issue.New(env.client,
		issue.WithSuccessWindow(env.cfg.Detail.SuccessDisplayWindow),
		issue.WithLogger(env.logger),
	)
	defer c.Close()

	c.Load(orderID)
	if err := c.Wait(ctx); err != nil {
		return err
	}
	if v := c.View(); v.PageErr != nil {
		return v.PageErr
	}

	if op != nil {
		failure, refusal := op(c)
		if refusal != nil {
			return fmt.Errorf("%s: %w", orderID, refusal)
		}
		if err := c.Wait(ctx); err != nil {
			return err
		}
		if err := failure(c.View()); err != nil {
			return err
		}
	}
	return renderIssue(cmd.OutOrStdout(), c.View())
}
