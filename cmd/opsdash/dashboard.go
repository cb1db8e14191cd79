package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/pitabwire/opsdash/internal/dashboard"
	"github.com/pitabwire/opsdash/model"
)

func newDashboardCmd(opts *rootOptions) *cobra.Command {
	var (
		filters model.DashboardFilters
		page    int
	)

	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Show KPIs and one page of issues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if page < 1 {
				return errors.New("--page must be at least 1")
			}
			env, err := opts.operatorEnv()
			if err != nil {
				return err
			}

			c := dashboard.New(cmd.Context(), env.client,
				dashboard.WithPerPage(env.cfg.Dashboard.PerPage),
				dashboard.WithQuery(filters, page),
				dashboard.WithLogger(env.logger),
			)
			defer c.Close()

			if err := c.Wait(cmd.Context()); err != nil {
				return err
			}
			v := c.View()
			if v.Err != nil {
				return v.Err
			}
			return renderDashboard(cmd.OutOrStdout(), v)
		},
	}

	f := cmd.Flags()
	f.StringVar(&filters.StoreID, "store", "", "only issues for this store id")
	f.StringVar(&filters.Partner, "partner", "", "only issues carried by this delivery partner")
	f.StringVar(&filters.IssueType, "issue-type", "", "only issues of this type")
	f.StringVar(&filters.Status, "status", "", "only issues in this status")
	f.IntVar(&page, "page", 1, "page to show")
	return cmd
}
