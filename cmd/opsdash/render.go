package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/pitabwire/opsdash/internal/dashboard"
	"github.com/pitabwire/opsdash/internal/issue"
	"github.com/pitabwire/opsdash/model"
)

const (
	dateLayout = "Jan 2 15:04"
	noValue    = "—"
)

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func money(v float64) string {
	return "$" + strconv.FormatFloat(v, 'f', 2, 64)
}

func optionalMoney(v *float64) string {
	if v == nil {
		return noValue
	}
	return money(*v)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// renderDashboard prints the KPI summary, one row per issue and the pager.
func renderDashboard(w io.Writer, v dashboard.View) error {
	res := v.Result
	if res == nil {
		_, err := fmt.Fprintln(w, "no dashboard data")
		return err
	}

	tw := newTable(w)
	k := res.KPIs
	fmt.Fprintf(tw, "Orders with issues\t%g%%\n", k.IssuesPercentage)
	fmt.Fprintf(tw, "Revenue at risk\t%s\n", money(k.RevenueAtRisk))
	fmt.Fprintf(tw, "Chargebacks recovered/filed\t%d/%d\n", k.ChargebacksRecovered, k.ChargebacksFiled)
	fmt.Fprintf(tw, "Avg resolution time\t%gh\n", k.AvgResolutionHours)
	fmt.Fprintf(tw, "Total recovered\t%s\n", optionalMoney(k.TotalRecovered))
	fmt.Fprintf(tw, "Pending recovery\t%s\n", optionalMoney(k.PendingRecovery))
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(w)

	if len(res.Issues) == 0 {
		fmt.Fprintln(w, "No issues match the current filters.")
	} else {
		tw = newTable(w)
		fmt.Fprintln(tw, "ORDER\tSTORE\tPARTNER\tISSUE\tDETECTED\tCOST\tSTATUS\tAI")
		for _, is := range res.Issues {
			store := is.StoreID
			if s, ok := v.FilterOptions.StoreByID(is.StoreID); ok {
				store = s.Name
			}
			ai := ""
			if is.AIFlag {
				ai = "*"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				is.OrderID, store, is.DeliveryPartner, is.IssueType,
				is.DetectedAt.Format(dateLayout), money(is.EstimatedCost), is.Status, ai)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	p := res.Pagination
	fmt.Fprintf(w, "\nPage %d of %d (%d issues)", p.Page, p.TotalPages, p.TotalItems)
	if pages := v.Pages(); len(pages) > 1 {
		nums := make([]string, len(pages))
		for i, n := range pages {
			nums[i] = strconv.Itoa(n)
			if n == p.Page {
				nums[i] = "[" + nums[i] + "]"
			}
		}
		fmt.Fprintf(w, "  %s", strings.Join(nums, " "))
	}
	fmt.Fprintln(w)
	if res.LastUpdated != nil {
		fmt.Fprintf(w, "Last updated %s\n", res.LastUpdated.Format(dateLayout))
	}
	return nil
}

// renderIssue prints the detail of one issue with its insight and history.
func renderIssue(w io.Writer, v issue.View) error {
	d := v.Detail
	if d == nil {
		_, err := fmt.Fprintf(w, "issue %s is not loaded\n", v.OrderID)
		return err
	}
	is := d.Issue

	tw := newTable(w)
	fmt.Fprintf(tw, "Order\t%s\n", is.OrderID)
	fmt.Fprintf(tw, "Store\t%s, %s (%s)\n", d.Store.Name, d.Store.City, d.Store.StoreID)
	fmt.Fprintf(tw, "Partner\t%s\n", is.DeliveryPartner)
	fmt.Fprintf(tw, "Issue\t%s\n", is.IssueType)
	fmt.Fprintf(tw, "Detected\t%s\n", is.DetectedAt.Format(dateLayout))
	fmt.Fprintf(tw, "Estimated cost\t%s\n", money(is.EstimatedCost))
	fmt.Fprintf(tw, "Status\t%s\n", is.Status)
	fmt.Fprintf(tw, "AI flag\t%s\n", yesNo(is.AIFlag))
	if is.RecoveredAmount > 0 {
		fmt.Fprintf(tw, "Recovered\t%s\n", money(is.RecoveredAmount))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w, "\nInsight")
	if in := d.Insight; in != nil {
		tw = newTable(w)
		fmt.Fprintf(tw, "  Root cause\t%s\n", in.RootCause)
		fmt.Fprintf(tw, "  Confidence\t%.0f%%\n", in.ConfidenceScore*100)
		fmt.Fprintf(tw, "  Recommended\t%s\n", in.RecommendedAction)
		fmt.Fprintf(tw, "  Expected recovery\t%s\n", money(in.ExpectedRecovery))
		if err := tw.Flush(); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(w, "  none yet")
	}

	fmt.Fprintln(w, "\nResolution history")
	if len(d.ResolutionHistory) == 0 {
		fmt.Fprintln(w, "  none")
	} else {
		tw = newTable(w)
		fmt.Fprintln(tw, "  ACTION\tTAKEN\tOUTCOME")
		for _, r := range d.ResolutionHistory {
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", r.ActionTaken, r.TakenAt.Format(dateLayout), r.Outcome)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if v.SuccessMessage != "" {
		fmt.Fprintf(w, "\n%s\n", v.SuccessMessage)
	}
	if v.CanAct() {
		actions := make([]string, len(model.AllActions))
		for i, a := range model.AllActions {
			actions[i] = string(a)
		}
		fmt.Fprintf(w, "\nAvailable actions: %s\n", strings.Join(actions, ", "))
	}
	return nil
}
