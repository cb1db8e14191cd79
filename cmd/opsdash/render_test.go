package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/opsdash/internal/dashboard"
	"github.com/pitabwire/opsdash/internal/issue"
	"github.com/pitabwire/opsdash/model"
)

func ts(s string) model.Timestamp {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return model.NewTimestamp(t)
}

func TestRenderDashboard(t *testing.T) {
	recovered := 42.5
	updated := ts("2024-03-01T09:30:00Z")
	v := dashboard.View{
		Result: &model.DashboardResponse{
			KPIs: model.DashboardKPIs{
				IssuesPercentage:     4.2,
				RevenueAtRisk:        1234.5,
				ChargebacksFiled:     3,
				ChargebacksRecovered: 1,
				AvgResolutionHours:   18.5,
				TotalRecovered:       &recovered,
			},
			Issues: []model.OrderIssue{{
				OrderID:         "ORD-1",
				StoreID:         "S1",
				DeliveryPartner: "DoorDash",
				IssueType:       "missing_item",
				DetectedAt:      ts("2024-03-01T08:00:00Z"),
				EstimatedCost:   12,
				Status:          model.StatusOpen,
				AIFlag:          true,
			}},
			Pagination:  model.PaginationInfo{Page: 2, TotalPages: 4, TotalItems: 31},
			LastUpdated: &updated,
		},
		FilterOptions: &model.FilterOptions{Stores: []model.Store{{StoreID: "S1", Name: "Downtown Kitchen"}}},
	}

	var buf bytes.Buffer
	require.NoError(t, renderDashboard(&buf, v))
	out := buf.String()

	assert.Contains(t, out, "4.2%")
	assert.Contains(t, out, "$1234.50")
	assert.Contains(t, out, "1/3")
	assert.Contains(t, out, "$42.50")
	assert.Regexp(t, `Pending recovery +—`, out)
	assert.Contains(t, out, "Downtown Kitchen")
	assert.Contains(t, out, "Mar 1 08:00")
	assert.Contains(t, out, "Page 2 of 4 (31 issues)")
	assert.Contains(t, out, "[2]")
	assert.Contains(t, out, "Last updated Mar 1 09:30")
}

func TestRenderDashboard_unknownStoreFallsBackToID(t *testing.T) {
	v := dashboard.View{Result: &model.DashboardResponse{
		Issues:     []model.OrderIssue{{OrderID: "ORD-1", StoreID: "S9"}},
		Pagination: model.PaginationInfo{Page: 1, TotalPages: 1, TotalItems: 1},
	}}

	var buf bytes.Buffer
	require.NoError(t, renderDashboard(&buf, v))
	assert.Contains(t, buf.String(), "S9")
	assert.NotContains(t, buf.String(), "Last updated")
}

func TestRenderDashboard_noResult(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderDashboard(&buf, dashboard.View{}))
	assert.Equal(t, "no dashboard data\n", buf.String())
}

func TestRenderIssue(t *testing.T) {
	v := issue.View{
		OrderID: "ORD-7",
		Detail: &model.IssueDetail{
			Issue: model.OrderIssue{
				OrderID:         "ORD-7",
				DeliveryPartner: "UberEats",
				IssueType:       "late_delivery",
				EstimatedCost:   18,
				RecoveredAmount: 18,
				Status:          model.StatusResolved,
				DetectedAt:      ts("2024-03-01T08:00:00Z"),
			},
			Store: model.Store{StoreID: "S2", Name: "Harbor Grill", City: "Seattle"},
			Insight: &model.AIInsight{
				RootCause:         "Driver reassigned twice",
				ConfidenceScore:   0.87,
				RecommendedAction: "file_chargeback",
				ExpectedRecovery:  18,
			},
			ResolutionHistory: []model.ResolutionAction{{
				ActionTaken: model.ActionFileChargeback,
				TakenAt:     ts("2024-03-02T10:00:00Z"),
				Outcome:     model.OutcomeRecovered,
			}},
		},
		SuccessMessage: "Chargeback filed for ORD-7. Expected recovery: $18.00",
	}

	var buf bytes.Buffer
	require.NoError(t, renderIssue(&buf, v))
	out := buf.String()

	assert.Contains(t, out, "Harbor Grill, Seattle (S2)")
	assert.Contains(t, out, "Recovered")
	assert.Contains(t, out, "87%")
	assert.Contains(t, out, "Driver reassigned twice")
	assert.Contains(t, out, "Mar 2 10:00")
	assert.Contains(t, out, "recovered")
	assert.Contains(t, out, v.SuccessMessage)
	assert.NotContains(t, out, "Available actions")
}

func TestRenderIssue_notLoaded(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderIssue(&buf, issue.View{OrderID: "ORD-3"}))
	assert.Equal(t, "issue ORD-3 is not loaded\n", buf.String())
}
