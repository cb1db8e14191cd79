package model

import (
	"reflect"
	"testing"
)

func TestDashboardFilters_equalityKey(t *testing.T) {
	a := DashboardFilters{Status: "open"}
	b := DashboardFilters{Status: "open"}
	if a != b {
		t.Error("filters with identical fields should compare equal")
	}
	if a == (DashboardFilters{Status: "open", Partner: "GrubHub"}) {
		t.Error("filters with different fields should not compare equal")
	}
	if !(DashboardFilters{}).IsEmpty() {
		t.Error("zero filters should be empty")
	}
	if a.IsEmpty() {
		t.Error("constrained filters should not be empty")
	}
}

func TestPaginationInfo_Window(t *testing.T) {
	tests := []struct {
		name string
		p    PaginationInfo
		want []int
	}{
		{"few pages", PaginationInfo{Page: 2, TotalPages: 3}, []int{1, 2, 3}},
		{"near start", PaginationInfo{Page: 3, TotalPages: 10}, []int{1, 2, 3, 4, 5}},
		{"middle", PaginationInfo{Page: 6, TotalPages: 10}, []int{4, 5, 6, 7, 8}},
		{"near end", PaginationInfo{Page: 9, TotalPages: 10}, []int{6, 7, 8, 9, 10}},
		{"no pages", PaginationInfo{Page: 1, TotalPages: 0}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.Window(5); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Window(5) = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPaginationInfo_prevNext(t *testing.T) {
	p := PaginationInfo{Page: 1, TotalPages: 1}
	if p.HasPrev() || p.HasNext() {
		t.Errorf("single page: HasPrev=%v HasNext=%v, want false/false", p.HasPrev(), p.HasNext())
	}
	p = PaginationInfo{Page: 2, TotalPages: 3}
	if !p.HasPrev() || !p.HasNext() {
		t.Errorf("middle page: HasPrev=%v HasNext=%v, want true/true", p.HasPrev(), p.HasNext())
	}
}

func TestFilterOptions_StoreByID(t *testing.T) {
	opts := &FilterOptions{Stores: []Store{{StoreID: "S1", Name: "Downtown"}}}
	if s, ok := opts.StoreByID("S1"); !ok || s.Name != "Downtown" {
		t.Errorf("StoreByID(S1) = %+v, %v", s, ok)
	}
	if _, ok := opts.StoreByID("S9"); ok {
		t.Error("StoreByID(S9) should miss")
	}
	var none *FilterOptions
	if _, ok := none.StoreByID("S1"); ok {
		t.Error("nil options should miss")
	}
}
