package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
)

func seedHistory(t *testing.T, base time.Time) *History {
	t.Helper()
	h := NewHistory(100)
	h.now = func() time.Time { return base }
	items := []struct {
		typ      Type
		order    string
		resolver string
		chainID  string
		age      time.Duration
	}{
		{OrderCreated, "0xa", "", "ethereum", 10 * 24 * time.Hour},
		{OrderFilledPartially, "0xa", "r1", "ethereum", 2 * time.Hour},
		{OrderFilledPartially, "0xa", "r2", "ethereum", 30 * time.Minute},
		{OrderCreated, "0xb", "", "stellar", 20 * time.Minute},
		{OrderInvalid, "0xb", "", "stellar", 10 * time.Minute},
		{OrderFilledPartially, "0xb", "r1", "stellar", time.Minute},
	}
	for i, it := range items {
		h.Record(Event{
			ID:        fmt.Sprintf("e%d", i),
			Seq:       uint64(i + 1),
			Type:      it.typ,
			Timestamp: base.Add(-it.age),
			Data:      json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
			Metadata:  Metadata{OrderHash: it.order, Resolver: it.resolver, ChainID: it.chainID},
		})
	}
	return h
}

func TestHistoryQuery(t *testing.T) {
	base := time.Unix(1_700_000_000, 0).UTC()
	h := seedHistory(t, base)

	tests := []struct {
		name    string
		q       Query
		wantIDs []string
		total   int
	}{
		{"default newest first", Query{Limit: 2}, []string{"e5", "e4"}, 6},
		{"by order", Query{OrderHashes: []string{"0xA"}, SortOrder: "asc"}, []string{"e0", "e1", "e2"}, 3},
		{"by type and resolver", Query{EventTypes: []Type{OrderFilledPartially}, Resolvers: []string{"r1"}}, []string{"e5", "e1"}, 2},
		{"by chain", Query{ChainIDs: []string{"stellar"}, Offset: 1, Limit: 1}, []string{"e4"}, 3},
		{"time range", Query{TimeRange: &TimeRange{Start: base.Add(-time.Hour), End: base.Add(-15 * time.Minute)}}, []string{"e3", "e2"}, 2},
		{"offset past end", Query{Offset: 10}, nil, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := h.Query(tt.q)
			if page.Total != tt.total {
				t.Errorf("total = %d, want %d", page.Total, tt.total)
			}
			if len(page.Events) != len(tt.wantIDs) {
				t.Fatalf("got %d events, want %d", len(page.Events), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if page.Events[i].ID != id {
					t.Errorf("events[%d] = %s, want %s", i, page.Events[i].ID, id)
				}
			}
		})
	}
}

func TestHistoryCap(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 10; i++ {
		h.Record(Event{ID: fmt.Sprintf("e%d", i), Seq: uint64(i)})
	}
	if h.Len() != 3 {
		t.Fatalf("expected 3 retained, got %d", h.Len())
	}
	if _, ok := h.Get("e6"); ok {
		t.Error("e6 should have been evicted")
	}
	if _, ok := h.Get("e9"); !ok {
		t.Error("e9 should be retained")
	}
}

func TestHistoryStats(t *testing.T) {
	base := time.Unix(1_700_000_000, 0).UTC()
	h := seedHistory(t, base)
	st := h.Stats()

	if st.TotalEvents != 6 || st.EventsByType[OrderFilledPartially] != 3 {
		t.Errorf("unexpected counts %+v", st)
	}
	if st.LastHour != 4 || st.LastDay != 5 || st.LastWeek != 5 {
		t.Errorf("time buckets %d/%d/%d", st.LastHour, st.LastDay, st.LastWeek)
	}
	if st.MostActiveOrder != "0xa" || st.MostActiveResolver != "r1" {
		t.Errorf("most active %s/%s", st.MostActiveOrder, st.MostActiveResolver)
	}
	if st.ErrorCount != 1 || st.ErrorRateBps != 1666 {
		t.Errorf("error rate %d bps from %d", st.ErrorRateBps, st.ErrorCount)
	}
}

func TestHistoryExport(t *testing.T) {
	h := seedHistory(t, time.Unix(1_700_000_000, 0).UTC())

	data, err := h.Export(Query{OrderHashes: []string{"0xb"}}, "json")
	if err != nil {
		t.Fatalf("Export json: %v", err)
	}
	var evs []Event
	if err := json.Unmarshal(data, &evs); err != nil || len(evs) != 3 || evs[0].ID != "e3" {
		t.Errorf("json export = %d events, err %v", len(evs), err)
	}

	data, err = h.Export(Query{}, "csv")
	if err != nil {
		t.Fatalf("Export csv: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 7 || !strings.HasPrefix(lines[0], "eventId,seq,eventType") {
		t.Errorf("csv export has %d lines", len(lines))
	}

	if _, err := h.Export(Query{}, "xml"); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestHistorySearchAndClear(t *testing.T) {
	base := time.Unix(1_700_000_000, 0).UTC()
	h := seedHistory(t, base)

	if got := h.Search("invalid", 10); len(got) != 1 || got[0].ID != "e4" {
		t.Errorf("Search = %+v", got)
	}
	if removed := h.ClearOlderThan(24 * time.Hour); removed != 1 {
		t.Errorf("ClearOlderThan removed %d", removed)
	}
	if tl := h.Timeline("0xa"); len(tl) != 2 || tl[0].ID != "e1" {
		t.Errorf("Timeline = %d events", len(tl))
	}
}
