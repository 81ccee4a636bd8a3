package events

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHistorySize is the number of events kept for audit queries.
const DefaultHistorySize = 10000

// Query limits.
const (
	DefaultQueryLimit = 50
	MaxQueryLimit     = 1000
)

// Sort keys.
const (
	SortByTimestamp = "timestamp"
	SortByType      = "eventType"
	SortByOrder     = "orderHash"
)

// TimeRange bounds a query, inclusive. Zero values are open.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t is inside the range.
func (r *TimeRange) Contains(t time.Time) bool {
	if r == nil {
		return true
	}
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && t.After(r.End) {
		return false
	}
	return true
}

// Query selects events from History.
type Query struct {
	EventTypes  []Type     `json:"eventTypes,omitempty"`
	OrderHashes []string   `json:"orderHashes,omitempty"`
	SwapIDs     []string   `json:"swapIds,omitempty"`
	Resolvers   []string   `json:"resolvers,omitempty"`
	ChainIDs    []string   `json:"chainIds,omitempty"`
	TimeRange   *TimeRange `json:"timeRange,omitempty"`
	SortBy      string     `json:"sortBy,omitempty"`
	SortOrder   string     `json:"sortOrder,omitempty"` // asc or desc (default)
	Offset      int        `json:"offset,omitempty"`
	Limit       int        `json:"limit,omitempty"`
}

// Page is a query result.
type Page struct {
	Events  []Event `json:"events"`
	Total   int     `json:"total"`
	Offset  int     `json:"offset"`
	Limit   int     `json:"limit"`
	HasMore bool    `json:"hasMore"`
}

// HistoryStats summarises retained history.
type HistoryStats struct {
	TotalEvents        int          `json:"totalEvents"`
	EventsByType       map[Type]int `json:"eventsByType"`
	LastHour           int          `json:"lastHour"`
	LastDay            int          `json:"lastDay"`
	LastWeek           int          `json:"lastWeek"`
	MostActiveOrder    string       `json:"mostActiveOrder"`
	MostActiveResolver string       `json:"mostActiveResolver"`
	ErrorCount         int          `json:"errorCount"`
	ErrorRateBps       int64        `json:"errorRateBps"`
}

// History is a bounded audit store fed synchronously by the bus.
type History struct {
	mu     sync.RWMutex
	events []Event
	max    int
	now    func() time.Time
}

// NewHistory creates a history store keeping at most max events.
func NewHistory(max int) *History {
	if max <= 0 {
		max = DefaultHistorySize
	}
	return &History{max: max, now: time.Now}
}

// Record implements Recorder.
func (h *History) Record(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	if over := len(h.events) - h.max; over > 0 {
		// Compact so the backing array stays bounded.
		kept := make([]Event, h.max, h.max+h.max/4)
		copy(kept, h.events[over:])
		h.events = kept
	}
}

// Len returns the number of retained events.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.events)
}

// Get returns an event by id.
func (h *History) Get(id string) (Event, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for i := len(h.events) - 1; i >= 0; i-- {
		if h.events[i].ID == id {
			return h.events[i], true
		}
	}
	return Event{}, false
}

// Matches reports whether ev passes every populated filter of q.
func (q *Query) Matches(ev *Event) bool {
	if len(q.EventTypes) > 0 && !containsType(q.EventTypes, ev.Type) {
		return false
	}
	if len(q.OrderHashes) > 0 && !containsFold(q.OrderHashes, ev.Metadata.OrderHash) {
		return false
	}
	if len(q.SwapIDs) > 0 && !containsFold(q.SwapIDs, ev.Metadata.SwapID) {
		return false
	}
	if len(q.Resolvers) > 0 && !containsFold(q.Resolvers, ev.Metadata.Resolver) {
		return false
	}
	if len(q.ChainIDs) > 0 && !containsFold(q.ChainIDs, ev.Metadata.ChainID) {
		return false
	}
	return q.TimeRange.Contains(ev.Timestamp)
}

// Query returns a page of matching events.
func (h *History) Query(q Query) Page {
	h.mu.RLock()
	matched := make([]Event, 0, 64)
	for i := range h.events {
		if q.Matches(&h.events[i]) {
			matched = append(matched, h.events[i])
		}
	}
	h.mu.RUnlock()

	sortEvents(matched, q.SortBy, q.SortOrder)

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	page := Page{Total: len(matched), Offset: offset, Limit: limit, Events: []Event{}}
	if offset < len(matched) {
		end := offset + limit
		if end > len(matched) {
			end = len(matched)
		}
		page.Events = matched[offset:end]
		page.HasMore = end < len(matched)
	}
	return page
}

// sortEvents orders events. Ties keep sequence order.
func sortEvents(evs []Event, by, order string) {
	asc := strings.EqualFold(order, "asc")
	less := func(a, b *Event) int {
		switch by {
		case SortByType:
			return strings.Compare(string(a.Type), string(b.Type))
		case SortByOrder:
			return strings.Compare(a.Metadata.OrderHash, b.Metadata.OrderHash)
		default:
			return a.Timestamp.Compare(b.Timestamp)
		}
	}
	sort.SliceStable(evs, func(i, j int) bool {
		c := less(&evs[i], &evs[j])
		if c == 0 {
			if asc {
				return evs[i].Seq < evs[j].Seq
			}
			return evs[i].Seq > evs[j].Seq
		}
		if asc {
			return c < 0
		}
		return c > 0
	})
}

// ByOrder returns the newest events of an order.
func (h *History) ByOrder(orderHash string, limit int) []Event {
	return h.Query(Query{OrderHashes: []string{orderHash}, Limit: limit}).Events
}

// ByResolver returns the newest events of a resolver.
func (h *History) ByResolver(resolver string, limit int) []Event {
	return h.Query(Query{Resolvers: []string{resolver}, Limit: limit}).Events
}

// ByType returns the newest events of a type.
func (h *History) ByType(t Type, limit int) []Event {
	return h.Query(Query{EventTypes: []Type{t}, Limit: limit}).Events
}

// Timeline returns every retained event of an order, oldest first.
func (h *History) Timeline(orderHash string) []Event {
	return h.Query(Query{OrderHashes: []string{orderHash}, SortOrder: "asc", Limit: MaxQueryLimit}).Events
}

// Search returns events whose type, routing keys or payload contain term.
func (h *History) Search(term string, limit int) []Event {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	term = strings.ToLower(term)
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []Event
	for i := len(h.events) - 1; i >= 0 && len(out) < limit; i-- {
		ev := &h.events[i]
		if strings.Contains(string(ev.Type), term) ||
			strings.Contains(strings.ToLower(ev.Metadata.OrderHash), term) ||
			strings.Contains(strings.ToLower(ev.Metadata.SwapID), term) ||
			strings.Contains(strings.ToLower(ev.Metadata.Resolver), term) ||
			strings.Contains(strings.ToLower(string(ev.Data)), term) {
			out = append(out, *ev)
		}
	}
	return out
}

// Stats summarises retained history.
func (h *History) Stats() HistoryStats {
	now := h.now()
	h.mu.RLock()
	defer h.mu.RUnlock()

	st := HistoryStats{TotalEvents: len(h.events), EventsByType: make(map[Type]int)}
	orders := make(map[string]int)
	resolvers := make(map[string]int)
	for i := range h.events {
		ev := &h.events[i]
		st.EventsByType[ev.Type]++
		if ev.Metadata.OrderHash != "" {
			orders[ev.Metadata.OrderHash]++
		}
		if ev.Metadata.Resolver != "" {
			resolvers[ev.Metadata.Resolver]++
		}
		if ev.IsError() {
			st.ErrorCount++
		}
		age := now.Sub(ev.Timestamp)
		if age <= time.Hour {
			st.LastHour++
		}
		if age <= 24*time.Hour {
			st.LastDay++
		}
		if age <= 7*24*time.Hour {
			st.LastWeek++
		}
	}
	st.MostActiveOrder = busiest(orders)
	st.MostActiveResolver = busiest(resolvers)
	if st.TotalEvents > 0 {
		st.ErrorRateBps = int64(st.ErrorCount) * 10000 / int64(st.TotalEvents)
	}
	return st
}

// Export encodes matching events as "json" or "csv".
func (h *History) Export(q Query, format string) ([]byte, error) {
	q.Offset = 0
	if q.Limit <= 0 {
		q.Limit = MaxQueryLimit
	}
	if q.SortOrder == "" {
		q.SortOrder = "asc"
	}
	evs := h.Query(q).Events

	switch strings.ToLower(format) {
	case "", "json":
		return json.MarshalIndent(evs, "", "  ")
	case "csv":
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		_ = w.Write([]string{"eventId", "seq", "eventType", "timestamp", "orderHash", "swapId", "resolver", "chainId", "data"})
		for _, ev := range evs {
			_ = w.Write([]string{
				ev.ID,
				strconv.FormatUint(ev.Seq, 10),
				string(ev.Type),
				ev.Timestamp.Format(time.RFC3339Nano),
				ev.Metadata.OrderHash,
				ev.Metadata.SwapID,
				ev.Metadata.Resolver,
				ev.Metadata.ChainID,
				string(ev.Data),
			})
		}
		w.Flush()
		return buf.Bytes(), w.Error()
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}

// ClearOlderThan drops events older than age and returns how many were removed.
func (h *History) ClearOlderThan(age time.Duration) int {
	cutoff := h.now().Add(-age)
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.events[:0]
	for _, ev := range h.events {
		if !ev.Timestamp.Before(cutoff) {
			kept = append(kept, ev)
		}
	}
	removed := len(h.events) - len(kept)
	h.events = kept
	return removed
}

func busiest(counts map[string]int) string {
	best, bestN := "", 0
	for k, n := range counts {
		if n > bestN || (n == bestN && k < best) {
			best, bestN = k, n
		}
	}
	return best
}

func containsType(list []Type, t Type) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}

func containsFold(list []string, s string) bool {
	if s == "" {
		return false
	}
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
