// Package subscription fans bus events out to connected clients.
//
// Each client holds at most one subscription. Matching events are queued
// with a priority, drained highest first in per-client batches through a
// Transport, retried on failure up to the subscription's retry budget and
// optionally held until the client acknowledges them.
package subscription

import (
	"strings"
	"time"

	"github.com/klingon-exchange/bridge-relay/internal/apperr"
	"github.com/klingon-exchange/bridge-relay/internal/events"
)

// Errors.
var (
	ErrClientNotFound       = apperr.New(apperr.KindNotFound, "client not found")
	ErrClientExists         = apperr.New(apperr.KindValidation, "client already registered")
	ErrSubscriptionNotFound = apperr.New(apperr.KindNotFound, "subscription not found")
	ErrInvalidSubscription  = apperr.New(apperr.KindValidation, "invalid subscription")
	ErrQuotaExceeded        = apperr.New(apperr.KindCapacity, "client quota exceeded")
	ErrBufferFull           = apperr.New(apperr.KindCapacity, "client delivery buffer full")
)

// Priority is a subscription's delivery class.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Weight is the base queue priority of the class.
func (p Priority) Weight() int {
	switch p {
	case PriorityUrgent:
		return 100
	case PriorityHigh:
		return 75
	case PriorityLow:
		return 25
	default:
		return 50
	}
}

// ParsePriority parses a priority name. Empty means medium.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(s)); p {
	case "":
		return PriorityMedium, nil
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return p, nil
	}
	return "", apperr.Validationf("unknown priority %q", s)
}

const urgentBonus = 50

func typeWeight(t events.Type) int {
	switch t {
	case events.OrderCreated:
		return 10
	case events.OrderFilled, events.OrderFilledPartially:
		return 20
	case events.GasUpdate:
		return 5
	}
	return 0
}

// priorityOf scores an event for a subscription.
func priorityOf(ev *events.Event, p Priority) int {
	score := p.Weight() + typeWeight(ev.Type)
	if ev.Metadata.Urgent {
		score += urgentBonus
	}
	return score
}

// Filters are structural predicates on the event envelope. An event is
// routed only when every populated filter matches; an event that lacks a
// filtered field does not match.
type Filters struct {
	OrderHashes []string          `json:"orderHashes,omitempty"`
	SwapIDs     []string          `json:"swapIds,omitempty"`
	Resolvers   []string          `json:"resolvers,omitempty"`
	ChainIDs    []string          `json:"chainIds,omitempty"`
	TimeRange   *events.TimeRange `json:"timeRange,omitempty"`
	UrgentOnly  bool              `json:"urgentOnly,omitempty"`
}

// Match reports whether ev passes every populated filter.
func (f *Filters) Match(ev *events.Event) bool {
	if f == nil {
		return true
	}
	if len(f.OrderHashes) > 0 && !hasFold(f.OrderHashes, ev.Metadata.OrderHash) {
		return false
	}
	if len(f.SwapIDs) > 0 && !hasFold(f.SwapIDs, ev.Metadata.SwapID) {
		return false
	}
	if len(f.Resolvers) > 0 && !hasFold(f.Resolvers, ev.Metadata.Resolver) {
		return false
	}
	if len(f.ChainIDs) > 0 && !hasFold(f.ChainIDs, ev.Metadata.ChainID) {
		return false
	}
	if !f.TimeRange.Contains(ev.Timestamp) {
		return false
	}
	if f.UrgentOnly && !ev.Metadata.Urgent {
		return false
	}
	return true
}

// merge overlays the populated fields of patch.
func (f Filters) merge(patch *Filters) Filters {
	if patch == nil {
		return f
	}
	if patch.OrderHashes != nil {
		f.OrderHashes = patch.OrderHashes
	}
	if patch.SwapIDs != nil {
		f.SwapIDs = patch.SwapIDs
	}
	if patch.Resolvers != nil {
		f.Resolvers = patch.Resolvers
	}
	if patch.ChainIDs != nil {
		f.ChainIDs = patch.ChainIDs
	}
	if patch.TimeRange != nil {
		f.TimeRange = patch.TimeRange
	}
	f.UrgentOnly = patch.UrgentOnly
	return f
}

func hasFold(list []string, v string) bool {
	if v == "" {
		return false
	}
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// DeliveryConfig controls how a subscription is served.
type DeliveryConfig struct {
	BatchSize   int           `json:"batchSize"`
	MaxRetries  int           `json:"maxRetries"`
	RetryDelay  time.Duration `json:"retryDelay"`
	AckRequired bool          `json:"ackRequired"`
	AckTimeout  time.Duration `json:"ackTimeout"`
	MaxBuffer   int           `json:"maxBuffer"`
}

// DeliveryPatch overrides parts of a DeliveryConfig. Zero fields keep the
// current value.
type DeliveryPatch struct {
	BatchSize    int   `json:"batchSize,omitempty"`
	MaxRetries   *int  `json:"maxRetries,omitempty"`
	RetryDelayMs int64 `json:"retryDelayMs,omitempty"`
	AckRequired  *bool `json:"ackRequired,omitempty"`
	AckTimeoutMs int64 `json:"ackTimeoutMs,omitempty"`
	MaxBuffer    int   `json:"maxBuffer,omitempty"`
}

func (d DeliveryConfig) apply(p *DeliveryPatch) DeliveryConfig {
	if p == nil {
		return d
	}
	if p.BatchSize > 0 {
		d.BatchSize = p.BatchSize
	}
	if p.MaxRetries != nil && *p.MaxRetries >= 0 {
		d.MaxRetries = *p.MaxRetries
	}
	if p.RetryDelayMs > 0 {
		d.RetryDelay = time.Duration(p.RetryDelayMs) * time.Millisecond
	}
	if p.AckRequired != nil {
		d.AckRequired = *p.AckRequired
	}
	if p.AckTimeoutMs > 0 {
		d.AckTimeout = time.Duration(p.AckTimeoutMs) * time.Millisecond
	}
	if p.MaxBuffer > 0 {
		d.MaxBuffer = p.MaxBuffer
	}
	return d
}

// Statistics are per-subscription delivery counters.
type Statistics struct {
	TotalEvents      uint64                 `json:"totalEvents"`
	EventsByType     map[events.Type]uint64 `json:"eventsByType"`
	MessagesQueued   uint64                 `json:"messagesQueued"`
	DeliverySuccess  uint64                 `json:"deliverySuccess"`
	DeliveryFailures uint64                 `json:"deliveryFailures"`
	Retries          uint64                 `json:"retries"`
	Refused          uint64                 `json:"refused"`
	BytesTransferred int64                  `json:"bytesTransferred"`
	AverageLatencyMs int64                  `json:"averageLatencyMs"`
	LastDelivery     int64                  `json:"lastDelivery,omitempty"`
}

// Quota is a client's usage in the current window.
type Quota struct {
	EventsReceived int       `json:"eventsReceived"`
	BandwidthUsed  int64     `json:"bandwidthUsed"`
	ResetAt        time.Time `json:"resetAt"`
	Exceeded       bool      `json:"quotaExceeded"`
}

// ClientInfo describes a connecting client.
type ClientInfo struct {
	ID             string `json:"id"`
	ConnectionType string `json:"connectionType"`
	UserAgent      string `json:"userAgent,omitempty"`
	RemoteAddr     string `json:"remoteAddr,omitempty"`
}

// Client is a registered client.
type Client struct {
	ClientInfo
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	Quota        Quota     `json:"quota"`
	Subscription string    `json:"subscriptionId,omitempty"`
}

// Subscription is one client's filtered view of the bus.
type Subscription struct {
	ID         string                   `json:"id"`
	ClientID   string                   `json:"clientId"`
	EventTypes map[events.Type]struct{} `json:"-"`
	Filters    Filters                  `json:"filters"`
	Priority   Priority                 `json:"priority"`
	Delivery   DeliveryConfig           `json:"deliveryConfig"`
	Active     bool                     `json:"isActive"`
	CreatedAt  time.Time                `json:"createdAt"`
	UpdatedAt  time.Time                `json:"updatedAt"`
	Stats      Statistics               `json:"statistics"`

	latencyTotal time.Duration
	latencyCount int64
}

// wants reports whether the subscription routes ev.
func (s *Subscription) wants(ev *events.Event) bool {
	if !s.Active {
		return false
	}
	if _, ok := s.EventTypes[ev.Type]; !ok {
		return false
	}
	return s.Filters.Match(ev)
}

// View is a copy safe to hand out.
type View struct {
	ID         string         `json:"id"`
	ClientID   string         `json:"clientId"`
	EventTypes []events.Type  `json:"eventTypes"`
	Filters    Filters        `json:"filters"`
	Priority   Priority       `json:"priority"`
	Delivery   DeliveryConfig `json:"deliveryConfig"`
	Active     bool           `json:"isActive"`
	CreatedAt  int64          `json:"createdAt"`
	UpdatedAt  int64          `json:"updatedAt"`
	Stats      Statistics     `json:"statistics"`
}

func (s *Subscription) view() *View {
	v := &View{
		ID:        s.ID,
		ClientID:  s.ClientID,
		Filters:   s.Filters,
		Priority:  s.Priority,
		Delivery:  s.Delivery,
		Active:    s.Active,
		CreatedAt: s.CreatedAt.UnixMilli(),
		UpdatedAt: s.UpdatedAt.UnixMilli(),
		Stats:     s.Stats,
	}
	v.Stats.EventsByType = make(map[events.Type]uint64, len(s.Stats.EventsByType))
	for k, n := range s.Stats.EventsByType {
		v.Stats.EventsByType[k] = n
	}
	for _, t := range events.AllTypes() {
		if _, ok := s.EventTypes[t]; ok {
			v.EventTypes = append(v.EventTypes, t)
		}
	}
	return v
}

// Request creates or updates a subscription.
type Request struct {
	ClientID   string         `json:"clientId"`
	EventTypes []events.Type  `json:"eventTypes,omitempty"`
	Filters    *Filters       `json:"filters,omitempty"`
	Priority   string         `json:"priority,omitempty"`
	Delivery   *DeliveryPatch `json:"deliveryConfig,omitempty"`
}

// Delivery is one event handed to a Transport. Clients acknowledge by ID
// when the subscription requires it.
type Delivery struct {
	ID       string       `json:"deliveryId"`
	Priority int          `json:"priority"`
	Attempt  int          `json:"attempt"`
	Event    events.Event `json:"event"`
}

// Stats summarises the manager.
type Stats struct {
	TotalClients        int                 `json:"totalClients"`
	TotalSubscriptions  int                 `json:"totalSubscriptions"`
	ActiveSubscriptions int                 `json:"activeSubscriptions"`
	SubscribedByType    map[events.Type]int `json:"subscribedByType"`
	QueueDepth          int                 `json:"queueSize"`
	PendingAcks         int                 `json:"pendingAcks"`
	Delivered           uint64              `json:"delivered"`
	Failed              uint64              `json:"failed"`
	Retried             uint64              `json:"retried"`
	Refused             uint64              `json:"refused"`
	AverageLatencyMs    int64               `json:"averageLatencyMs"`
}
