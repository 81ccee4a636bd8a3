package subscription

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/klingon-exchange/bridge-relay/internal/events"
	"github.com/klingon-exchange/bridge-relay/internal/worker"
	"github.com/klingon-exchange/bridge-relay/pkg/logging"
)

// Defaults for Config.
const (
	DefaultBatchSize       = 10
	DefaultBatchTimeout    = time.Second
	DefaultMaxRetries      = 3
	DefaultRetryDelay      = time.Second
	DefaultAckTimeout      = 5 * time.Second
	DefaultMaxBuffer       = 1000
	DefaultQuotaWindow     = time.Minute
	DefaultQuotaEvents     = 1000
	DefaultQuotaBytes      = 10 << 20
	DefaultIdleTimeout     = 5 * time.Minute
	DefaultCleanupInterval = 30 * time.Second
	DefaultSendTimeout     = 5 * time.Second
)

// Transport pushes a batch to one client. A returned error fails the whole
// batch.
type Transport interface {
	Deliver(ctx context.Context, clientID string, batch []Delivery) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, clientID string, batch []Delivery) error

// Deliver implements Transport.
func (f TransportFunc) Deliver(ctx context.Context, clientID string, batch []Delivery) error {
	return f(ctx, clientID, batch)
}

// Config holds configuration for the Manager.
type Config struct {
	Bus       *events.Bus
	Transport Transport

	BatchSize       int
	BatchTimeout    time.Duration
	MaxRetries      int
	RetryDelay      time.Duration
	AckTimeout      time.Duration
	MaxBuffer       int
	QuotaWindow     time.Duration
	QuotaEvents     int
	QuotaBytes      int64
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
	SendTimeout     time.Duration

	Observer worker.Observer
	Now      func() time.Time
}

// Manager owns clients, subscriptions and the delivery queue.
type Manager struct {
	mu       sync.Mutex
	clients  map[string]*Client
	subs     map[string]*Subscription
	q        queue
	buffered map[string]int
	inflight map[string]*queued
	seq      uint64

	delivered uint64
	failed    uint64
	retried   uint64
	refused   uint64

	bus         *events.Bus
	transport   Transport
	defaults    DeliveryConfig
	batchTick   time.Duration
	quotaEvents int
	quotaBytes  int64
	idleTimeout time.Duration
	sendTimeout time.Duration
	now         func() time.Time
	log         *logging.Logger

	tasks worker.Group
	wake  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	busSub *events.Subscription
}

// NewManager creates a subscription manager.
func NewManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = &Config{}
	}
	orInt := func(v, def int) int {
		if v <= 0 {
			return def
		}
		return v
	}
	orDur := func(v, def time.Duration) time.Duration {
		if v <= 0 {
			return def
		}
		return v
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		clients:   make(map[string]*Client),
		subs:      make(map[string]*Subscription),
		buffered:  make(map[string]int),
		inflight:  make(map[string]*queued),
		bus:       cfg.Bus,
		transport: cfg.Transport,
		defaults: DeliveryConfig{
			BatchSize:  orInt(cfg.BatchSize, DefaultBatchSize),
			MaxRetries: orInt(cfg.MaxRetries, DefaultMaxRetries),
			RetryDelay: orDur(cfg.RetryDelay, DefaultRetryDelay),
			AckTimeout: orDur(cfg.AckTimeout, DefaultAckTimeout),
			MaxBuffer:  orInt(cfg.MaxBuffer, DefaultMaxBuffer),
		},
		batchTick:   orDur(cfg.BatchTimeout, DefaultBatchTimeout),
		quotaEvents: orInt(cfg.QuotaEvents, DefaultQuotaEvents),
		quotaBytes:  cfg.QuotaBytes,
		idleTimeout: orDur(cfg.IdleTimeout, DefaultIdleTimeout),
		sendTimeout: orDur(cfg.SendTimeout, DefaultSendTimeout),
		now:         cfg.Now,
		log:         logging.GetDefault().Component("subscriptions"),
		wake:        make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
	if m.quotaBytes <= 0 {
		m.quotaBytes = DefaultQuotaBytes
	}
	if m.now == nil {
		m.now = time.Now
	}

	m.tasks.Add(worker.New(&worker.Config{
		Name:     "subscription_quota_reset",
		Interval: orDur(cfg.QuotaWindow, DefaultQuotaWindow),
		Fn:       m.ResetQuotas,
		Observer: cfg.Observer,
	}))
	m.tasks.Add(worker.New(&worker.Config{
		Name:     "subscription_cleanup",
		Interval: orDur(cfg.CleanupInterval, DefaultCleanupInterval),
		Fn:       m.Cleanup,
		Observer: cfg.Observer,
	}))
	return m
}

// SetTransport replaces the delivery transport. It must be called before Start.
func (m *Manager) SetTransport(t Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transport = t
}

// Start begins routing bus events and delivering batches.
func (m *Manager) Start() {
	if m.bus != nil {
		m.busSub = m.bus.Subscribe("subscriptions", 1024)
		m.wg.Add(1)
		go m.routeLoop(m.busSub)
	}
	m.wg.Add(1)
	go m.deliveryLoop()
	m.tasks.Start()
	m.log.Info("Subscription manager started", "batch_size", m.defaults.BatchSize, "max_retries", m.defaults.MaxRetries)
}

// Stop stops routing and delivery. Queued items are kept in memory only.
func (m *Manager) Stop() {
	m.cancel()
	if m.busSub != nil {
		m.busSub.Close()
	}
	m.wg.Wait()
	m.tasks.Stop()
	m.log.Info("Subscription manager stopped")
}

// TaskStats returns the periodic task counters.
func (m *Manager) TaskStats() []worker.Stats { return m.tasks.Stats() }

func (m *Manager) routeLoop(sub *events.Subscription) {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			m.Route(ev)
		}
	}
}

func (m *Manager) deliveryLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.batchTick)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.wake:
		case <-ticker.C:
			m.expireAcks()
		}
		for m.ctx.Err() == nil && m.Flush(m.ctx) > 0 {
		}
	}
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// RegisterClient registers a connected client. An empty id is generated.
func (m *Manager) RegisterClient(info ClientInfo) (string, error) {
	if info.ID == "" {
		info.ID = uuid.New().String()
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[info.ID]; ok {
		return "", fmt.Errorf("%w: %s", ErrClientExists, info.ID)
	}
	m.clients[info.ID] = &Client{
		ClientInfo:   info,
		ConnectedAt:  now,
		LastActivity: now,
		Quota:        Quota{ResetAt: now},
	}
	m.log.Debug("Client registered", "client_id", info.ID, "type", info.ConnectionType)
	return info.ID, nil
}

// UnregisterClient removes a client, its subscription and its queued
// deliveries. It reports whether the client existed.
func (m *Manager) UnregisterClient(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	if !ok {
		return false
	}
	if c.Subscription != "" {
		m.cancelLocked(c)
	}
	delete(m.clients, id)
	m.log.Debug("Client unregistered", "client_id", id)
	return true
}

// Touch records client activity.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[id]; ok {
		c.LastActivity = m.now()
	}
}

// Client returns a copy of a registered client.
func (m *Manager) Client(id string) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	if !ok {
		return nil, ErrClientNotFound
	}
	cp := *c
	return &cp, nil
}

// Clients returns every registered client ordered by connection time.
func (m *Manager) Clients() []Client {
	m.mu.Lock()
	out := make([]Client, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, *c)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

func parseTypes(list []events.Type) (map[events.Type]struct{}, error) {
	out := make(map[events.Type]struct{}, len(list))
	for _, t := range list {
		if !t.IsValid() {
			return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidSubscription, t)
		}
		out[t] = struct{}{}
	}
	return out, nil
}

// CreateSubscription replaces the client's subscription. Without event
// types the subscription receives order_created only.
func (m *Manager) CreateSubscription(req *Request) (*View, error) {
	if req == nil || req.ClientID == "" {
		return nil, fmt.Errorf("%w: clientId required", ErrInvalidSubscription)
	}
	list := req.EventTypes
	if len(list) == 0 {
		list = []events.Type{events.OrderCreated}
	}
	types, err := parseTypes(list)
	if err != nil {
		return nil, err
	}
	prio, err := ParsePriority(req.Priority)
	if err != nil {
		return nil, err
	}
	filters := Filters{}.merge(req.Filters)

	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[req.ClientID]
	if !ok {
		return nil, ErrClientNotFound
	}
	if c.Subscription != "" {
		m.cancelLocked(c)
	}
	s := &Subscription{
		ID:         uuid.New().String(),
		ClientID:   c.ID,
		EventTypes: types,
		Filters:    filters,
		Priority:   prio,
		Delivery:   m.defaults.apply(req.Delivery),
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
		Stats:      Statistics{EventsByType: make(map[events.Type]uint64)},
	}
	m.subs[s.ID] = s
	c.Subscription = s.ID
	c.LastActivity = now
	m.log.Debug("Subscription created", "subscription_id", s.ID, "client_id", c.ID, "types", len(types), "priority", prio)
	return s.view(), nil
}

// UpdateSubscription changes the populated fields of the client's
// subscription and reactivates it.
func (m *Manager) UpdateSubscription(req *Request) (*View, error) {
	if req == nil || req.ClientID == "" {
		return nil, fmt.Errorf("%w: clientId required", ErrInvalidSubscription)
	}
	var types map[events.Type]struct{}
	if len(req.EventTypes) > 0 {
		var err error
		if types, err = parseTypes(req.EventTypes); err != nil {
			return nil, err
		}
	}
	var prio Priority
	if req.Priority != "" {
		var err error
		if prio, err = ParsePriority(req.Priority); err != nil {
			return nil, err
		}
	}

	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[req.ClientID]
	if !ok {
		return nil, ErrClientNotFound
	}
	s, ok := m.subs[c.Subscription]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	if types != nil {
		s.EventTypes = types
	}
	if req.Filters != nil {
		s.Filters = s.Filters.merge(req.Filters)
	}
	if prio != "" {
		s.Priority = prio
	}
	s.Delivery = s.Delivery.apply(req.Delivery)
	s.Active = true
	s.UpdatedAt = now
	c.LastActivity = now
	return s.view(), nil
}

// CancelSubscription removes the client's subscription and its queued
// deliveries. It reports whether there was one.
func (m *Manager) CancelSubscription(clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok || c.Subscription == "" {
		return false
	}
	m.cancelLocked(c)
	return true
}

// caller holds m.mu
func (m *Manager) cancelLocked(c *Client) {
	if s, ok := m.subs[c.Subscription]; ok {
		s.Active = false
		delete(m.subs, s.ID)
	}
	c.Subscription = ""
	m.q.removeClient(c.ID)
	for id, it := range m.inflight {
		if it.clientID == c.ID {
			delete(m.inflight, id)
		}
	}
	delete(m.buffered, c.ID)
}

// GetSubscription returns the client's subscription.
func (m *Manager) GetSubscription(clientID string) (*View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return nil, ErrClientNotFound
	}
	s, ok := m.subs[c.Subscription]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return s.view(), nil
}

// Subscriptions returns every subscription.
func (m *Manager) Subscriptions() []*View {
	m.mu.Lock()
	out := make([]*View, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s.view())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Route queues ev for every active subscription it matches. Clients over
// quota or with a full buffer are refused, not queued.
func (m *Manager) Route(ev events.Event) {
	now := m.now()
	size := ev.Size()
	queuedAny := false

	m.mu.Lock()
	for _, s := range m.subs {
		if !s.wants(&ev) {
			continue
		}
		c, ok := m.clients[s.ClientID]
		if !ok {
			continue
		}
		if err := m.admit(c, s, size); err != nil {
			s.Stats.Refused++
			m.refused++
			continue
		}
		m.seq++
		m.q.push(&queued{
			id:       uuid.New().String(),
			clientID: c.ID,
			subID:    s.ID,
			event:    ev,
			size:     size,
			priority: priorityOf(&ev, s.Priority),
			seq:      m.seq,
			enqueued: now,
		})
		m.buffered[c.ID]++
		s.Stats.MessagesQueued++
		queuedAny = true
	}
	m.mu.Unlock()

	if queuedAny {
		m.signal()
	}
}

// admit charges one event against the client's quota. Caller holds m.mu.
func (m *Manager) admit(c *Client, s *Subscription, size int) error {
	if c.Quota.Exceeded {
		return ErrQuotaExceeded
	}
	if c.Quota.EventsReceived+1 > m.quotaEvents || c.Quota.BandwidthUsed+int64(size) > m.quotaBytes {
		c.Quota.Exceeded = true
		m.log.Warn("Client quota exceeded", "client_id", c.ID, "events", c.Quota.EventsReceived, "bytes", c.Quota.BandwidthUsed)
		return ErrQuotaExceeded
	}
	if m.buffered[c.ID] >= s.Delivery.MaxBuffer {
		return ErrBufferFull
	}
	c.Quota.EventsReceived++
	c.Quota.BandwidthUsed += int64(size)
	return nil
}

type batch struct {
	clientID string
	items    []*queued
}

// Flush sends one batch per client from the ready head of the queue and
// returns how many deliveries were attempted.
func (m *Manager) Flush(ctx context.Context) int {
	now := m.now()

	m.mu.Lock()
	transport := m.transport
	if transport == nil || m.q.Len() == 0 {
		m.mu.Unlock()
		return 0
	}
	var (
		batches  []*batch
		byClient = make(map[string]*batch)
		deferred []*queued
	)
	for m.q.Len() > 0 {
		it := m.q.pop()
		s, ok := m.subs[it.subID]
		if !ok || !s.wants(&it.event) {
			// Cancelled, deactivated, or re-filtered since it was queued.
			m.discard(it)
			continue
		}
		if it.notBefore.After(now) {
			deferred = append(deferred, it)
			continue
		}
		b := byClient[it.clientID]
		if b == nil {
			b = &batch{clientID: it.clientID}
			byClient[it.clientID] = b
			batches = append(batches, b)
		}
		if len(b.items) >= s.Delivery.BatchSize {
			deferred = append(deferred, it)
			continue
		}
		b.items = append(b.items, it)
	}
	for _, it := range deferred {
		m.q.push(it)
	}
	m.mu.Unlock()

	sent := 0
	for _, b := range batches {
		out := make([]Delivery, len(b.items))
		for i, it := range b.items {
			out[i] = Delivery{ID: it.id, Priority: it.priority, Attempt: it.attempts + 1, Event: it.event}
		}
		sctx, cancel := context.WithTimeout(ctx, m.sendTimeout)
		err := transport.Deliver(sctx, b.clientID, out)
		cancel()
		sent += len(out)

		m.settle(b.items, err)
		if err != nil {
			m.log.Debug("Batch delivery failed", "client_id", b.clientID, "size", len(out), "error", err)
		}
	}
	return sent
}

// settle records the outcome of one batch.
func (m *Manager) settle(items []*queued, err error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		s, ok := m.subs[it.subID]
		if !ok {
			m.discard(it)
			continue
		}
		switch {
		case err != nil:
			m.retry(s, it, now)
		case s.Delivery.AckRequired:
			it.ackDeadline = now.Add(s.Delivery.AckTimeout)
			m.inflight[it.id] = it
		default:
			m.succeed(s, it, now)
		}
	}
}

// caller holds m.mu
func (m *Manager) succeed(s *Subscription, it *queued, now time.Time) {
	m.release(it.clientID)
	st := &s.Stats
	st.TotalEvents++
	st.EventsByType[it.event.Type]++
	st.DeliverySuccess++
	st.BytesTransferred += int64(it.size)
	st.LastDelivery = now.UnixMilli()
	s.latencyTotal += now.Sub(it.enqueued)
	s.latencyCount++
	st.AverageLatencyMs = (s.latencyTotal / time.Duration(s.latencyCount)).Milliseconds()
	m.delivered++
}

// retry requeues a failed delivery or drops it once the retry budget is
// spent. Caller holds m.mu.
func (m *Manager) retry(s *Subscription, it *queued, now time.Time) {
	it.attempts++
	if it.attempts > s.Delivery.MaxRetries {
		m.release(it.clientID)
		s.Stats.DeliveryFailures++
		m.failed++
		m.log.Debug("Delivery dropped after retries", "client_id", it.clientID, "event_type", it.event.Type, "attempts", it.attempts)
		return
	}
	s.Stats.Retries++
	m.retried++
	it.notBefore = now.Add(s.Delivery.RetryDelay)
	it.ackDeadline = time.Time{}
	m.q.push(it)
}

// caller holds m.mu
func (m *Manager) discard(it *queued) { m.release(it.clientID) }

// caller holds m.mu
func (m *Manager) release(clientID string) {
	if n := m.buffered[clientID]; n > 1 {
		m.buffered[clientID] = n - 1
	} else {
		delete(m.buffered, clientID)
	}
}

// Acknowledge confirms deliveries of an ack-required subscription and
// returns how many were pending.
func (m *Manager) Acknowledge(clientID string, ids []string) (int, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return 0, ErrClientNotFound
	}
	c.LastActivity = now
	acked := 0
	for _, id := range ids {
		it, ok := m.inflight[id]
		if !ok || it.clientID != clientID {
			continue
		}
		delete(m.inflight, id)
		if s, ok := m.subs[it.subID]; ok {
			m.succeed(s, it, now)
		} else {
			m.discard(it)
		}
		acked++
	}
	return acked, nil
}

// expireAcks treats deliveries unacknowledged past their deadline as failed.
func (m *Manager) expireAcks() {
	now := m.now()
	requeued := false
	m.mu.Lock()
	for id, it := range m.inflight {
		if now.Before(it.ackDeadline) {
			continue
		}
		delete(m.inflight, id)
		s, ok := m.subs[it.subID]
		if !ok {
			m.discard(it)
			continue
		}
		m.retry(s, it, now)
		requeued = true
	}
	m.mu.Unlock()
	if requeued {
		m.signal()
	}
}

// ResetQuotas starts a new quota window for every client.
func (m *Manager) ResetQuotas(ctx context.Context) error {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.clients {
		c.Quota = Quota{ResetAt: now}
	}
	return nil
}

// Cleanup deactivates subscriptions idle past the idle timeout and expires
// unacknowledged deliveries.
func (m *Manager) Cleanup(ctx context.Context) error {
	now := m.now()
	m.mu.Lock()
	idle := 0
	for _, s := range m.subs {
		if s.Active && now.Sub(s.UpdatedAt) > m.idleTimeout {
			s.Active = false
			idle++
			m.log.Info("Subscription timed out", "subscription_id", s.ID, "client_id", s.ClientID)
		}
	}
	m.mu.Unlock()
	m.expireAcks()
	if idle > 0 {
		m.log.Debug("Idle subscriptions deactivated", "count", idle)
	}
	return nil
}

// Stats returns manager-wide counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{
		TotalClients:       len(m.clients),
		TotalSubscriptions: len(m.subs),
		SubscribedByType:   make(map[events.Type]int),
		QueueDepth:         m.q.Len(),
		PendingAcks:        len(m.inflight),
		Delivered:          m.delivered,
		Failed:             m.failed,
		Retried:            m.retried,
		Refused:            m.refused,
	}
	var latency int64
	for _, s := range m.subs {
		if !s.Active {
			continue
		}
		st.ActiveSubscriptions++
		latency += s.Stats.AverageLatencyMs
		for t := range s.EventTypes {
			st.SubscribedByType[t]++
		}
	}
	if st.ActiveSubscriptions > 0 {
		st.AverageLatencyMs = latency / int64(st.ActiveSubscriptions)
	}
	return st
}
