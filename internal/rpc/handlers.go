package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/klingon-exchange/bridge-relay/internal/events"
	"github.com/klingon-exchange/bridge-relay/internal/gas"
	"github.com/klingon-exchange/bridge-relay/internal/subscription"
	"github.com/klingon-exchange/bridge-relay/internal/worker"
	"github.com/klingon-exchange/bridge-relay/pkg/helpers"
)

// ========================================
// Relay handlers
// ========================================

// RelayStatsResult is the response for relay_stats.
type RelayStatsResult struct {
	Version       string              `json:"version"`
	Uptime        string              `json:"uptime"`
	Swaps         map[string]int      `json:"swaps,omitempty"`
	Orders        map[string]int      `json:"orders,omitempty"`
	Executions    int                 `json:"executions"`
	Bus           *events.Stats       `json:"bus,omitempty"`
	HistoryEvents int                 `json:"historyEvents"`
	Subscriptions *subscription.Stats `json:"subscriptions,omitempty"`
	WSClients     int                 `json:"wsClients"`
	Tasks         []worker.Stats      `json:"tasks,omitempty"`
}

func (s *Server) relayStats(ctx context.Context, params json.RawMessage) (interface{}, error) {
	res := &RelayStatsResult{
		Version:   Version,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		WSClients: s.wsHub.ClientCount(),
	}
	if s.coordinator != nil {
		res.Swaps = make(map[string]int)
		for st, n := range s.coordinator.CountByStatus() {
			res.Swaps[string(st)] = n
		}
	}
	if s.orders != nil {
		res.Orders = make(map[string]int)
		for st, n := range s.orders.CountByStatus() {
			res.Orders[string(st)] = n
		}
	}
	if s.fills != nil {
		res.Executions = s.fills.ExecutedCount()
	}
	if s.bus != nil {
		st := s.bus.Stats()
		res.Bus = &st
	}
	if s.history != nil {
		res.HistoryEvents = s.history.Len()
	}
	if s.subs != nil {
		st := s.subs.Stats()
		res.Subscriptions = &st
	}
	if s.tasks != nil {
		res.Tasks = s.tasks()
	}
	return res, nil
}

// relayHealth runs every dependency check and returns the report.
func (s *Server) relayHealth(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.health.Check(ctx), nil
}

// ========================================
// Event history handlers
// ========================================

func (s *Server) eventsQuery(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var q events.Query
	if err := decodeOptional(params, &q); err != nil {
		return nil, err
	}
	return s.history.Query(q), nil
}

func (s *Server) eventsStats(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.history.Stats(), nil
}

// EventsExportParams is the parameters for events_export.
type EventsExportParams struct {
	events.Query
	Format string `json:"format,omitempty"` // json (default) or csv
}

// EventsExportResult is the response for events_export.
type EventsExportResult struct {
	Format string `json:"format"`
	Data   string `json:"data"`
}

func (s *Server) eventsExport(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p EventsExportParams
	if err := decodeOptional(params, &p); err != nil {
		return nil, err
	}
	if p.Format == "" {
		p.Format = "json"
	}
	data, err := s.history.Export(p.Query, p.Format)
	if err != nil {
		return nil, errParamsf(err)
	}
	return &EventsExportResult{Format: p.Format, Data: string(data)}, nil
}

// ========================================
// Gas handlers
// ========================================

// GasPriceParams is the parameters for gas_price.
type GasPriceParams struct {
	Tier string `json:"tier,omitempty"`
}

// GasPriceResult is the response for gas_price.
type GasPriceResult struct {
	gas.PriceView
	Tier        gas.Tier       `json:"tier"`
	Recommended string         `json:"recommended"`
	Congestion  gas.Congestion `json:"congestion"`
	Trend       gas.Trend      `json:"trend"`
	Auction     gas.Auction    `json:"auction"`
}

func (s *Server) gasPrice(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p GasPriceParams
	if err := decodeOptional(params, &p); err != nil {
		return nil, err
	}
	tier, err := gas.ParseTier(p.Tier)
	if err != nil {
		return nil, err
	}
	return &GasPriceResult{
		PriceView:   s.gas.Current().View(),
		Tier:        tier,
		Recommended: s.gas.OptimalGasPrice(tier).String(),
		Congestion:  s.gas.Congestion(),
		Trend:       s.gas.Trend(),
		Auction:     s.gas.AuctionRecommendation(),
	}, nil
}

// GasStatsResult is the response for gas_stats.
type GasStatsResult struct {
	gas.Statistics
	AverageGwei string `json:"averageGwei"`
}

func (s *Server) gasStats(ctx context.Context, params json.RawMessage) (interface{}, error) {
	st := s.gas.Statistics()
	res := &GasStatsResult{Statistics: st, AverageGwei: "0"}
	if avg, err := helpers.ParseBaseUnits(st.Average); err == nil {
		res.AverageGwei = helpers.FormatAmount(avg, 9)
	}
	return res, nil
}
