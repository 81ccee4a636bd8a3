// Package orders is the registry of signed maker orders: their cumulative
// fill, remaining amount and the secrets resolvers submit against them.
package orders

import (
	"math/big"
	"strings"
	"time"

	"github.com/klingon-exchange/bridge-relay/internal/apperr"
	"github.com/klingon-exchange/bridge-relay/internal/chain"
	"github.com/klingon-exchange/bridge-relay/pkg/helpers"
)

// Registry errors
var (
	ErrOrderNotFound   = apperr.New(apperr.KindNotFound, "order not found")
	ErrOrderExists     = apperr.New(apperr.KindValidation, "order already exists")
	ErrInvalidOrder    = apperr.New(apperr.KindValidation, "invalid order")
	ErrOrderNotActive  = apperr.New(apperr.KindProtocol, "order not active")
	ErrOrderExpired    = apperr.New(apperr.KindProtocol, "order expired")
	ErrInvalidAmount   = apperr.New(apperr.KindValidation, "invalid fill amount")
	ErrExceedsRemain   = apperr.New(apperr.KindProtocol, "fill exceeds remaining amount")
	ErrPartialDisabled = apperr.New(apperr.KindProtocol, "partial fills not allowed for this order")
	ErrMultipleFills   = apperr.New(apperr.KindProtocol, "multiple fills not allowed for this order")
	ErrInvalidSecret   = apperr.New(apperr.KindValidation, "invalid secret")
)

// Status represents the lifecycle of an order.
type Status string

const (
	StatusActive    Status = "active"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
	StatusNotFound  Status = "not_found"
)

// IsTerminal reports whether no further fills are possible.
func (s Status) IsTerminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusExpired
}

// Escrow records the locks backing one fill of an order.
type Escrow struct {
	FillIndex int           `json:"idx"`
	SrcLock   chain.LockRef `json:"srcEscrowDeployTxHash,omitempty"`
	DstLock   chain.LockRef `json:"dstEscrowDeployTxHash,omitempty"`
}

// Order is a maker's signed intent to trade, filled incrementally.
// filled + remaining == making at all times.
type Order struct {
	OrderHash          string
	Maker              string
	Receiver           string
	MakerAsset         string
	TakerAsset         string
	MakingAmount       *big.Int
	TakingAmount       *big.Int
	FilledAmount       *big.Int
	RemainingAmount    *big.Int
	SrcChain           chain.ID
	DstChain           chain.ID
	Signature          string
	MerkleRoot         chain.Hash
	AllowPartialFills  bool
	AllowMultipleFills bool
	Status             Status
	FillCount          int
	Escrows            []Escrow
	CreatedAt          time.Time
	UpdatedAt          time.Time
	ExpiresAt          time.Time
}

// Clone returns a deep copy.
func (o *Order) Clone() *Order {
	c := *o
	c.MakingAmount = new(big.Int).Set(o.MakingAmount)
	c.TakingAmount = new(big.Int).Set(o.TakingAmount)
	c.FilledAmount = new(big.Int).Set(o.FilledAmount)
	c.RemainingAmount = new(big.Int).Set(o.RemainingAmount)
	c.Escrows = append([]Escrow(nil), o.Escrows...)
	return &c
}

// IsExpired reports whether the order is past its expiry at now.
func (o *Order) IsExpired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

// FillBps returns filled/making in basis points.
func (o *Order) FillBps() int64 {
	return helpers.BasisPoints(o.FilledAmount, o.MakingAmount)
}

// OrderView is the wire form of an order.
type OrderView struct {
	OrderHash          string   `json:"orderHash"`
	Maker              string   `json:"maker"`
	Receiver           string   `json:"receiver"`
	MakerAsset         string   `json:"makerAsset"`
	TakerAsset         string   `json:"takerAsset"`
	MakingAmount       string   `json:"makingAmount"`
	TakingAmount       string   `json:"takingAmount"`
	FilledAmount       string   `json:"filledAmount"`
	RemainingAmount    string   `json:"remainingAmount"`
	SrcChainID         chain.ID `json:"srcChainId"`
	DstChainID         chain.ID `json:"dstChainId"`
	MerkleRoot         string   `json:"merkleRoot,omitempty"`
	AllowPartialFills  bool     `json:"allowPartialFills"`
	AllowMultipleFills bool     `json:"allowMultipleFills"`
	Status             Status   `json:"status"`
	FillCount          int      `json:"fillCount"`
	FillPercentageBps  int64    `json:"fillPercentageBps"`
	FillPercentage     string   `json:"fillPercentage"`
	CreatedAt          int64    `json:"createdAt"`
	ExpiresAt          int64    `json:"expiresAt"`
}

// View returns the wire form of the order.
func (o *Order) View() OrderView {
	v := OrderView{
		OrderHash:          o.OrderHash,
		Maker:              o.Maker,
		Receiver:           o.Receiver,
		MakerAsset:         o.MakerAsset,
		TakerAsset:         o.TakerAsset,
		MakingAmount:       o.MakingAmount.String(),
		TakingAmount:       o.TakingAmount.String(),
		FilledAmount:       o.FilledAmount.String(),
		RemainingAmount:    o.RemainingAmount.String(),
		SrcChainID:         o.SrcChain,
		DstChainID:         o.DstChain,
		AllowPartialFills:  o.AllowPartialFills,
		AllowMultipleFills: o.AllowMultipleFills,
		Status:             o.Status,
		FillCount:          o.FillCount,
		FillPercentageBps:  o.FillBps(),
		FillPercentage:     helpers.FormatBasisPoints(o.FillBps()),
		CreatedAt:          o.CreatedAt.Unix(),
		ExpiresAt:          o.ExpiresAt.Unix(),
	}
	if !o.MerkleRoot.IsZero() {
		v.MerkleRoot = o.MerkleRoot.String()
	}
	return v
}

// SignedOrder is an order as submitted by a maker. Amounts are base-unit
// integers in decimal.
type SignedOrder struct {
	OrderHash          string   `json:"orderHash"`
	Maker              string   `json:"maker"`
	Receiver           string   `json:"receiver"`
	MakerAsset         string   `json:"makerAsset"`
	TakerAsset         string   `json:"takerAsset"`
	MakingAmount       string   `json:"makingAmount"`
	TakingAmount       string   `json:"takingAmount"`
	SrcChainID         chain.ID `json:"srcChainId"`
	DstChainID         chain.ID `json:"dstChainId"`
	Signature          string   `json:"signature"`
	MerkleRoot         string   `json:"merkleRoot,omitempty"`
	AllowPartialFills  bool     `json:"allowPartialFills"`
	AllowMultipleFills bool     `json:"allowMultipleFills"`
	ExpiresAt          int64    `json:"expiresAt,omitempty"` // unix seconds, defaults to now + TTL
}

// Secret is one secret a resolver submitted for an order.
type Secret struct {
	OrderHash   string         `json:"orderHash"`
	Index       int            `json:"idx"`
	Secret      chain.Preimage `json:"secret"`
	SecretHash  chain.Hash     `json:"secretHash"`
	Resolver    string         `json:"resolver"`
	SubmittedAt time.Time      `json:"submittedAt"`
}

// OrderStatus is a status entry. Unknown hashes produce an entry with
// Status not_found and Error set rather than an error.
type OrderStatus struct {
	OrderHash    string     `json:"orderHash"`
	Status       Status     `json:"status"`
	Error        string     `json:"error,omitempty"`
	Order        *OrderView `json:"order,omitempty"`
	SecretsCount int        `json:"secretsCount"`
	IsExpired    bool       `json:"isExpired"`
}

// ReadyFill is a fill a chain-side executor can act on.
type ReadyFill struct {
	Idx        int           `json:"idx"`
	SecretHash chain.Hash    `json:"secretHash"`
	SrcEscrow  chain.LockRef `json:"srcEscrowDeployTxHash,omitempty"`
	DstEscrow  chain.LockRef `json:"dstEscrowDeployTxHash,omitempty"`
}

// ReadyOrder groups the ready fills of one order.
type ReadyOrder struct {
	OrderHash    string      `json:"orderHash"`
	MakerAddress string      `json:"makerAddress"`
	Fills        []ReadyFill `json:"fills"`
}

// PublicAction is a withdraw anyone can submit once the secret is public.
type PublicAction struct {
	Action     string         `json:"action"`
	OrderHash  string         `json:"orderHash"`
	Maker      string         `json:"maker"`
	Receiver   string         `json:"receiver"`
	ChainID    chain.ID       `json:"chainId"`
	Escrow     chain.LockRef  `json:"escrow,omitempty"`
	Secret     chain.Preimage `json:"secret"`
	SecretHash chain.Hash     `json:"secretHash"`
}

// PublishedSecrets lists the secrets of an order.
type PublishedSecrets struct {
	OrderHash string   `json:"orderHash"`
	Secrets   []Secret `json:"secrets"`
}

// Pagination describes a page of results.
type Pagination struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	TotalPages int  `json:"totalPages"`
	HasNext    bool `json:"hasNext"`
	HasPrev    bool `json:"hasPrev"`
}

// OrderPage is a paginated order list.
type OrderPage struct {
	Data       []OrderView `json:"data"`
	Pagination Pagination  `json:"pagination"`
}

// NormalizeHash canonicalises an order hash for lookups.
func NormalizeHash(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	if h != "" && !strings.HasPrefix(h, "0x") {
		h = "0x" + h
	}
	return h
}
