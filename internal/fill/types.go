// Package fill lets one order be satisfied by many fragment-sized fill
// executions, each committed atomically against the order registry.
package fill

import (
	"math/big"
	"time"

	"github.com/klingon-exchange/bridge-relay/internal/apperr"
	"github.com/klingon-exchange/bridge-relay/internal/chain"
)

// DefaultFragments is the number of fragments an order is split into.
const DefaultFragments = 10

// Fill errors
var (
	ErrFragmentRange    = apperr.New(apperr.KindValidation, "fragment index out of range")
	ErrFragmentConsumed = apperr.New(apperr.KindProtocol, "fragment already filled")
	ErrInvalidProof     = apperr.New(apperr.KindProtocol, "invalid merkle proof")
	ErrMissingSecret    = apperr.New(apperr.KindValidation, "secret hash required")
	ErrMissingResolver  = apperr.New(apperr.KindValidation, "resolver required")
)

// ExecStatus is the state of a fill execution.
type ExecStatus string

const (
	ExecPending   ExecStatus = "pending"
	ExecExecuted  ExecStatus = "executed"
	ExecFailed    ExecStatus = "failed"
	ExecCancelled ExecStatus = "cancelled"
)

// Request asks to fill one fragment of an order.
type Request struct {
	OrderHash     string       `json:"orderHash"`
	FragmentIndex int          `json:"fragmentIndex"`
	FillAmount    *big.Int     `json:"-"`
	Resolver      string       `json:"resolver"`
	SecretHash    chain.Hash   `json:"secretHash"`
	MerkleProof   []chain.Hash `json:"merkleProof"`
	SrcTxHash     string       `json:"srcTxHash,omitempty"`
	DstTxHash     string       `json:"dstTxHash,omitempty"`
}

// Execution is one recorded fill.
type Execution struct {
	FillID        string
	OrderHash     string
	FragmentIndex int
	Resolver      string
	FillAmount    *big.Int
	GasCost       *big.Int
	SecretHash    chain.Hash
	MerkleProof   []chain.Hash
	Status        ExecStatus
	Error         string
	SrcTxHash     string
	DstTxHash     string
	CreatedAt     time.Time
	ExecutedAt    time.Time
}

// ExecutionView is the wire form of an Execution.
type ExecutionView struct {
	FillID        string       `json:"fillId"`
	OrderHash     string       `json:"orderHash"`
	FragmentIndex int          `json:"fragmentIndex"`
	Resolver      string       `json:"resolver"`
	FillAmount    string       `json:"fillAmount"`
	GasCost       string       `json:"gasCost"`
	SecretHash    chain.Hash   `json:"secretHash"`
	MerkleProof   []chain.Hash `json:"merkleProof"`
	Status        ExecStatus   `json:"status"`
	Error         string       `json:"error,omitempty"`
	SrcTxHash     string       `json:"srcTxHash,omitempty"`
	DstTxHash     string       `json:"dstTxHash,omitempty"`
	ExecutedAt    int64        `json:"executedAt,omitempty"`
}

// View returns the wire form.
func (e *Execution) View() ExecutionView {
	v := ExecutionView{
		FillID:        e.FillID,
		OrderHash:     e.OrderHash,
		FragmentIndex: e.FragmentIndex,
		Resolver:      e.Resolver,
		FillAmount:    e.FillAmount.String(),
		GasCost:       e.GasCost.String(),
		SecretHash:    e.SecretHash,
		MerkleProof:   e.MerkleProof,
		Status:        e.Status,
		Error:         e.Error,
		SrcTxHash:     e.SrcTxHash,
		DstTxHash:     e.DstTxHash,
	}
	if v.MerkleProof == nil {
		v.MerkleProof = []chain.Hash{}
	}
	if !e.ExecutedAt.IsZero() {
		v.ExecutedAt = e.ExecutedAt.UnixMilli()
	}
	return v
}

func (e *Execution) clone() *Execution {
	c := *e
	c.FillAmount = new(big.Int).Set(e.FillAmount)
	c.GasCost = new(big.Int).Set(e.GasCost)
	c.MerkleProof = append([]chain.Hash(nil), e.MerkleProof...)
	return &c
}

// Validation is the outcome of ValidateFill.
type Validation struct {
	Valid                 bool     `json:"valid"`
	Error                 string   `json:"error,omitempty"`
	Code                  string   `json:"code,omitempty"`
	Warnings              []string `json:"warnings,omitempty"`
	EstimatedGas          string   `json:"estimatedGas,omitempty"`
	PriceImpactBps        int64    `json:"priceImpactBps"`
	NextAvailableFragment int      `json:"nextAvailableFragment"`
}

// Progress is the cumulative fill state of an order.
type Progress struct {
	OrderHash         string `json:"orderHash"`
	TotalAmount       string `json:"totalAmount"`
	FilledAmount      string `json:"filledAmount"`
	RemainingAmount   string `json:"remainingAmount"`
	FillPercentageBps int64  `json:"fillPercentageBps"`
	FillPercentage    string `json:"fillPercentage"`
	FragmentsFilled   int    `json:"fragmentsFilled"`
	TotalFragments    int    `json:"totalFragments"`
	NextFragmentIndex int    `json:"nextSecretIndex"`
	CurrentGasPrice   string `json:"currentGasPrice"`
	AverageGasCost    string `json:"averageGasCost"`
	TotalGasCost      string `json:"totalGasCost"`
	ExpiresAt         int64  `json:"expiresAt"`
}

// Recommendation suggests the next fill of an order.
type Recommendation struct {
	OrderHash             string `json:"orderHash"`
	FragmentIndex         int    `json:"fragmentIndex"`
	RecommendedFillAmount string `json:"recommendedFillAmount"`
	ExpectedProfit        string `json:"expectedProfit"`
	GasEstimate           string `json:"gasEstimate"`
	PriceImpactBps        int64  `json:"priceImpactBps"`
	ConfidenceBps         int64  `json:"confidenceBps"`
	TimeToExpiryMs        int64  `json:"timeToExpiry"`
}

// Fragment is one fillable slot of an order.
type Fragment struct {
	Index               int    `json:"fragmentIndex"`
	Available           bool   `json:"available"`
	EstimatedFillAmount string `json:"estimatedFillAmount"`
}

// Fragments lists the fillable slots of an order.
type Fragments struct {
	OrderHash    string     `json:"orderHash"`
	Available    int        `json:"available"`
	Fragments    []Fragment `json:"fragments"`
	CurrentPrice string     `json:"currentPrice"`
	GasEstimate  string     `json:"gasEstimate"`
}

// Result is returned by ExecutePartialFill.
type Result struct {
	Execution          ExecutionView   `json:"execution"`
	Progress           Progress        `json:"progress"`
	NextRecommendation *Recommendation `json:"nextRecommendation,omitempty"`
}
