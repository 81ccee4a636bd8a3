package stellar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/protocols/horizon/operations"
	"github.com/stellar/go/txnbuild"
)

// Horizon is the subset of *horizonclient.Client the adapter drives.
type Horizon interface {
	Root() (horizon.Root, error)
	AccountDetail(request horizonclient.AccountRequest) (horizon.Account, error)
	ClaimableBalances(request horizonclient.ClaimableBalanceRequest) (horizon.ClaimableBalances, error)
	Operations(request horizonclient.OperationRequest) (operations.OperationsPage, error)
	TransactionDetail(txHash string) (horizon.Transaction, error)
	SubmitTransaction(transaction *txnbuild.Transaction) (horizon.Transaction, error)
}

var _ Horizon = (*horizonclient.Client)(nil)

// NewHorizon creates a Horizon client for url.
func NewHorizon(url string) *horizonclient.Client {
	return &horizonclient.Client{
		HorizonURL: url,
		HTTP:       &http.Client{Timeout: 30 * time.Second},
		AppName:    "bridge-relay",
	}
}

// call runs a Horizon request and stops waiting when ctx ends. The client
// takes no context, so an abandoned request finishes in the background.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, err
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}

// isNotFound reports a Horizon 404.
func isNotFound(err error) bool {
	if horizonclient.IsNotFoundError(err) {
		return true
	}
	var herr *horizonclient.Error
	return errors.As(err, &herr) && herr.Problem.Status == http.StatusNotFound
}

// submitError adds the transaction result codes Horizon returned.
func submitError(err error) error {
	var herr *horizonclient.Error
	if !errors.As(err, &herr) {
		return err
	}
	codes, cerr := herr.ResultCodes()
	if cerr != nil || codes == nil {
		return err
	}
	return fmt.Errorf("%w (tx %s, ops %v)", err, codes.TransactionCode, codes.OperationCodes)
}
