package apperr

import (
	"errors"
	"fmt"
	"testing"
)

var errSample = New(KindNotFound, "order not found")

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", errors.New("boom"), KindUnknown},
		{"sentinel", errSample, KindNotFound},
		{"fmt wrapped", fmt.Errorf("failed to get order: %w", errSample), KindNotFound},
		{"chain", Chain("lock", errors.New("timeout")), KindChain},
		{"outer wins", Wrap(KindChain, "claim", Protocolf("bad preimage")), KindChain},
		{"validation", Validationf("amount %s", "x"), KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWrapPreservesIdentity(t *testing.T) {
	err := Wrap(KindProtocol, "fill", errSample)
	if !errors.Is(err, errSample) {
		t.Error("errors.Is lost the wrapped sentinel")
	}
	if err.Error() != "fill: order not found" {
		t.Errorf("Error() = %q", err.Error())
	}
	if Wrap(KindChain, "x", nil) != nil {
		t.Error("Wrap(nil) should be nil")
	}
	if !Is(err, KindProtocol) || Is(nil, KindProtocol) {
		t.Error("Is mismatch")
	}
}
