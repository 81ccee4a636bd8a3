package fill

import (
	"testing"

	"github.com/klingon-exchange/bridge-relay/internal/chain"
)

func testLeaves(t *testing.T, n int) ([]chain.Hash, []chain.Hash) {
	t.Helper()
	var secrets, leaves []chain.Hash
	for i := 0; i < n; i++ {
		_, h, err := chain.GenerateSecret()
		if err != nil {
			t.Fatalf("GenerateSecret: %v", err)
		}
		secrets = append(secrets, h)
		leaves = append(leaves, FragmentLeaf(i, h))
	}
	return secrets, leaves
}

func TestMerkleProofs(t *testing.T) {
	for _, n := range []int{1, 2, 3, 7, 10} {
		_, leaves := testLeaves(t, n)
		root := Root(leaves)
		for i := range leaves {
			if !VerifyProof(leaves[i], Proof(leaves, i), root) {
				t.Errorf("n=%d: proof for leaf %d does not verify", n, i)
			}
		}
	}
}

func TestMerkleRejectsWrongLeaf(t *testing.T) {
	secrets, leaves := testLeaves(t, 10)
	root := Root(leaves)

	// Right secret at the wrong index.
	if VerifyProof(FragmentLeaf(4, secrets[3]), Proof(leaves, 3), root) {
		t.Error("leaf bound to a different index verified")
	}
	if VerifyProof(leaves[2], Proof(leaves, 5), root) {
		t.Error("proof for another leaf verified")
	}
	if Root(nil) != (chain.Hash{}) || Proof(leaves, 10) != nil {
		t.Error("empty tree or out-of-range proof should be empty")
	}
}
