package fill

import (
	"bytes"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/klingon-exchange/bridge-relay/internal/chain"
)

// FragmentLeaf is the Merkle leaf committing fragment idx to secretHash:
// keccak256(uint64be(idx) || secretHash).
func FragmentLeaf(idx int, secretHash chain.Hash) chain.Hash {
	var buf [8 + 32]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(idx))
	copy(buf[8:], secretHash[:])
	return chain.Hash(crypto.Keccak256Hash(buf[:]))
}

func hashPair(a, b chain.Hash) chain.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return chain.Hash(crypto.Keccak256Hash(a[:], b[:]))
}

// BuildTree returns every level of a sorted-pair keccak tree, leaves first.
// An odd node is carried to the next level unchanged.
func BuildTree(leaves []chain.Hash) [][]chain.Hash {
	if len(leaves) == 0 {
		return nil
	}
	levels := [][]chain.Hash{append([]chain.Hash(nil), leaves...)}
	for cur := levels[0]; len(cur) > 1; cur = levels[len(levels)-1] {
		next := make([]chain.Hash, 0, (len(cur)+1)/2)
		for i := 0; i < len(cur); i += 2 {
			if i+1 == len(cur) {
				next = append(next, cur[i])
				continue
			}
			next = append(next, hashPair(cur[i], cur[i+1]))
		}
		levels = append(levels, next)
	}
	return levels
}

// Root returns the Merkle root of leaves, or the zero hash when empty.
func Root(leaves []chain.Hash) chain.Hash {
	levels := BuildTree(leaves)
	if len(levels) == 0 {
		return chain.Hash{}
	}
	return levels[len(levels)-1][0]
}

// Proof returns the sibling path for leaf idx.
func Proof(leaves []chain.Hash, idx int) []chain.Hash {
	if idx < 0 || idx >= len(leaves) {
		return nil
	}
	var proof []chain.Hash
	levels := BuildTree(leaves)
	for _, level := range levels[:len(levels)-1] {
		sib := idx ^ 1
		if sib < len(level) {
			proof = append(proof, level[sib])
		}
		idx /= 2
	}
	return proof
}

// VerifyProof reports whether proof links leaf to root.
func VerifyProof(leaf chain.Hash, proof []chain.Hash, root chain.Hash) bool {
	h := leaf
	for _, p := range proof {
		h = hashPair(h, p)
	}
	return h == root
}
