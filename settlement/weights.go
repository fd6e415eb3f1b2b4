package settlement

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sort"

	"github.com/spacemeshos/merkle-tree"
	"github.com/zeebo/blake3"
)

// Weight is a miner's share of a settlement.
type Weight struct {
	MinerID string `json:"miner_id" yaml:"miner_id"`
	Weight  uint64 `json:"weight"   yaml:"weight"`
}

// Normalize turns scores into integer weights floor(score*scale/sum).
// Zero weights are dropped and only the limit heaviest are kept (all of them if limit <= 0).
// The result is ordered by weight, heaviest first, ties broken by miner ID.
func Normalize(scores map[string]uint64, scale uint64, limit int) []Weight {
	var hi, sum uint64
	for _, s := range scores {
		var carry uint64
		sum, carry = bits.Add64(sum, s, 0)
		hi += carry
	}
	if hi > 0 {
		// Scale every score down until the sum fits in 64 bits.
		shift := uint(bits.Len64(hi))
		scaled := make(map[string]uint64, len(scores))
		sum = 0
		for minerID, s := range scores {
			scaled[minerID] = s >> shift
			sum += s >> shift
		}
		scores = scaled
	}
	if sum == 0 {
		return nil
	}

	weights := make([]Weight, 0, len(scores))
	for minerID, score := range scores {
		// score <= sum, so the quotient fits in 64 bits.
		hi, lo := bits.Mul64(score, scale)
		w, _ := bits.Div64(hi, lo, sum)
		if w == 0 {
			continue
		}
		weights = append(weights, Weight{MinerID: minerID, Weight: w})
	}
	sort.Slice(weights, func(i, j int) bool {
		if weights[i].Weight != weights[j].Weight {
			return weights[i].Weight > weights[j].Weight
		}
		return weights[i].MinerID < weights[j].MinerID
	})
	if limit > 0 && len(weights) > limit {
		weights = weights[:limit]
	}
	return weights
}

// Commit returns the root of the merkle tree over the weight vector, in order.
func Commit(weights []Weight) ([]byte, error) {
	tree, err := merkle.NewTreeBuilder().
		WithHashFunc(hashNode).
		Build()
	if err != nil {
		return nil, fmt.Errorf("initializing merkle tree: %w", err)
	}
	for _, w := range weights {
		if err := tree.AddLeaf(leaf(w)); err != nil {
			return nil, fmt.Errorf("adding %s to merkle tree: %w", w.MinerID, err)
		}
	}
	return tree.Root(), nil
}

// leaf hashes a weight into a tree leaf. The 0x00 prefix separates leaves from inner nodes.
func leaf(w Weight) []byte {
	data := make([]byte, 0, 1+4+len(w.MinerID)+8)
	data = append(data, 0x00)
	data = binary.BigEndian.AppendUint32(data, uint32(len(w.MinerID)))
	data = append(data, w.MinerID...)
	data = binary.BigEndian.AppendUint64(data, w.Weight)
	sum := blake3.Sum256(data)
	return sum[:]
}

func hashNode(buf, lChild, rChild []byte) []byte {
	hasher := blake3.New()
	_, _ = hasher.Write([]byte{0x01})
	_, _ = hasher.Write(lChild)
	_, _ = hasher.Write(rChild)
	return hasher.Sum(buf)
}
