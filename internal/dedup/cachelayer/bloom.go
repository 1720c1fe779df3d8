package cachelayer

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/binary"
	"math"
)

// BloomParams are the derived bit-size and hash-count for a target
// capacity N and false-positive rate epsilon:
//
//	m = ceil(-N * ln(epsilon) / (ln 2)^2)
//	k = ceil(m * ln 2 / N)
type BloomParams struct {
	M int // bit array size
	K int // number of hash functions
}

// NewBloomParams derives {m, k} from the target capacity and
// false-positive rate (§3 Bloom Filter).
func NewBloomParams(capacity int, falsePositiveRate float64) BloomParams {
	if capacity < 1 {
		capacity = 1
	}
	n := float64(capacity)
	m := int(math.Ceil(-n * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	if m < 1 {
		m = 1
	}
	k := int(math.Ceil(float64(m) * math.Ln2 / n))
	if k < 1 {
		k = 1
	}
	return BloomParams{M: m, K: k}
}

// bitOffsets returns the k bit offsets data hashes to, each in
// [0, m). Double hashing simulates k independent hash functions from
// two real ones (MD5, SHA-1), per §3: h_i(x) = h1(x) + i*h2(x) mod m.
func bitOffsets(params BloomParams, data []byte) []int64 {
	md5Sum := md5.Sum(data)
	sha1Sum := sha1.Sum(data)

	h1 := binary.BigEndian.Uint64(md5Sum[0:8])
	h2 := binary.BigEndian.Uint64(sha1Sum[0:8])

	offsets := make([]int64, params.K)
	m := uint64(params.M)
	for i := 0; i < params.K; i++ {
		combined := h1 + uint64(i)*h2
		offsets[i] = int64(combined % m)
	}
	return offsets
}
