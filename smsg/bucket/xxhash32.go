package bucket

import "github.com/OneOfOne/xxhash"

// bucketHashSeed is the fixed XXH32 seed spec.md names for bucket hashing.
const bucketHashSeed uint32 = 1

// hashTokenSamples computes XXH32(seed=1) over the concatenation of
// each token's 8-byte sample, in the token set's sorted order
// (spec.md §4.4's "BucketHash recomputation").
func hashTokenSamples(tokens []Token) uint32 {
	h := xxhash.NewS32(bucketHashSeed)
	for _, t := range tokens {
		_, _ = h.Write(t.Sample[:])
	}
	return h.Sum32()
}
