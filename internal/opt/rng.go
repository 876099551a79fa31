package opt

import "math/rand"

// defaultSeed is used when callers pass seed==0 so that the zero value of
// Options is still reproducible.
const defaultSeed int64 = 1

// newRNG returns an engine-local generator. *rand.Rand is not safe for
// concurrent use; every solve owns its own.
func newRNG(seed int64) *rand.Rand {
	if seed == 0 {
		seed = defaultSeed
	}
	return rand.New(rand.NewSource(seed))
}

// DeriveSeed mixes a parent seed and a stream id into an independent seed
// (SplitMix64 finalizer). Trials use it so that trial i is reproducible on its
// own, whatever the parallelism.
func DeriveSeed(parent int64, stream uint64) int64 {
	if parent == 0 {
		parent = defaultSeed
	}
	x := uint64(parent) ^ (stream + 0x9e3779b97f4a7c15)
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	x ^= x >> 31
	return int64(x)
}
