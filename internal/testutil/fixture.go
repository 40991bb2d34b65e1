// Package testutil holds small fixture helpers shared by this module's test
// files across package boundaries.
package testutil

import "math/rand"

// DataFixture returns a deterministic pseudo-random byte slice of the given
// size, seeded so the same (size, seed) pair always reproduces the same
// bytes across packages and test runs.
func DataFixture(size int, seed int64) []byte {
	r := rand.New(rand.NewSource(seed))
	res := make([]byte, size)
	r.Read(res)
	return res
}
