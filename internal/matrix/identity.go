// ABOUTME: Maps Matrix user ids to numeric identities
// ABOUTME: Stable 63-bit FNV-1a hash so ids survive restarts without a lookup table

package matrix

import (
	"hash/fnv"

	"github.com/2389/condor/internal/store"
)

// UserIDFor returns the numeric identity used for a Matrix user id such as
// "@alice:example.org". The result is always positive.
func UserIDFor(mxid string) store.UserID {
	h := fnv.New64a()
	_, _ = h.Write([]byte(mxid))
	id := store.UserID(h.Sum64() & (1<<63 - 1))
	if id == 0 {
		return 1
	}
	return id
}
