// Package fingerprint computes a deterministic digest over a dump
// result, so tests and operators can compare two dumps for equality
// without a field-by-field walk.
package fingerprint

import (
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/tallydb/tallydb/pkg/site"
	"golang.org/x/crypto/blake2b"
)

// Dump hashes a coordinator dump (site id -> variable id -> entry) into
// a stable hex digest. Iteration order is sorted on both levels so the
// same logical state always produces the same digest regardless of Go
// map iteration order.
func Dump(sites map[int]map[string]site.DumpEntry) string {
	h, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 only fails for an over-long key, and nil never
		// qualifies.
		panic(err)
	}

	siteIDs := make([]int, 0, len(sites))
	for id := range sites {
		siteIDs = append(siteIDs, id)
	}
	sort.Ints(siteIDs)

	for _, sid := range siteIDs {
		vars := sites[sid]
		varIDs := make([]string, 0, len(vars))
		for id := range vars {
			varIDs = append(varIDs, id)
		}
		sort.Strings(varIDs)

		for _, vid := range varIDs {
			entry := vars[vid]
			fmt.Fprintf(h, "%d|%s|%s|%d\n", sid, vid, entry.Writer, entry.Value)
		}
	}

	return hex.EncodeToString(h.Sum(nil))
}
