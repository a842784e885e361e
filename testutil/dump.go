package testutil

import (
	"fmt"
	"strings"

	"github.com/leftmike/graphstore/record"
	"github.com/leftmike/graphstore/store"
)

// DumpStores returns one line for every in use record of every store, in store and then id
// order.
func DumpStores(stores *store.Stores) (string, error) {
	var sb strings.Builder
	for _, rs := range stores.All() {
		err := rs.Scan(
			func(rec record.Record) error {
				if rec.Header().InUse {
					fmt.Fprintf(&sb, "%s: %s\n", rs.Kind(), rec)
				}
				return nil
			})
		if err != nil {
			return "", err
		}
	}
	return sb.String(), nil
}
