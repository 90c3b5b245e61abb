package shared

import (
	"fmt"
	"sort"
)

// StockLockKey builds redis keys guarding one product/location pair of a tenant.
func StockLockKey(tenantID, productID, locationID string) string {
	return fmt.Sprintf("ledger:%s:stock:%s:%s:lock", tenantID, productID, locationID)
}

// SortedUnique orders lock keys so every caller acquires them in the same sequence.
func SortedUnique(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
