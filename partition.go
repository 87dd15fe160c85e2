package geosplit

import (
	"sort"
	"strings"
)

// PartitionCount pairs a partition-key value with its row count in a
// source file.
type PartitionCount struct {
	Key  string
	Rows int64
}

// sortedPartitionCounts turns an aggregation map into the alphabetically
// sorted slice the enumerator contract requires. Enumeration order out of
// a columnar scan is arbitrary; sorting here keeps runs reproducible.
func sortedPartitionCounts(counts map[string]int64) []PartitionCount {
	out := make([]PartitionCount, 0, len(counts))
	for key, rows := range counts {
		out = append(out, PartitionCount{Key: key, Rows: rows})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// partitionKeys projects the key column of an enumeration.
func partitionKeys(counts []PartitionCount) []string {
	keys := make([]string, len(counts))
	for i, c := range counts {
		keys[i] = c.Key
	}
	return keys
}

// SafeKey converts a partition-key value into a filesystem-safe directory
// and file name component.
func SafeKey(key string) string {
	return strings.NewReplacer(" ", "_", "-", "_", "/", "_").Replace(key)
}
