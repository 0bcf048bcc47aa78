// Package format provides human-readable sizes and counts for log and
// status output.
package format

import "fmt"

const (
	KB = 1024
	MB = KB * 1024
	GB = MB * 1024
)

// Bytes formats a payload size, e.g. "512 B", "3.0 KB".
func Bytes(b int64) string {
	switch {
	case b >= GB:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// Count formats n with the singular or plural noun, e.g. "1 entry", "3 entries".
func Count(n int64, singular, plural string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, singular)
	}
	return fmt.Sprintf("%d %s", n, plural)
}
