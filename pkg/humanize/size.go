package humanize

import "fmt"

func Size(i int64) (float64, string) {
	switch {
	case i < 1024:
		return float64(i), "B"
	case i < 1024*1024:
		return float64(i) / 1024, "KB"
	case i < 1024*1024*1024:
		return float64(i) / (1024 * 1024), "MB"
	case i < 1024*1024*1024*1024:
		return float64(i) / (1024 * 1024 * 1024), "GB"
	default:
		return float64(i) / (1024 * 1024 * 1024 * 1024), "TB"
	}
}

// Format renders i like "1.50 MB". Byte counts have no decimals.
func Format(i int64) string {
	v, unit := Size(i)

	if unit == "B" {
		return fmt.Sprintf("%d B", i)
	}

	return fmt.Sprintf("%.2f %s", v, unit)
}
