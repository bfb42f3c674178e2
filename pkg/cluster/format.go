package cluster

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/umiacs/nexus-status/internal/common"
)

const (
	gib = 1 << 30
	mib = 1 << 20
)

var gresGPURegExp = regexp.MustCompile(`gpu:(\d+)`)

// nodeTypeMatchers are checked in order and first match wins.
var nodeTypeMatchers = []struct {
	substr string
	typ    NodeType
}{
	{"a6000", NodeTypeA6000},
	{"rtx2080ti", NodeTypeRTX2080Ti},
	{"v100", NodeTypeV100},
}

// formatNumber prints v with the shortest representation, without exponent.
func formatNumber(v float64) string {
	v = common.SanitizeFloat(v)
	if v == 0 {
		// Drop the sign of negative zero
		v = 0
	}

	return strconv.FormatFloat(v, 'f', -1, 64)
}

// percentage returns round(used/total*100) and zero when total is not positive.
func percentage(used, total float64) float64 {
	if !(total > 0) {
		return 0
	}

	return math.Round(common.SanitizeFloat(used / total * 100))
}

// FormatMemory formats a byte count with G or M suffix using binary units.
// Values below one MiB are printed as raw byte counts with a B suffix.
// Negative values keep their sign and are rounded on their magnitude.
func FormatMemory(b float64) string {
	b = common.SanitizeFloat(b)

	sign := ""
	mag := b

	if b < 0 {
		sign = "-"
		mag = -b
	}

	switch {
	case mag >= gib:
		return sign + formatNumber(math.Round(mag/gib)) + "G"
	case mag >= mib:
		return sign + formatNumber(math.Round(mag/mib)) + "M"
	default:
		return formatNumber(b) + "B"
	}
}

// FormatResourceUsage returns `<used> (<pct>%)`.
func FormatResourceUsage(used, total float64) UsageSummary {
	return UsageSummary(formatNumber(used) + " (" + formatNumber(percentage(used, total)) + "%)")
}

// FormatMemoryUsage returns `<FormatMemory(used)> (<pct>%)`.
func FormatMemoryUsage(used, total float64) UsageSummary {
	return UsageSummary(FormatMemory(used) + " (" + formatNumber(percentage(used, total)) + "%)")
}

// ParseGRES returns the GPU count of the first `gpu:<n>` occurrence in a
// GRES descriptor and zero when there is none.
func ParseGRES(gres string) int {
	matches := gresGPURegExp.FindStringSubmatch(gres)
	if len(matches) < 2 {
		return 0
	}

	count, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0
	}

	return count
}

// ClassifyNode returns the node type from a GRES hardware description. Match
// is case sensitive.
func ClassifyNode(gres string) NodeType {
	for _, m := range nodeTypeMatchers {
		if strings.Contains(gres, m.substr) {
			return m.typ
		}
	}

	return NodeTypeUnknown
}
