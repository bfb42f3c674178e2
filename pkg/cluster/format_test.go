package cluster

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatMemory(t *testing.T) {
	tests := []struct {
		name     string
		bytes    float64
		expected string
	}{
		{name: "zero", bytes: 0, expected: "0B"},
		{name: "bytes", bytes: 500, expected: "500B"},
		{name: "just below MiB", bytes: 1<<20 - 1, expected: "1048575B"},
		{name: "exactly MiB", bytes: 1 << 20, expected: "1M"},
		{name: "MiB rounds down", bytes: 1.4 * (1 << 20), expected: "1M"},
		{name: "MiB tie rounds away from zero", bytes: 1.5 * (1 << 20), expected: "2M"},
		{name: "just below GiB", bytes: 1<<30 - 1, expected: "1024M"},
		{name: "exactly GiB", bytes: 1 << 30, expected: "1G"},
		{name: "GiB tie rounds away from zero", bytes: 2.5 * (1 << 30), expected: "3G"},
		{name: "large", bytes: 540 * (1 << 30), expected: "540G"},
		{name: "negative GiB", bytes: -2.5 * (1 << 30), expected: "-3G"},
		{name: "negative MiB", bytes: -(1 << 20), expected: "-1M"},
		{name: "negative bytes", bytes: -12, expected: "-12B"},
		{name: "fractional bytes", bytes: 1.5, expected: "1.5B"},
		{name: "NaN", bytes: math.NaN(), expected: "0B"},
		{name: "Inf", bytes: math.Inf(1), expected: "0B"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, FormatMemory(test.bytes))
		})
	}
}

func TestFormatMemoryMonotonicUnits(t *testing.T) {
	rank := func(s string) int {
		switch s[len(s)-1] {
		case 'G':
			return 2
		case 'M':
			return 1
		default:
			return 0
		}
	}

	prev := 0

	for b := float64(1); b < 1<<40; b *= 1.7 {
		r := rank(FormatMemory(b))
		assert.GreaterOrEqual(t, r, prev, "unit label decreased at %f", b)
		prev = r
	}
}

func TestFormatResourceUsage(t *testing.T) {
	assert.Equal(t, UsageSummary("10 (0%)"), FormatResourceUsage(10, 0))
	assert.Equal(t, UsageSummary("0 (0%)"), FormatResourceUsage(0, 0))
	assert.Equal(t, UsageSummary("5 (0%)"), FormatResourceUsage(5, -3))
	assert.Equal(t, UsageSummary("5 (0%)"), FormatResourceUsage(5, math.NaN()))
	assert.Equal(t, UsageSummary("20 (19%)"), FormatResourceUsage(20, 104))
	assert.Equal(t, UsageSummary("10 (100%)"), FormatResourceUsage(10, 10))
	assert.Equal(t, UsageSummary("1 (13%)"), FormatResourceUsage(1, 8))
	assert.Equal(t, UsageSummary("2.5 (50%)"), FormatResourceUsage(2.5, 5))
	assert.Equal(t, UsageSummary("1 (50%)"), FormatResourceUsage(1, 2))
	assert.Equal(t, UsageSummary("1 (0%)"), FormatResourceUsage(1, 1000))
}

func TestFormatMemoryUsage(t *testing.T) {
	assert.Equal(t, UsageSummary("100G (20%)"), FormatMemoryUsage(100*(1<<30), 500*(1<<30)))
	assert.Equal(t, UsageSummary("0B (0%)"), FormatMemoryUsage(0, 0))
	assert.Equal(t, UsageSummary("1G (0%)"), FormatMemoryUsage(1<<30, 0))
}

func TestParseGRES(t *testing.T) {
	tests := []struct {
		gres     string
		expected int
	}{
		{gres: "", expected: 0},
		{gres: "(null)", expected: 0},
		{gres: "gpu:4", expected: 4},
		{gres: "gpu:a6000:4", expected: 0},
		{gres: "gpu:8(S:0-1),gpu:2", expected: 8},
		{gres: "mps:100,gpu:3", expected: 3},
		{gres: "gpu:99999999999999999999999", expected: 0},
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, ParseGRES(test.gres), test.gres)
	}
}

func TestClassifyNode(t *testing.T) {
	tests := []struct {
		gres     string
		expected NodeType
	}{
		{gres: "", expected: NodeTypeUnknown},
		{gres: "gpu:a6000:8", expected: NodeTypeA6000},
		{gres: "gpu:rtx2080ti:8", expected: NodeTypeRTX2080Ti},
		{gres: "gpu:v100:4", expected: NodeTypeV100},
		{gres: "v100,a6000", expected: NodeTypeA6000},
		{gres: "v100,rtx2080ti", expected: NodeTypeRTX2080Ti},
		{gres: "gpu:A6000:8", expected: NodeTypeUnknown},
		{gres: "gpu:a100:8", expected: NodeTypeUnknown},
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, ClassifyNode(test.gres), test.gres)
	}
}
