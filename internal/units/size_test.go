package units

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		input string
		want  uint64
	}{
		{"0", 0},
		{"100", 100},
		{"100B", 100},
		{"100b", 100},
		{"100K", 102400},
		{"100k", 102400},
		{"1M", 1048576},
		{"1G", 1073741824},
		{"1T", 1099511627776},
		{"1.5G", 1610612736},
		{"0.5M", 524288},
		{"1,234,567", 1234567},
		{"100MB", 100 * 1048576},
		{"100MiB", 100 * 1048576},
		{"18T", 18 * TiB},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSize(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSize_Fractional(t *testing.T) {
	got, err := ParseSize("105.45M")
	require.NoError(t, err)
	assert.InEpsilon(t, 105.45*1048576, float64(got), 1e-6)
}

func TestParseSizeErrors(t *testing.T) {
	tests := []string{
		"",
		"abc",
		"K",
		"notanumber G",
		"-5M",
	}
	for _, input := range tests {
		t.Run(input, func(t *testing.T) {
			_, err := ParseSize(input)
			assert.Error(t, err)
		})
	}
}

func TestParseSizeOverflow(t *testing.T) {
	for _, input := range []string{"16777216T", "20000000T", "17000000.5T", "18446744073709551616"} {
		t.Run(input, func(t *testing.T) {
			_, err := ParseSize(input)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "overflows")
		})
	}

	got, err := ParseSize("16777215T")
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64)-TiB+1, got)

	got, err = ParseSize("18446744073709551615")
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), got)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.0 KiB", FormatBytes(1024))
	assert.Equal(t, "1.5 GiB", FormatBytes(3*GiB/2))
}
