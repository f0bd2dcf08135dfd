package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePercent(t *testing.T) {
	p, ok := ParsePercent("105.45M 13% 602.83kB/s 0:02:50")
	require.True(t, ok)
	assert.Equal(t, 13, p.Percent)
	assert.True(t, p.SizeOK)
	assert.InEpsilon(t, 110_605_140, float64(p.Bytes), 0.001)
}

func TestParsePercentVariants(t *testing.T) {
	tests := []struct {
		line    string
		bytes   uint64
		percent int
	}{
		{"      1,234,567  12%   1.18MB/s    0:00:01 (xfr#1, to-chk=0/3)", 1234567, 12},
		{"\r  32,768 100%  31.25MB/s    0:00:00", 32768, 100},
		{"2K 0%", 2048, 0},
		{"1.5G 50%", 1610612736, 50},
		{"0   0%    0.00kB/s    0:00:00", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			p, ok := ParsePercent(tt.line)
			require.True(t, ok)
			assert.Equal(t, tt.bytes, p.Bytes)
			assert.Equal(t, tt.percent, p.Percent)
		})
	}
}

func TestParsePercentRejects(t *testing.T) {
	for _, line := range []string{
		"",
		"sending incremental file list",
		"a/b.txt",
		"Number of files: 3 (reg: 2, dir: 1)",
		"13%",
	} {
		_, ok := ParsePercent(line)
		assert.False(t, ok, line)
	}
}

func TestPercentResolve(t *testing.T) {
	p := Percent{Bytes: 900, Percent: 13, SizeOK: true}
	assert.Equal(t, uint64(130), p.Resolve(1000))
	assert.Equal(t, uint64(900), p.Resolve(0))

	over := Percent{Percent: 140}
	assert.Equal(t, uint64(1000), over.Resolve(1000))
}
