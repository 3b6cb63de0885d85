package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBytes(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"512", 512},
		{"1k", 1024},
		{"1kb", 1024},
		{" 64M ", 64 << 20},
		{"1.5m", 3 << 19},
		{"2g", 2 << 30},
		{"10b", 10},
		{"3 mb", 3 << 20},
	}
	for _, tt := range tests {
		got, err := ParseBytes(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "b", "lots", "-1k", "1t", "inf", "nan"} {
		_, err := ParseBytes(bad)
		assert.Error(t, err, bad)
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "0b", FormatBytes(0))
	assert.Equal(t, "1023b", FormatBytes(1023))
	assert.Equal(t, "1kb", FormatBytes(1024))
	assert.Equal(t, "1.5kb", FormatBytes(1536))
	assert.Equal(t, "64mb", FormatBytes(64<<20))
	assert.Equal(t, "2.5gb", FormatBytes(5<<29))
}
