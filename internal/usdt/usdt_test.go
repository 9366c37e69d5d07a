package usdt

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"19", 19_000_000},
		{"19.00", 19_000_000},
		{"0.5", 500_000},
		{".25", 250_000},
		{"0.000001", 1},
		{" 49.000000 ", 49_000_000},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, big.NewInt(tt.want), got)
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{"", "-1", "+1", "1.2.3", "abc", "1.0000001", "1e6"} {
		_, err := Parse(in)
		assert.ErrorIs(t, err, ErrInvalidAmount, in)
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0.000000", Format(nil))
	assert.Equal(t, "0.000001", Format(big.NewInt(1)))
	assert.Equal(t, "19.000000", Format(big.NewInt(19_000_000)))
	assert.Equal(t, "1234.567890", Format(big.NewInt(1_234_567_890)))
	assert.Equal(t, "-0.500000", Format(big.NewInt(-500_000)))
}

func TestCovers(t *testing.T) {
	want := MustParse("19.00")
	assert.True(t, Covers(MustParse("19"), want))
	assert.True(t, Covers(MustParse("20"), want))
	assert.False(t, Covers(MustParse("18.999999"), want))
	assert.False(t, Covers(nil, want))
}

func TestMustParsePanics(t *testing.T) {
	assert.Panics(t, func() { MustParse("x") })
}
