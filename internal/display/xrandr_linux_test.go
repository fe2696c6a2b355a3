//go:build linux

package display

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseModeline(t *testing.T) {
	out := `# 1920x1200 119.90 Hz (CVT) hsync: 152.40 kHz; pclk: 410.50 MHz
Modeline "1920x1200_120.00"  410.50  1920 2080 2288 2656  1200 1203 1213 1289 -hsync +vsync`

	name, params, err := parseModeline(out)
	require.NoError(t, err)
	assert.Equal(t, "1920x1200_120.00", name)
	require.NotEmpty(t, params)
	assert.Equal(t, "410.50", params[0])
	assert.Equal(t, "+vsync", params[len(params)-1])
}

func TestParseModelineRejectsGarbage(t *testing.T) {
	_, _, err := parseModeline("cvt: command not found")
	assert.Error(t, err)
}
