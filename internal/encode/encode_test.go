package encode

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"sidescreen/internal/config"
	"sidescreen/internal/types"
)

func TestClampBitrate(t *testing.T) {
	assert.Equal(t, config.MinBitrateMbps, ClampBitrate(0))
	assert.Equal(t, config.MinBitrateMbps, ClampBitrate(-5))
	assert.Equal(t, 100, ClampBitrate(100))
	assert.Equal(t, config.MaxBitrateMbps, ClampBitrate(999999))
}

func TestGamingBoostOverridesStoredSettings(t *testing.T) {
	for _, stored := range []int{20, 500, 5000} {
		bitrate, quality := EffectiveSettings(stored, 0.9, true)
		assert.Equal(t, config.GamingBoostBitrateMbps, bitrate)
		assert.Equal(t, config.GamingBoostQuality, quality)
	}

	bitrate, quality := EffectiveSettings(300, 0.65, false)
	assert.Equal(t, 300, bitrate)
	assert.Equal(t, 0.65, quality)
}

func TestOutputSinkDeliversRepackedUnits(t *testing.T) {
	var got *types.EncodedPacket
	sink := &outputSink{}
	sink.set(func(pkt *types.EncodedPacket) { got = pkt })

	au := annexB(4, testVPS, testSPS, testPPS, testIDR)
	sink.deliver(au, 7)

	assert.NotNil(t, got)
	assert.Equal(t, au, got.Data)
	assert.True(t, got.IsKey)
	assert.Equal(t, uint64(7), got.TimestampNs)
}

func TestOutputSinkNilCallbackSafe(t *testing.T) {
	sink := &outputSink{}
	sink.deliver(annexB(4, testIDR), 0)
	sink.set(nil)
	sink.deliver(annexB(4, testIDR), 0)
}
