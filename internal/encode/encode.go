// Package encode turns raw frames into a low-latency H.265 Annex-B stream.
//
// Output contract, enforced on every access unit regardless of backend:
// 4-byte 00 00 00 01 start codes, HEVC Main profile, all-intra (GOP 1, no
// B-frames), VPS/SPS/PPS present on every access unit so a client decoder
// can bootstrap from any frame.
package encode

import (
	"log"
	"sync"

	"sidescreen/internal/config"
	"sidescreen/internal/types"
)

// backendFactory builds one encoder backend; declared per platform.
type backendFactory struct {
	name string
	open func(width, height, fps, bitrateMbps int) (types.VideoEncoder, error)
}

// New selects the first working backend in declared order: direct
// hardware first, the portable libavcodec chain (ending in software
// x265) as last resort.
func New(width, height, fps, bitrateMbps int) (types.VideoEncoder, error) {
	bitrateMbps = ClampBitrate(bitrateMbps)

	for _, f := range backendFactories {
		enc, err := f.open(width, height, fps, bitrateMbps)
		if err != nil {
			log.Printf("encode: %s unavailable: %v", f.name, err)
			continue
		}
		log.Printf("encode: using %s", enc.Name())
		return enc, nil
	}
	return nil, types.ErrBackendMissing
}

// ClampBitrate bounds a requested bitrate to the supported range.
func ClampBitrate(mbps int) int {
	if mbps < config.MinBitrateMbps {
		return config.MinBitrateMbps
	}
	if mbps > config.MaxBitrateMbps {
		return config.MaxBitrateMbps
	}
	return mbps
}

// EffectiveSettings resolves the stored bitrate/quality against the gaming
// boost override: boost replaces both with fixed high-performance values.
func EffectiveSettings(bitrateMbps int, quality float64, gamingBoost bool) (int, float64) {
	if gamingBoost {
		return config.GamingBoostBitrateMbps, config.GamingBoostQuality
	}
	return ClampBitrate(bitrateMbps), quality
}

// outputSink holds the downstream callback and the Annex-B repacker shared
// by all backends. deliver runs on whichever goroutine the backend emits
// from; one frame at a time per the pipelining rule, so the repacker needs
// no lock of its own.
type outputSink struct {
	mu sync.Mutex
	cb types.OutputCallback
	rp repacker
}

func (o *outputSink) set(cb types.OutputCallback) {
	o.mu.Lock()
	o.cb = cb
	o.mu.Unlock()
}

func (o *outputSink) deliver(data []byte, timestampNs uint64) {
	pkt, err := o.rp.repack(data, timestampNs)
	if err != nil {
		log.Printf("encode: dropping malformed access unit: %v", err)
		return
	}

	o.mu.Lock()
	cb := o.cb
	o.mu.Unlock()
	if cb != nil {
		cb(pkt)
	}
}
