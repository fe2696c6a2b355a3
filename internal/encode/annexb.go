package encode

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"

	"sidescreen/internal/types"
)

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// repacker normalizes backend output into the bit-exact stream contract:
// 4-byte start codes on every NAL unit, and VPS/SPS/PPS present on every
// access unit. Backends that emit parameter sets only once (or on a
// cadence) have them cached from the first access unit that carries them
// and prepended to any later access unit that lacks them.
//
// Not safe for concurrent use; each encoder owns one.
type repacker struct {
	vps []byte
	sps []byte
	pps []byte
}

func hevcNALUType(nalu []byte) h265.NALUType {
	return h265.NALUType((nalu[0] >> 1) & 0b111111)
}

func isIDR(t h265.NALUType) bool {
	return t == h265.NALUType_IDR_W_RADL || t == h265.NALUType_IDR_N_LP
}

// repack splits one encoded access unit into NAL units (accepting 3- or
// 4-byte start codes) and reassembles it per the output contract.
func (r *repacker) repack(data []byte, timestampNs uint64) (*types.EncodedPacket, error) {
	var au h264.AnnexB // start-code framing is codec-independent
	if err := au.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("parse access unit: %w", err)
	}
	if len(au) == 0 {
		return nil, fmt.Errorf("empty access unit")
	}

	hasVPS, hasSPS, hasPPS, hasIDR := false, false, false, false
	for _, nalu := range au {
		if len(nalu) < 2 {
			continue
		}
		switch t := hevcNALUType(nalu); {
		case t == h265.NALUType_VPS_NUT:
			hasVPS = true
			r.vps = append(r.vps[:0], nalu...)
		case t == h265.NALUType_SPS_NUT:
			hasSPS = true
			r.sps = append(r.sps[:0], nalu...)
		case t == h265.NALUType_PPS_NUT:
			hasPPS = true
			r.pps = append(r.pps[:0], nalu...)
		case isIDR(t):
			hasIDR = true
		}
	}

	out := make([]byte, 0, len(data)+len(r.vps)+len(r.sps)+len(r.pps)+16)

	// Prepend cached parameter sets when the access unit lacks them, so
	// any decoder can bootstrap from this frame alone.
	if !hasVPS && len(r.vps) > 0 {
		out = append(append(out, startCode...), r.vps...)
	}
	if !hasSPS && len(r.sps) > 0 {
		out = append(append(out, startCode...), r.sps...)
	}
	if !hasPPS && len(r.pps) > 0 {
		out = append(append(out, startCode...), r.pps...)
	}
	for _, nalu := range au {
		out = append(append(out, startCode...), nalu...)
	}

	return &types.EncodedPacket{
		Data:        out,
		IsKey:       hasIDR,
		TimestampNs: timestampNs,
	}, nil
}

// haveParameterSets reports whether all three parameter sets are cached.
func (r *repacker) haveParameterSets() bool {
	return len(r.vps) > 0 && len(r.sps) > 0 && len(r.pps) > 0
}
