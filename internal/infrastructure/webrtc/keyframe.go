package webrtc

import (
	"encoding/binary"
	"strings"

	"github.com/pion/rtp/codecs"
)

const (
	h264NALUTypeIDR  = 5
	h264NALUTypeSPS  = 7
	h264NALUTypeSTAP = 24
	h264NALUTypeFUA  = 28
)

// startsKeyframe reports whether payload is the first packet of a frame a
// decoder can start from. Codecs it cannot inspect always report true.
func startsKeyframe(mimeType string, payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	switch strings.ToLower(mimeType) {
	case "video/vp8":
		var vp8 codecs.VP8Packet
		if _, err := vp8.Unmarshal(payload); err != nil || len(vp8.Payload) == 0 {
			return false
		}
		// P bit of the VP8 payload header is zero on keyframes.
		return vp8.S == 1 && vp8.PID == 0 && vp8.Payload[0]&0x01 == 0
	case "video/vp9":
		var vp9 codecs.VP9Packet
		if _, err := vp9.Unmarshal(payload); err != nil {
			return false
		}
		return vp9.B && !vp9.P && vp9.SID == 0
	case "video/h264":
		return h264StartsKeyframe(payload)
	default:
		return true
	}
}

func h264StartsKeyframe(payload []byte) bool {
	switch nalType := payload[0] & 0x1F; nalType {
	case h264NALUTypeIDR, h264NALUTypeSPS:
		return true
	case h264NALUTypeSTAP:
		for offset := 1; offset+2 < len(payload); {
			size := int(binary.BigEndian.Uint16(payload[offset:]))
			offset += 2
			if offset >= len(payload) {
				break
			}
			if t := payload[offset] & 0x1F; t == h264NALUTypeIDR || t == h264NALUTypeSPS {
				return true
			}
			offset += size
		}
	case h264NALUTypeFUA:
		if len(payload) < 2 || payload[1]&0x80 == 0 {
			return false
		}
		t := payload[1] & 0x1F
		return t == h264NALUTypeIDR || t == h264NALUTypeSPS
	}
	return false
}
