package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type RTCPFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type RTPCodecCapability struct {
	Kind                 MediaKind              `json:"kind"`
	MimeType             string                 `json:"mimeType"`
	PreferredPayloadType uint8                  `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32                 `json:"clockRate"`
	Channels             uint16                 `json:"channels,omitempty"`
	Parameters           map[string]interface{} `json:"parameters,omitempty"`
	RTCPFeedback         []RTCPFeedback         `json:"rtcpFeedback,omitempty"`
}

type RTPHeaderExtension struct {
	Kind        MediaKind `json:"kind,omitempty"`
	URI         string    `json:"uri"`
	PreferredID int       `json:"preferredId"`
	Direction   string    `json:"direction,omitempty"`
}

type RTPCapabilities struct {
	Codecs           []RTPCodecCapability `json:"codecs"`
	HeaderExtensions []RTPHeaderExtension `json:"headerExtensions"`
}

type RTPCodecParameters struct {
	MimeType     string                 `json:"mimeType"`
	PayloadType  uint8                  `json:"payloadType"`
	ClockRate    uint32                 `json:"clockRate"`
	Channels     uint16                 `json:"channels,omitempty"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	RTCPFeedback []RTCPFeedback         `json:"rtcpFeedback,omitempty"`
}

type RTX struct {
	SSRC uint32 `json:"ssrc"`
}

type RTPEncodingParameters struct {
	SSRC            uint32 `json:"ssrc,omitempty"`
	RID             string `json:"rid,omitempty"`
	RTX             *RTX   `json:"rtx,omitempty"`
	MaxBitrate      uint64 `json:"maxBitrate,omitempty"`
	ScalabilityMode string `json:"scalabilityMode,omitempty"`
}

type RTPHeaderExtensionParameters struct {
	URI     string `json:"uri"`
	ID      int    `json:"id"`
	Encrypt bool   `json:"encrypt,omitempty"`
}

type RTCPParameters struct {
	CNAME       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize"`
}

type RTPParameters struct {
	MID              string                         `json:"mid,omitempty"`
	Codecs           []RTPCodecParameters           `json:"codecs"`
	HeaderExtensions []RTPHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []RTPEncodingParameters        `json:"encodings,omitempty"`
	RTCP             RTCPParameters                 `json:"rtcp"`
}

var videoFeedback = []RTCPFeedback{
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "goog-remb"},
}

// RouterCodecs is the ordered codec set every router is created with.
func RouterCodecs() []RTPCodecCapability {
	return []RTPCodecCapability{
		{
			Kind:                 KindAudio,
			MimeType:             "audio/opus",
			PreferredPayloadType: 100,
			ClockRate:            48000,
			Channels:             2,
		},
		{
			Kind:                 KindVideo,
			MimeType:             "video/VP8",
			PreferredPayloadType: 101,
			ClockRate:            90000,
			Parameters: map[string]interface{}{
				"x-google-start-bitrate": 1000,
			},
			RTCPFeedback: videoFeedback,
		},
		{
			Kind:                 KindVideo,
			MimeType:             "video/VP9",
			PreferredPayloadType: 102,
			ClockRate:            90000,
			Parameters: map[string]interface{}{
				"profile-id":             2,
				"x-google-start-bitrate": 1000,
			},
			RTCPFeedback: videoFeedback,
		},
		{
			Kind:                 KindVideo,
			MimeType:             "video/h264",
			PreferredPayloadType: 103,
			ClockRate:            90000,
			Parameters: map[string]interface{}{
				"packetization-mode":      1,
				"profile-level-id":        "4d0032",
				"level-asymmetry-allowed": 1,
				"x-google-start-bitrate":  1000,
			},
			RTCPFeedback: videoFeedback,
		},
	}
}

// NewRTPCapabilities builds the capability set advertised for a router.
func NewRTPCapabilities(codecs []RTPCodecCapability) RTPCapabilities {
	caps := RTPCapabilities{
		Codecs:           make([]RTPCodecCapability, len(codecs)),
		HeaderExtensions: []RTPHeaderExtension{},
	}
	copy(caps.Codecs, codecs)
	return caps
}

// FmtpLine renders codec parameters in SDP fmtp form with sorted keys.
func FmtpLine(params map[string]interface{}) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+ParamString(params, k))
	}
	return strings.Join(parts, ";")
}

// ParamString returns a codec parameter as a string whether it was decoded
// from JSON as a number or a string.
func ParamString(params map[string]interface{}, key string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	default:
		return fmt.Sprint(val)
	}
}

func isRTX(mimeType string) bool {
	return strings.HasSuffix(strings.ToLower(mimeType), "/rtx")
}

func channelsOrOne(c uint16) uint16 {
	if c == 0 {
		return 1
	}
	return c
}

// codecsMatch compares a codec description against a capability. Strict
// matching also requires the format parameters that change the bitstream to agree.
func codecsMatch(mimeType string, clockRate uint32, channels uint16, params map[string]interface{}, c RTPCodecCapability, strict bool) bool {
	if !strings.EqualFold(mimeType, c.MimeType) || clockRate != c.ClockRate {
		return false
	}
	if strings.HasPrefix(strings.ToLower(mimeType), "audio/") && channelsOrOne(channels) != channelsOrOne(c.Channels) {
		return false
	}
	if !strict {
		return true
	}

	switch strings.ToLower(mimeType) {
	case "video/h264":
		if paramOrDefault(params, "packetization-mode", "0") != paramOrDefault(c.Parameters, "packetization-mode", "0") {
			return false
		}
		a := h264Profile(paramOrDefault(params, "profile-level-id", "42e01f"))
		b := h264Profile(paramOrDefault(c.Parameters, "profile-level-id", "42e01f"))
		return a != "" && a == b
	case "video/vp9":
		return paramOrDefault(params, "profile-id", "0") == paramOrDefault(c.Parameters, "profile-id", "0")
	}
	return true
}

func paramOrDefault(params map[string]interface{}, key, def string) string {
	if v := ParamString(params, key); v != "" {
		return v
	}
	return def
}

type h264ProfilePattern struct {
	idc   byte
	mask  byte
	value byte
	name  string
}

var h264Profiles = []h264ProfilePattern{
	{0x42, 0x4f, 0x40, "constrained-baseline"},
	{0x4d, 0x8f, 0x80, "constrained-baseline"},
	{0x58, 0xcf, 0xc0, "constrained-baseline"},
	{0x42, 0x4f, 0x00, "baseline"},
	{0x58, 0xcf, 0x80, "baseline"},
	{0x4d, 0xaf, 0x00, "main"},
	{0x64, 0xff, 0x00, "high"},
	{0x64, 0xff, 0x0c, "constrained-high"},
	{0xf4, 0xff, 0x00, "predictive-high-444"},
}

// h264Profile names the profile encoded in a profile-level-id, or returns
// "" when it cannot be parsed.
func h264Profile(plid string) string {
	if len(plid) != 6 {
		return ""
	}
	v, err := strconv.ParseUint(plid, 16, 32)
	if err != nil {
		return ""
	}
	idc := byte(v >> 16)
	iop := byte(v >> 8)
	for _, p := range h264Profiles {
		if p.idc == idc && iop&p.mask == p.value {
			return p.name
		}
	}
	return ""
}

// SupportedCodecs checks that every media codec a producer sends is one the
// router negotiated.
func SupportedCodecs(params RTPParameters, router []RTPCodecCapability) error {
	media := 0
	for _, codec := range params.Codecs {
		if isRTX(codec.MimeType) {
			continue
		}
		media++
		found := false
		for _, rc := range router {
			if codecsMatch(codec.MimeType, codec.ClockRate, codec.Channels, codec.Parameters, rc, true) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrUnsupportedCodec, codec.MimeType)
		}
	}
	if media == 0 {
		return fmt.Errorf("%w: no media codecs", ErrUnsupportedCodec)
	}
	return nil
}

// CanConsume reports whether a consumer advertising caps can receive a
// producer sending params.
func CanConsume(params RTPParameters, caps RTPCapabilities) bool {
	_, ok := matchConsumerCodec(params, caps)
	return ok
}

func matchConsumerCodec(params RTPParameters, caps RTPCapabilities) (RTPCodecCapability, bool) {
	for _, codec := range params.Codecs {
		if isRTX(codec.MimeType) {
			continue
		}
		for _, c := range caps.Codecs {
			if codecsMatch(codec.MimeType, codec.ClockRate, codec.Channels, codec.Parameters, c, true) {
				return c, true
			}
		}
		// Only the first media codec is the one being sent.
		return RTPCodecCapability{}, false
	}
	return RTPCodecCapability{}, false
}

// ConsumerRTPParameters derives what a consumer receives from the producer's
// parameters and the consumer's capabilities.
func ConsumerRTPParameters(params RTPParameters, caps RTPCapabilities, ssrc uint32) (RTPParameters, error) {
	c, ok := matchConsumerCodec(params, caps)
	if !ok {
		return RTPParameters{}, ErrIncompatibleCapabilities
	}

	var producerCodec RTPCodecParameters
	for _, codec := range params.Codecs {
		if !isRTX(codec.MimeType) {
			producerCodec = codec
			break
		}
	}

	payloadType := c.PreferredPayloadType
	if payloadType == 0 {
		payloadType = producerCodec.PayloadType
	}

	return RTPParameters{
		Codecs: []RTPCodecParameters{{
			MimeType:     producerCodec.MimeType,
			PayloadType:  payloadType,
			ClockRate:    producerCodec.ClockRate,
			Channels:     producerCodec.Channels,
			Parameters:   producerCodec.Parameters,
			RTCPFeedback: c.RTCPFeedback,
		}},
		Encodings: []RTPEncodingParameters{{SSRC: ssrc}},
		RTCP: RTCPParameters{
			CNAME:       params.RTCP.CNAME,
			ReducedSize: true,
		},
	}, nil
}

// MediaCodec returns the first non-RTX codec of params.
func (p RTPParameters) MediaCodec() (RTPCodecParameters, bool) {
	for _, codec := range p.Codecs {
		if !isRTX(codec.MimeType) {
			return codec, true
		}
	}
	return RTPCodecParameters{}, false
}
