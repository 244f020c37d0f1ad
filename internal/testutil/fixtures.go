package testutil

import (
	"sync"

	"rillcast/internal/core/domain"
)

// VP8Parameters is what a browser typically sends when producing VP8.
func VP8Parameters() domain.RTPParameters {
	return domain.RTPParameters{
		MID: "0",
		Codecs: []domain.RTPCodecParameters{
			{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000},
			{MimeType: "video/rtx", PayloadType: 97, ClockRate: 90000, Parameters: map[string]interface{}{"apt": 96}},
		},
		Encodings: []domain.RTPEncodingParameters{{SSRC: 11111111, RTX: &domain.RTX{SSRC: 22222222}}},
		RTCP:      domain.RTCPParameters{CNAME: "host-cname", ReducedSize: true},
	}
}

func OpusParameters() domain.RTPParameters {
	return domain.RTPParameters{
		MID:       "1",
		Codecs:    []domain.RTPCodecParameters{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}},
		Encodings: []domain.RTPEncodingParameters{{SSRC: 33333333}},
		RTCP:      domain.RTCPParameters{CNAME: "host-cname", ReducedSize: true},
	}
}

// ViewerCapabilities advertises opus and VP8 only.
func ViewerCapabilities() domain.RTPCapabilities {
	return domain.RTPCapabilities{
		Codecs: []domain.RTPCodecCapability{
			{Kind: domain.KindAudio, MimeType: "audio/opus", PreferredPayloadType: 100, ClockRate: 48000, Channels: 2},
			{Kind: domain.KindVideo, MimeType: "video/VP8", PreferredPayloadType: 101, ClockRate: 90000},
		},
	}
}

// AudioOnlyCapabilities cannot receive any video.
func AudioOnlyCapabilities() domain.RTPCapabilities {
	return domain.RTPCapabilities{
		Codecs: []domain.RTPCodecCapability{
			{Kind: domain.KindAudio, MimeType: "audio/opus", PreferredPayloadType: 100, ClockRate: 48000, Channels: 2},
		},
	}
}

func ClientDTLS() domain.DTLSParameters {
	return domain.DTLSParameters{
		Role:         "client",
		Fingerprints: []domain.DTLSFingerprint{{Algorithm: "sha-256", Value: "11:22:33"}},
	}
}

// BroadcastRecord is one captured broadcast.
type BroadcastRecord struct {
	StreamID domain.StreamID
	Event    string
	Data     interface{}
	Except   domain.ConnectionID
}

// RecordingBroadcaster captures broadcasts instead of delivering them.
type RecordingBroadcaster struct {
	mu      sync.Mutex
	records []BroadcastRecord
}

func (b *RecordingBroadcaster) BroadcastToStream(streamID domain.StreamID, event string, data interface{}, except domain.ConnectionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, BroadcastRecord{StreamID: streamID, Event: event, Data: data, Except: except})
}

// Events returns the captured broadcasts with the given event name.
func (b *RecordingBroadcaster) Events(event string) []BroadcastRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []BroadcastRecord
	for _, r := range b.records {
		if r.Event == event {
			out = append(out, r)
		}
	}
	return out
}

func (b *RecordingBroadcaster) Reset() {
	b.mu.Lock()
	b.records = nil
	b.mu.Unlock()
}
