package webrtc

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"rillcast/internal/core/domain"
	apperrors "rillcast/pkg/errors"

	"github.com/pion/webrtc/v4"
)

func codecType(kind domain.MediaKind) webrtc.RTPCodecType {
	if kind == domain.KindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

func feedback(fb []domain.RTCPFeedback) []webrtc.RTCPFeedback {
	out := make([]webrtc.RTCPFeedback, 0, len(fb))
	for _, f := range fb {
		out = append(out, webrtc.RTCPFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return out
}

func capability(mimeType string, clockRate uint32, channels uint16, params map[string]interface{}, fb []domain.RTCPFeedback) webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:     mimeType,
		ClockRate:    clockRate,
		Channels:     channels,
		SDPFmtpLine:  domain.FmtpLine(params),
		RTCPFeedback: feedback(fb),
	}
}

func routerCodec(c domain.RTPCodecCapability) webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: capability(c.MimeType, c.ClockRate, c.Channels, c.Parameters, c.RTCPFeedback),
		PayloadType:        webrtc.PayloadType(c.PreferredPayloadType),
	}
}

func streamCodec(c domain.RTPCodecParameters) webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: capability(c.MimeType, c.ClockRate, c.Channels, c.Parameters, c.RTCPFeedback),
		PayloadType:        webrtc.PayloadType(c.PayloadType),
	}
}

// singleCodecEngine maps exactly one payload type. Producers and consumers
// each get one so that client-chosen payload types resolve.
func singleCodecEngine(kind domain.MediaKind, codec domain.RTPCodecParameters) (*webrtc.MediaEngine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(streamCodec(codec), codecType(kind)); err != nil {
		return nil, fmt.Errorf("failed to register %s/%d: %w", codec.MimeType, codec.PayloadType, err)
	}
	return m, nil
}

func iceParameters(p webrtc.ICEParameters) domain.ICEParameters {
	return domain.ICEParameters{
		UsernameFragment: p.UsernameFragment,
		Password:         p.Password,
		ICELite:          p.ICELite,
	}
}

func iceCandidates(candidates []webrtc.ICECandidate) []domain.ICECandidate {
	out := make([]domain.ICECandidate, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, domain.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			IP:         c.Address,
			Address:    c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
			TCPType:    c.TCPType,
		})
	}
	return out
}

// rankCandidates orders candidates by descending priority. With preferUDP
// the advertised priority of every UDP candidate is raised above the best
// TCP candidate, keeping the order within each protocol.
func rankCandidates(candidates []domain.ICECandidate, preferUDP bool) []domain.ICECandidate {
	ranked := append([]domain.ICECandidate(nil), candidates...)
	byPriority := func() {
		sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Priority > ranked[j].Priority })
	}
	byPriority()
	if !preferUDP {
		return ranked
	}

	var bestTCP uint32
	worstUDP := uint32(math.MaxUint32)
	udp := 0
	for _, c := range ranked {
		switch strings.ToLower(c.Protocol) {
		case "tcp":
			bestTCP = max(bestTCP, c.Priority)
		case "udp":
			worstUDP = min(worstUDP, c.Priority)
			udp++
		}
	}
	if udp == 0 || bestTCP < worstUDP {
		return ranked
	}

	boost := bestTCP - worstUDP + 1
	for i := range ranked {
		if strings.EqualFold(ranked[i].Protocol, "udp") {
			ranked[i].Priority += boost
		}
	}
	byPriority()
	return ranked
}

func remoteCandidates(candidates []domain.ICECandidate) ([]webrtc.ICECandidate, error) {
	out := make([]webrtc.ICECandidate, 0, len(candidates))
	for _, c := range candidates {
		protocol, err := webrtc.NewICEProtocol(strings.ToLower(c.Protocol))
		if err != nil {
			return nil, apperrors.NewInvalidInputError(fmt.Sprintf("invalid candidate protocol %q", c.Protocol))
		}
		typ, err := webrtc.NewICECandidateType(strings.ToLower(c.Type))
		if err != nil {
			return nil, apperrors.NewInvalidInputError(fmt.Sprintf("invalid candidate type %q", c.Type))
		}
		address := c.Address
		if address == "" {
			address = c.IP
		}
		out = append(out, webrtc.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    address,
			Protocol:   protocol,
			Port:       c.Port,
			Typ:        typ,
			Component:  1,
			TCPType:    c.TCPType,
		})
	}
	return out, nil
}

func dtlsParameters(p webrtc.DTLSParameters) domain.DTLSParameters {
	out := domain.DTLSParameters{Role: p.Role.String()}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, domain.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

func remoteDTLS(p domain.DTLSParameters) webrtc.DTLSParameters {
	out := webrtc.DTLSParameters{Role: webrtc.DTLSRoleAuto}
	switch strings.ToLower(p.Role) {
	case "client":
		out.Role = webrtc.DTLSRoleClient
	case "server":
		out.Role = webrtc.DTLSRoleServer
	}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{
			Algorithm: strings.ToLower(f.Algorithm),
			Value:     f.Value,
		})
	}
	return out
}
