package restream

import (
	"fmt"
	"strings"

	"rillcast/internal/core/domain"

	"github.com/pion/sdp/v3"
)

// input is one tapped producer as ffmpeg sees it.
type input struct {
	producerID domain.ProducerID
	kind       domain.MediaKind
	codec      domain.RTPCodecParameters
	port       int
}

// describe renders the plain RTP session ffmpeg reads its inputs from.
func describe(host string, inputs []input) ([]byte, error) {
	session := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: "rillcast restream",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
	}

	for _, in := range inputs {
		name, err := encodingName(in.codec.MimeType)
		if err != nil {
			return nil, err
		}
		md := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:  string(in.kind),
				Port:   sdp.RangedPort{Value: in.port},
				Protos: []string{"RTP", "AVP"},
			},
		}
		md.WithCodec(in.codec.PayloadType, name, in.codec.ClockRate, in.codec.Channels, domain.FmtpLine(in.codec.Parameters)).
			WithPropertyAttribute(sdp.AttrKeyRecvOnly)
		session.WithMedia(md)
	}
	return session.Marshal()
}

func encodingName(mimeType string) (string, error) {
	_, name, ok := strings.Cut(mimeType, "/")
	if !ok || name == "" {
		return "", fmt.Errorf("malformed mime type %q", mimeType)
	}
	return name, nil
}
