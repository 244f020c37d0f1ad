package domain

type ConnectionID string
type WorkerID string
type RouterID string
type TransportID string
type ProducerID string
type ConsumerID string

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

// Direction tells whether a transport carries media from the peer (send)
// or to the peer (recv).
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

func (d Direction) Valid() bool {
	return d == DirectionSend || d == DirectionRecv
}

type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite,omitempty"`
}

type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Address    string `json:"address"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DTLSParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

// TransportOptions configures a new WebRTC transport.
type TransportOptions struct {
	Direction Direction
	EnableUDP bool
	EnableTCP bool
	PreferUDP bool
	AppData   map[string]string
}

// TransportParams is what a client needs to establish its side of a transport.
type TransportParams struct {
	ID             TransportID    `json:"id"`
	ICEParameters  ICEParameters  `json:"iceParameters"`
	ICECandidates  []ICECandidate `json:"iceCandidates"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
}

// ConnectParams carries the remote side of a transport handshake. ICE
// credentials are optional for engines that learn them from STUN.
type ConnectParams struct {
	DTLSParameters DTLSParameters
	ICEParameters  *ICEParameters
	ICECandidates  []ICECandidate
}

type ProducerInfo struct {
	ID   ProducerID `json:"id"`
	Kind MediaKind  `json:"kind"`
}

type ConsumerParams struct {
	ID             ConsumerID    `json:"id"`
	ProducerID     ProducerID    `json:"producerId"`
	Kind           MediaKind     `json:"kind"`
	RTPParameters  RTPParameters `json:"rtpParameters"`
	ProducerPaused bool          `json:"producerPaused"`
}
