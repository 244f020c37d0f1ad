package signal

import (
	"encoding/json"

	"rillcast/internal/core/domain"
)

// Client requests.
const (
	EventJoinStream            = "join-stream"
	EventLeaveStream           = "leave-stream"
	EventGetRouterCapabilities = "get-router-rtp-capabilities"
	EventGetProducers          = "get-producers"
	EventCreateTransport       = "create-transport"
	EventConnectTransport      = "connect-transport"
	EventProduce               = "produce"
	EventConsume               = "consume"
	EventResumeConsumer        = "resume-consumer"
	EventPauseProducer         = "pause-producer"
	EventResumeProducer        = "resume-producer"
)

// Server pushes that are not broadcast by the core services.
const (
	EventJoinedStream = "joined-stream"
	EventError        = "error"
)

// Request is a client frame. ID is nil for fire-and-forget requests.
type Request struct {
	ID    *uint64         `json:"id,omitempty"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response answers the request with the same ID.
type Response struct {
	ID    uint64      `json:"id"`
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error *ErrorBody  `json:"error,omitempty"`
}

// Push is a server-initiated frame.
type Push struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

type streamRequest struct {
	StreamID domain.StreamID `json:"streamId"`
}

type joinRequest struct {
	StreamID domain.StreamID `json:"streamId"`
	Role     domain.Role     `json:"role"`
}

type joinResponse struct {
	StreamID domain.StreamID `json:"streamId"`
	Role     domain.Role     `json:"role"`
}

type capabilitiesResponse struct {
	RTPCapabilities domain.RTPCapabilities `json:"rtpCapabilities"`
}

type createTransportRequest struct {
	StreamID  domain.StreamID  `json:"streamId"`
	Direction domain.Direction `json:"direction"`
}

type createTransportResponse struct {
	Params domain.TransportParams `json:"params"`
}

type connectTransportRequest struct {
	StreamID       domain.StreamID       `json:"streamId"`
	TransportID    domain.TransportID    `json:"transportId"`
	DTLSParameters domain.DTLSParameters `json:"dtlsParameters"`
	ICEParameters  *domain.ICEParameters `json:"iceParameters,omitempty"`
	ICECandidates  []domain.ICECandidate `json:"iceCandidates,omitempty"`
}

type produceRequest struct {
	StreamID      domain.StreamID      `json:"streamId"`
	TransportID   domain.TransportID   `json:"transportId"`
	Kind          domain.MediaKind     `json:"kind"`
	RTPParameters domain.RTPParameters `json:"rtpParameters"`
}

type produceResponse struct {
	ID domain.ProducerID `json:"id"`
}

type consumeRequest struct {
	StreamID        domain.StreamID        `json:"streamId"`
	TransportID     domain.TransportID     `json:"transportId"`
	ProducerID      domain.ProducerID      `json:"producerId"`
	RTPCapabilities domain.RTPCapabilities `json:"rtpCapabilities"`
}

type consumeResponse struct {
	Params domain.ConsumerParams `json:"params"`
}

type consumerRequest struct {
	ConsumerID domain.ConsumerID `json:"consumerId"`
}

type producerRequest struct {
	ProducerID domain.ProducerID `json:"producerId"`
}

type successResponse struct {
	Success bool `json:"success"`
}

var succeeded = successResponse{Success: true}

// errorEvent reports the failure of a request that carried no id.
type errorEvent struct {
	Request string `json:"request"`
	ErrorBody
}
