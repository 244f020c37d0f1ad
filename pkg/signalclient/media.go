package signalclient

import (
	"context"

	"rillcast/internal/core/domain"
)

type streamData struct {
	StreamID domain.StreamID `json:"streamId"`
}

type JoinResult struct {
	StreamID domain.StreamID `json:"streamId"`
	Role     domain.Role     `json:"role"`
}

type NewProducerEvent struct {
	ProducerID domain.ProducerID `json:"producerId"`
	Kind       domain.MediaKind  `json:"kind"`
}

type ProducerClosedEvent struct {
	ProducerID domain.ProducerID `json:"producerId"`
}

type ViewerCountEvent struct {
	StreamID domain.StreamID `json:"streamId"`
	Count    int64           `json:"count"`
}

func (c *Client) JoinStream(ctx context.Context, streamID domain.StreamID, role domain.Role) (JoinResult, error) {
	var out JoinResult
	err := c.Request(ctx, "join-stream", map[string]interface{}{"streamId": streamID, "role": role}, &out)
	return out, err
}

func (c *Client) LeaveStream(ctx context.Context, streamID domain.StreamID) error {
	return c.Request(ctx, "leave-stream", streamData{StreamID: streamID}, nil)
}

func (c *Client) RouterCapabilities(ctx context.Context, streamID domain.StreamID) (domain.RTPCapabilities, error) {
	var out struct {
		RTPCapabilities domain.RTPCapabilities `json:"rtpCapabilities"`
	}
	err := c.Request(ctx, "get-router-rtp-capabilities", streamData{StreamID: streamID}, &out)
	return out.RTPCapabilities, err
}

func (c *Client) Producers(ctx context.Context, streamID domain.StreamID) ([]domain.ProducerInfo, error) {
	var out []domain.ProducerInfo
	err := c.Request(ctx, "get-producers", streamData{StreamID: streamID}, &out)
	return out, err
}

func (c *Client) CreateTransport(ctx context.Context, streamID domain.StreamID, direction domain.Direction) (domain.TransportParams, error) {
	var out struct {
		Params domain.TransportParams `json:"params"`
	}
	err := c.Request(ctx, "create-transport", map[string]interface{}{
		"streamId":  streamID,
		"direction": direction,
	}, &out)
	return out.Params, err
}

func (c *Client) ConnectTransport(ctx context.Context, streamID domain.StreamID, transportID domain.TransportID, params domain.ConnectParams) error {
	data := map[string]interface{}{
		"streamId":       streamID,
		"transportId":    transportID,
		"dtlsParameters": params.DTLSParameters,
	}
	if params.ICEParameters != nil {
		data["iceParameters"] = params.ICEParameters
	}
	if len(params.ICECandidates) > 0 {
		data["iceCandidates"] = params.ICECandidates
	}
	return c.Request(ctx, "connect-transport", data, nil)
}

func (c *Client) Produce(ctx context.Context, streamID domain.StreamID, transportID domain.TransportID, kind domain.MediaKind, rtpParameters domain.RTPParameters) (domain.ProducerID, error) {
	var out struct {
		ID domain.ProducerID `json:"id"`
	}
	err := c.Request(ctx, "produce", map[string]interface{}{
		"streamId":      streamID,
		"transportId":   transportID,
		"kind":          kind,
		"rtpParameters": rtpParameters,
	}, &out)
	return out.ID, err
}

func (c *Client) Consume(ctx context.Context, streamID domain.StreamID, transportID domain.TransportID, producerID domain.ProducerID, caps domain.RTPCapabilities) (domain.ConsumerParams, error) {
	var out struct {
		Params domain.ConsumerParams `json:"params"`
	}
	err := c.Request(ctx, "consume", map[string]interface{}{
		"streamId":        streamID,
		"transportId":     transportID,
		"producerId":      producerID,
		"rtpCapabilities": caps,
	}, &out)
	return out.Params, err
}

func (c *Client) ResumeConsumer(ctx context.Context, consumerID domain.ConsumerID) error {
	return c.Request(ctx, "resume-consumer", map[string]interface{}{"consumerId": consumerID}, nil)
}

func (c *Client) PauseProducer(ctx context.Context, producerID domain.ProducerID) error {
	return c.Request(ctx, "pause-producer", map[string]interface{}{"producerId": producerID}, nil)
}

func (c *Client) ResumeProducer(ctx context.Context, producerID domain.ProducerID) error {
	return c.Request(ctx, "resume-producer", map[string]interface{}{"producerId": producerID}, nil)
}
