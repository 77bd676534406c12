package sfu

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
)

// Client request names.
const (
	MethodGetRtpCapabilities    = "get-rtp-capabilities"
	MethodCreateWebRtcTransport = "create-webrtc-transport"
	MethodConnectTransport      = "connect-transport"
	MethodCloseTransport        = "close-transport"
	MethodCreateProducer        = "create-producer"
	MethodPauseProducer         = "pause-producer"
	MethodResumeProducer        = "resume-producer"
	MethodCloseProducer         = "close-producer"
	MethodCreateConsumer        = "create-consumer"
	MethodPauseConsumer         = "pause-consumer"
	MethodResumeConsumer        = "resume-consumer"
	MethodCloseConsumer         = "close-consumer"
)

type transportRequest struct {
	TransportID    string          `json:"transportId"`
	DtlsParameters json.RawMessage `json:"dtlsParameters"`
}

type producerRequest struct {
	TransportID   string          `json:"transportId"`
	ProducerID    string          `json:"producerId"`
	Kind          string          `json:"kind"`
	RtpParameters json.RawMessage `json:"rtpParameters"`
}

type consumerRequest struct {
	TransportID     string          `json:"transportId"`
	ProducerID      string          `json:"producerId"`
	ConsumerID      string          `json:"consumerId"`
	RtpCapabilities json.RawMessage `json:"rtpCapabilities"`
}

// IDReply is the reply to create-producer.
type IDReply struct {
	ID string `json:"id"`
}

// Handle runs one client request and returns the reply payload. Returned
// errors carry the message the client sees.
func (se *Session) Handle(ctx context.Context, method string, payload []byte) (any, error) {
	if !se.svc.Ready() {
		return nil, ErrNotReady
	}

	switch method {
	case MethodGetRtpCapabilities:
		return se.RtpCapabilities()
	case MethodCreateWebRtcTransport:
		return se.CreateTransport(ctx)

	case MethodConnectTransport, MethodCloseTransport:
		var req transportRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if method == MethodCloseTransport {
			return nil, se.CloseTransport(req.TransportID)
		}
		return nil, se.ConnectTransport(ctx, req.TransportID, req.DtlsParameters)

	case MethodCreateProducer, MethodPauseProducer, MethodResumeProducer, MethodCloseProducer:
		var req producerRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		switch method {
		case MethodCreateProducer:
			id, err := se.Produce(ctx, req.TransportID, req.Kind, req.RtpParameters)
			if err != nil {
				return nil, err
			}
			return IDReply{ID: id}, nil
		case MethodPauseProducer:
			return nil, se.PauseProducer(req.ProducerID)
		case MethodResumeProducer:
			return nil, se.ResumeProducer(req.ProducerID)
		default:
			return nil, se.CloseProducer(req.ProducerID)
		}

	case MethodCreateConsumer, MethodPauseConsumer, MethodResumeConsumer, MethodCloseConsumer:
		var req consumerRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		switch method {
		case MethodCreateConsumer:
			return se.Consume(ctx, req.TransportID, req.ProducerID, req.RtpCapabilities)
		case MethodPauseConsumer:
			return nil, se.PauseConsumer(req.ConsumerID)
		case MethodResumeConsumer:
			return nil, se.ResumeConsumer(req.ConsumerID)
		default:
			return nil, se.CloseConsumer(req.ConsumerID)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
}

func decode(payload []byte, v any) error {
	if len(payload) == 0 {
		return ErrBadRequest
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}
