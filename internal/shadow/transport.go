package shadow

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConnection is returned when the broker connection cannot be opened.
	ErrConnection = errors.New("mqtt connection failed")
	// ErrStatusTimeout is returned when the shadow does not answer in time.
	ErrStatusTimeout = errors.New("timed out waiting for robot status")
	// ErrUnknownCommand is returned for a command name outside Commands.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrClosed is returned by a transport after Close.
	ErrClosed = errors.New("transport closed")
)

// Dialer opens a broker connection scoped to one device.
type Dialer interface {
	Dial(ctx context.Context, deviceID string) (Transport, error)
}

// Transport is an open broker connection for one device.
type Transport interface {
	// Publish sends payload at QoS 1 and waits for the broker to accept it.
	Publish(ctx context.Context, topic string, payload []byte) error
	// GetShadow requests the full shadow document and waits for the reply.
	GetShadow(ctx context.Context) ([]byte, error)
	// SubscribeDelta calls fn with every shadow delta until the returned
	// cancel func is called or the transport closes.
	SubscribeDelta(fn func(payload []byte)) (cancel func(), err error)
	Close() error
}

// PublishError is returned when a command could not be published.
type PublishError struct {
	Command Command
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s command: %v", e.Command, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// CommandFailedError is returned when the robot status could not be read
// after the command, reconnect included.
type CommandFailedError struct {
	Command Command
	Err     error
}

func (e *CommandFailedError) Error() string {
	return fmt.Sprintf("%s command failed: %v", e.Command, e.Err)
}

func (e *CommandFailedError) Unwrap() error { return e.Err }

// ShadowRejectedError is the broker's refusal of a shadow request.
type ShadowRejectedError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ShadowRejectedError) Error() string {
	return fmt.Sprintf("shadow request rejected: %d %s", e.Code, e.Message)
}
