package subscriber

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/b87dev/pubsub-broker/internal/broker"
	"github.com/b87dev/pubsub-broker/internal/broker/dispatch"
	"github.com/b87dev/pubsub-broker/internal/models"
)

// EventEmitter is notified of streaming-pull lifecycle events; the
// host process wires this to whatever transport it layers on top of
// the broker (a CLI's stdout, a UI's event bus). A nil EventEmitter
// disables notification entirely.
type EventEmitter interface {
	MessageReceived(subscriptionName string, msg PubSubMessage)
	StreamError(subscriptionName string, err error)
}

// MessageStreamer drives streaming-pull for one subscription against
// the broker engine, buffering received messages and optionally
// auto-acking them.
type MessageStreamer struct {
	ctx              context.Context
	broker           *broker.Broker
	subscriptionName string
	buffer           *MessageBuffer
	flowControl      dispatch.FlowControl
	emitter          EventEmitter
	autoAck          bool

	cancel   context.CancelFunc
	doneChan chan struct{}
	errChan  chan error
}

// NewMessageStreamer creates a MessageStreamer for subscriptionName.
func NewMessageStreamer(ctx context.Context, b *broker.Broker, subscriptionName string, buffer *MessageBuffer, autoAck bool, emitter EventEmitter) *MessageStreamer {
	streamCtx, cancel := context.WithCancel(ctx)
	return &MessageStreamer{
		ctx:              streamCtx,
		broker:           b,
		subscriptionName: subscriptionName,
		buffer:           buffer,
		flowControl:      dispatch.FlowControl{MaxOutstandingMessages: 1000},
		emitter:          emitter,
		autoAck:          autoAck,
		cancel:           cancel,
		doneChan:         make(chan struct{}),
		errChan:          make(chan error, 1),
	}
}

// Start begins the streaming-pull receive loop in a new goroutine.
func (ms *MessageStreamer) Start() error {
	if ms.broker == nil {
		return fmt.Errorf("broker is nil")
	}
	go ms.receiveMessages()
	return nil
}

func (ms *MessageStreamer) receiveMessages() {
	defer close(ms.doneChan)

	err := ms.broker.Receive(ms.ctx, ms.subscriptionName, ms.flowControl, func(ctx context.Context, ackID string, msg *models.Message) {
		decoded := decodeMessage(ackID, msg)
		ms.buffer.AddMessage(decoded)
		if ms.emitter != nil {
			ms.emitter.MessageReceived(ms.subscriptionName, decoded)
		}
		if ms.autoAck {
			if _, err := ms.broker.Acknowledge(ms.subscriptionName, []string{ackID}); err != nil {
				log.Printf("auto-ack failed for subscription %s: %v", ms.subscriptionName, err)
			}
		}
		// Otherwise the message remains unacked until the caller acks it
		// explicitly or its lease expires and the broker redelivers it.
	})

	if err == nil || err == context.Canceled {
		return
	}
	if models.KindOf(err) == models.NotFound {
		// Subscription was deleted out from under the stream; expected
		// during cleanup, not worth surfacing as an error.
		return
	}

	log.Printf("error receiving messages for subscription %s: %v", ms.subscriptionName, err)
	select {
	case <-ms.ctx.Done():
	default:
		if ms.emitter != nil {
			ms.emitter.StreamError(ms.subscriptionName, err)
		}
	}
	select {
	case ms.errChan <- err:
	default:
	}
}

// Stop cancels the receive loop and waits (with a timeout) for it to
// exit.
func (ms *MessageStreamer) Stop() error {
	ms.cancel()
	select {
	case <-ms.doneChan:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for streamer to stop")
	}
}

// SetAutoAck updates the auto-acknowledge setting; it only affects
// messages received after the call.
func (ms *MessageStreamer) SetAutoAck(enabled bool) { ms.autoAck = enabled }

// GetAutoAck returns the current auto-ack setting.
func (ms *MessageStreamer) GetAutoAck() bool { return ms.autoAck }

// GetBuffer returns the message buffer backing this streamer.
func (ms *MessageStreamer) GetBuffer() *MessageBuffer { return ms.buffer }
