// Package subscriber provides a streaming-pull adapter over the broker
// engine and a bounded FIFO buffer for the messages it receives.
package subscriber

import (
	"sync"
	"time"

	"github.com/b87dev/pubsub-broker/internal/models"
)

// PubSubMessage represents a received message, in the same
// display-friendly shape the production client's GUI frontend expects.
type PubSubMessage struct {
	ID              string            `json:"id"`
	AckID           string            `json:"ackId"`
	PublishTime     string            `json:"publishTime"` // ISO 8601
	ReceiveTime     string            `json:"receiveTime"` // ISO 8601 (local)
	Data            string            `json:"data"`        // decoded payload
	Attributes      map[string]string `json:"attributes"`
	OrderingKey     string            `json:"orderingKey,omitempty"`
}

// MessageBuffer manages a FIFO buffer of received messages.
type MessageBuffer struct {
	messages []PubSubMessage
	maxSize  int
	mu       sync.RWMutex
}

// NewMessageBuffer creates a MessageBuffer with the given max size.
func NewMessageBuffer(maxSize int) *MessageBuffer {
	if maxSize <= 0 {
		maxSize = 500
	}
	return &MessageBuffer{
		messages: make([]PubSubMessage, 0),
		maxSize:  maxSize,
	}
}

// AddMessage appends msg, dropping the oldest entry if the buffer is
// full.
func (mb *MessageBuffer) AddMessage(msg PubSubMessage) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.messages = append(mb.messages, msg)
	if len(mb.messages) > mb.maxSize {
		mb.messages = mb.messages[1:]
	}
}

// GetMessages returns a defensive copy of every buffered message.
func (mb *MessageBuffer) GetMessages() []PubSubMessage {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	result := make([]PubSubMessage, len(mb.messages))
	copy(result, mb.messages)
	return result
}

// Clear empties the buffer.
func (mb *MessageBuffer) Clear() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.messages = []PubSubMessage{}
}

// Size reports the current number of buffered messages.
func (mb *MessageBuffer) Size() int {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return len(mb.messages)
}

// SetMaxSize updates the maximum buffer size, trimming from the front
// if the current contents now exceed it.
func (mb *MessageBuffer) SetMaxSize(maxSize int) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.maxSize = maxSize
	if len(mb.messages) > maxSize {
		mb.messages = mb.messages[len(mb.messages)-maxSize:]
	}
}

// decodeMessage converts an engine message plus its lease ack-ID into
// the display-friendly PubSubMessage shape.
func decodeMessage(ackID string, msg *models.Message) PubSubMessage {
	attributes := msg.Attributes
	if attributes == nil {
		attributes = make(map[string]string)
	}
	return PubSubMessage{
		ID:          msg.ID,
		AckID:       ackID,
		PublishTime: msg.PublishTime.Format(time.RFC3339),
		ReceiveTime: time.Now().Format(time.RFC3339),
		Data:        string(msg.Data),
		Attributes:  attributes,
		OrderingKey: msg.OrderingKey,
	}
}
