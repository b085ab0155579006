package models

import (
	"errors"
	"time"
)

// ErrInvalidConfig is returned (wrapped) when a stored broker-defaults
// config file cannot be parsed as JSON or fails field validation.
var ErrInvalidConfig = errors.New("config: invalid configuration file")

// BrokerDefaults holds the broker-wide defaults a host process reads
// at startup. brokerd seeds broker.Options from the batching and flow
// control fields only: AckDeadline is logged but not applied,
// MessageRetentionDuration is not read, and LogDir is not consulted by
// the logger.
type BrokerDefaults struct {
	AckDeadline              time.Duration `json:"ackDeadline" validate:"gte=0"`
	MessageRetentionDuration time.Duration `json:"messageRetentionDuration" validate:"gte=0"`

	MaxBatchMessages int           `json:"maxBatchMessages" validate:"gte=0"`
	MaxBatchBytes    int           `json:"maxBatchBytes" validate:"gte=0"`
	MaxBatchDelay    time.Duration `json:"maxBatchDelay" validate:"gte=0"`

	MaxOutstandingMessages int `json:"maxOutstandingMessages" validate:"gte=0"`
	MaxOutstandingBytes    int `json:"maxOutstandingBytes" validate:"gte=0"`

	LogDir string `json:"logDir"`
}

// NewDefaultBrokerDefaults returns the out-of-the-box configuration a
// fresh install starts with, mirroring the production client's own
// batching/flow-control defaults.
func NewDefaultBrokerDefaults() *BrokerDefaults {
	return &BrokerDefaults{
		AckDeadline:              DefaultAckDeadline,
		MessageRetentionDuration: DefaultMessageRetention,
		MaxBatchMessages:         100,
		MaxBatchBytes:            1 << 20,
		MaxBatchDelay:            10 * time.Millisecond,
		MaxOutstandingMessages:   1000,
		MaxOutstandingBytes:      1 << 30,
	}
}
