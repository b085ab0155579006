package models

import "time"

// Encoding is the wire encoding a topic's schema settings declare.
type Encoding string

const (
	EncodingJSON   Encoding = "JSON"
	EncodingBinary Encoding = "BINARY"
)

// SchemaSettings binds a topic to a schema and the encoding publishers
// must use.
type SchemaSettings struct {
	Schema   string // fully-qualified schema name
	Encoding Encoding
}

// MessageStoragePolicy is accepted for API parity with the emulated
// service; the in-memory engine has no notion of region placement.
type MessageStoragePolicy struct {
	AllowedPersistenceRegions []string
}

// Topic is an in-memory topic: a name, retention policy, optional
// schema binding, and the set of subscriptions currently attached.
type Topic struct {
	Name                     string
	Labels                   map[string]string
	MessageRetentionDuration time.Duration
	SchemaSettings           *SchemaSettings
	MessageStoragePolicy     *MessageStoragePolicy
	MessageOrdering          bool

	// Subscriptions holds the names of subscriptions currently attached
	// to this topic. Deleting the topic removes it from the registry
	// entirely and marks each attached subscription Detached; fan-out
	// skips detached subscriptions by that flag, not by this field.
	Subscriptions map[string]bool
}

const (
	MinMessageRetention     = 24 * time.Hour
	MaxMessageRetention     = 31 * 24 * time.Hour
	DefaultMessageRetention = 7 * 24 * time.Hour
)

// NewTopic builds a Topic with defaults applied.
func NewTopic(name string) *Topic {
	return &Topic{
		Name:                     name,
		Labels:                   map[string]string{},
		MessageRetentionDuration: DefaultMessageRetention,
		Subscriptions:            map[string]bool{},
	}
}
