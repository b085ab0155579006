// Package resourcename parses and validates the fully-qualified
// resource names the engine stores: projects/{p}/topics/{t} and
// projects/{p}/subscriptions/{s}.
package resourcename

import (
	"regexp"

	"github.com/b87dev/pubsub-broker/internal/models"
)

// segment matches a single path segment: Cloud Pub/Sub requires the
// first character be a letter and forbids leading "goog" prefixes for
// user-created resources; the engine only enforces the shape, not the
// goog-prefix rule (that restriction applies to attribute keys, not
// resource names, per spec.md section 3).
var segment = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.~+%-]{2,254}$`)
var project = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9-]{5,29}$`)

var topicPattern = regexp.MustCompile(`^projects/([^/]+)/topics/([^/]+)$`)
var subscriptionPattern = regexp.MustCompile(`^projects/([^/]+)/subscriptions/([^/]+)$`)
var schemaPattern = regexp.MustCompile(`^projects/([^/]+)/schemas/([^/]+)$`)
var snapshotPattern = regexp.MustCompile(`^projects/([^/]+)/snapshots/([^/]+)$`)

// Topic builds a fully-qualified topic name.
func Topic(project, id string) string {
	return "projects/" + project + "/topics/" + id
}

// Subscription builds a fully-qualified subscription name.
func Subscription(project, id string) string {
	return "projects/" + project + "/subscriptions/" + id
}

// Schema builds a fully-qualified schema name.
func Schema(project, id string) string {
	return "projects/" + project + "/schemas/" + id
}

// Snapshot builds a fully-qualified snapshot name.
func Snapshot(project, id string) string {
	return "projects/" + project + "/snapshots/" + id
}

// ValidateTopic rejects malformed topic names with InvalidArgument.
func ValidateTopic(name string) error {
	return validate(name, topicPattern, "topic")
}

// ValidateSubscription rejects malformed subscription names with
// InvalidArgument.
func ValidateSubscription(name string) error {
	return validate(name, subscriptionPattern, "subscription")
}

// ValidateSchema rejects malformed schema names with InvalidArgument.
func ValidateSchema(name string) error {
	return validate(name, schemaPattern, "schema")
}

// ValidateSnapshot rejects malformed snapshot names with InvalidArgument.
func ValidateSnapshot(name string) error {
	return validate(name, snapshotPattern, "snapshot")
}

func validate(name string, pattern *regexp.Regexp, kind string) error {
	m := pattern.FindStringSubmatch(name)
	if m == nil {
		return models.NewError(models.InvalidArgument, "malformed %s name %q, want projects/{project}/%ss/{id}", kind, name, kind)
	}
	if !project.MatchString(m[1]) {
		return models.NewError(models.InvalidArgument, "malformed %s name %q: bad project id %q", kind, name, m[1])
	}
	if !segment.MatchString(m[2]) {
		return models.NewError(models.InvalidArgument, "malformed %s name %q: bad resource id %q", kind, name, m[2])
	}
	return nil
}

// ShortName returns the trailing path segment of a fully-qualified
// resource name, e.g. "projects/p/topics/t" -> "t".
func ShortName(name string) string {
	pats := []*regexp.Regexp{topicPattern, subscriptionPattern, schemaPattern, snapshotPattern}
	for _, p := range pats {
		if m := p.FindStringSubmatch(name); m != nil {
			return m[2]
		}
	}
	return name
}

// Project returns the project segment of a fully-qualified resource
// name, or "" if name doesn't match any known resource shape.
func Project(name string) string {
	pats := []*regexp.Regexp{topicPattern, subscriptionPattern, schemaPattern, snapshotPattern}
	for _, p := range pats {
		if m := p.FindStringSubmatch(name); m != nil {
			return m[1]
		}
	}
	return ""
}
