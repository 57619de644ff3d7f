// Package address encodes and decodes transport destinations.
//
// A destination is either a queue or a topic. Publishing is exposed through
// the same string based Send signature as point-to-point sends, so a topic
// destination is encoded as PublishMarker followed by the formatted topic
// name. PublishMarker cannot occur in a broker entity name, which keeps the
// two forms unambiguous.
package address

import (
	"strings"

	"github.com/ava-labs/servicebus-transport/pkg/faults"
)

// PublishMarker prefixes encoded topic addresses.
const PublishMarker = "topic://"

// Kind tells a queue destination from a topic destination.
type Kind int

const (
	KindQueue Kind = iota
	KindTopic
)

func (k Kind) String() string {
	if k == KindTopic {
		return "topic"
	}
	return "queue"
}

// Destination is a decoded address.
type Destination struct {
	Kind Kind
	Name string
}

// Queue returns a queue destination. It fails when name is empty or contains
// the publish marker.
func Queue(name string) (Destination, error) {
	if name == "" {
		return Destination{}, faults.Configuration("queue name must not be empty")
	}
	if strings.Contains(name, PublishMarker) {
		return Destination{}, faults.Configuration("queue name %q contains the reserved marker %q", name, PublishMarker)
	}
	return Destination{Kind: KindQueue, Name: name}, nil
}

// Topic returns a topic destination.
func Topic(name string) (Destination, error) {
	if name == "" {
		return Destination{}, faults.Configuration("topic name must not be empty")
	}
	if strings.Contains(name, PublishMarker) {
		return Destination{}, faults.Configuration("topic name %q contains the reserved marker %q", name, PublishMarker)
	}
	return Destination{Kind: KindTopic, Name: name}, nil
}

// Parse decodes an address string.
func Parse(s string) (Destination, error) {
	if name, ok := strings.CutPrefix(s, PublishMarker); ok {
		return Topic(name)
	}
	return Queue(s)
}

// IsTopic reports whether the destination is a publish target.
func (d Destination) IsTopic() bool {
	return d.Kind == KindTopic
}

// String encodes the destination.
func (d Destination) String() string {
	if d.Kind == KindTopic {
		return PublishMarker + d.Name
	}
	return d.Name
}
