// Package topic models the hierarchical topic tree exposed on the bus.
//
// A topic is <namespace>/<instance>/<layer1>/.../<layerN>. Layers under an
// instance are classes or attributes; attributes are always leaves. On the
// wire an attribute topic carries a direction suffix:
//
//	<topic>/att   broker -> subscribers, retained state
//	<topic>/cmd   bus -> attribute, commands, never retained
package topic

import (
	"errors"
	"fmt"
	"strings"
)

// Direction suffixes.
const (
	SuffixAtt = "att"
	SuffixCmd = "cmd"
)

// Separator is the topic level separator.
const Separator = "/"

var (
	// ErrInvalidName is returned for a layer name that cannot appear in a topic.
	ErrInvalidName = errors.New("topic: invalid layer name")

	// ErrOutsideNamespace is returned when parsing a topic from another namespace.
	ErrOutsideNamespace = errors.New("topic: outside namespace")
)

// Topic is a parsed topic: the namespace, the instance name and the layers
// below the instance.
type Topic struct {
	Namespace string
	Instance  string
	Layers    []string
}

// New returns the topic of an instance root.
func New(namespace, instance string) Topic {
	return Topic{Namespace: namespace, Instance: instance}
}

// Child returns a copy of t extended by one layer.
func (t Topic) Child(name string) Topic {
	layers := make([]string, len(t.Layers), len(t.Layers)+1)
	copy(layers, t.Layers)
	return Topic{Namespace: t.Namespace, Instance: t.Instance, Layers: append(layers, name)}
}

// Name returns the last layer, or the instance name for an instance root.
func (t Topic) Name() string {
	if len(t.Layers) == 0 {
		return t.Instance
	}
	return t.Layers[len(t.Layers)-1]
}

// Depth returns the number of layers below the instance.
func (t Topic) Depth() int {
	return len(t.Layers)
}

// String composes the full topic.
//
// Example: New("", "memory_map").Child("registers").String() == "/memory_map/registers"
func (t Topic) String() string {
	var b strings.Builder
	b.WriteString(t.Namespace)
	b.WriteString(Separator)
	b.WriteString(t.Instance)
	for _, l := range t.Layers {
		b.WriteString(Separator)
		b.WriteString(l)
	}
	return b.String()
}

// Att returns the wire topic carrying the retained state.
func (t Topic) Att() string {
	return t.String() + Separator + SuffixAtt
}

// Cmd returns the wire topic carrying inbound commands.
func (t Topic) Cmd() string {
	return t.String() + Separator + SuffixCmd
}

// Parse splits a full topic (without direction suffix) into its parts.
//
// Parameters:
//   - namespace: The platform namespace, possibly empty
//   - full: A topic as produced by Topic.String
//
// Returns:
//   - Topic: The parsed topic
//   - error: ErrOutsideNamespace or ErrInvalidName
func Parse(namespace, full string) (Topic, error) {
	prefix := namespace + Separator
	if !strings.HasPrefix(full, prefix) {
		return Topic{}, fmt.Errorf("%w: %q", ErrOutsideNamespace, full)
	}
	parts := strings.Split(strings.TrimPrefix(full, prefix), Separator)
	for _, p := range parts {
		if err := ValidateName(p); err != nil {
			return Topic{}, err
		}
	}
	return Topic{Namespace: namespace, Instance: parts[0], Layers: parts[1:]}, nil
}

// SplitDirection removes a trailing /att or /cmd suffix.
//
// Returns the base topic, the suffix found, and false if none was present.
func SplitDirection(wire string) (string, string, bool) {
	i := strings.LastIndex(wire, Separator)
	if i < 0 {
		return wire, "", false
	}
	switch suffix := wire[i+1:]; suffix {
	case SuffixAtt, SuffixCmd:
		return wire[:i], suffix, true
	default:
		return wire, "", false
	}
}

// ValidateName checks that name can be used as a single topic layer.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if strings.ContainsAny(name, "/+#") {
		return fmt.Errorf("%w: %q contains a reserved character", ErrInvalidName, name)
	}
	return nil
}
