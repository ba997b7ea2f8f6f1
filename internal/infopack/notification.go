package infopack

import "time"

// Notification is one of StateNotification, AlertNotification or
// StructuralNotification.
type Notification interface {
	notification()
}

// StateNotification reports an instance state change.
type StateNotification struct {
	Topic string
	State string
}

// AlertNotification reports an error raised by an instance.
type AlertNotification struct {
	Topic     string
	Message   string
	Timestamp time.Time
}

// NodeKind distinguishes tree nodes.
type NodeKind string

// Node kinds.
const (
	KindInstance  NodeKind = "instance"
	KindClass     NodeKind = "class"
	KindAttribute NodeKind = "attribute"
)

// Descriptor describes a created class or attribute.
type Descriptor struct {
	Codec    string
	Mode     string
	Info     string
	Retained bool
}

// StructuralNotification reports a class or attribute added to a tree.
type StructuralNotification struct {
	Kind       NodeKind
	Topic      string
	Descriptor Descriptor
}

func (StateNotification) notification()      {}
func (AlertNotification) notification()      {}
func (StructuralNotification) notification() {}
