// Package errkind defines the closed set of error kinds shared by every
// layer of the platform.
//
// Package-level sentinels in the other packages wrap one of these kinds, so
// callers can classify any error with errors.Is regardless of where it was
// produced:
//
//	if errors.Is(err, errkind.ErrTimeout) {
//	    // retry later
//	}
package errkind

import "errors"

// Error kinds. Every error surfaced by the platform wraps exactly one of them.
var (
	// ErrBadSettings is returned when configuration is refused at validation.
	ErrBadSettings = errors.New("bad settings")

	// ErrIO is returned on an underlying transport failure.
	ErrIO = errors.New("io error")

	// ErrCodec is returned when a wire or value codec rejects its input.
	ErrCodec = errors.New("codec error")

	// ErrTimeout is returned when no progress is made within a deadline.
	ErrTimeout = errors.New("timeout")

	// ErrPublish is returned when the broker rejects a publish.
	ErrPublish = errors.New("publish error")

	// ErrSubscribe is returned when the broker rejects a subscribe.
	ErrSubscribe = errors.New("subscribe error")

	// ErrNoValueYet is returned by a read before the first assignment.
	ErrNoValueYet = errors.New("no value yet")

	// ErrUnknownProducer is returned when the factory cannot locate a reference.
	ErrUnknownProducer = errors.New("unknown producer")

	// ErrPlugin is returned when the loader cannot use a plugin.
	ErrPlugin = errors.New("plugin error")

	// ErrInternalLogic marks a violated invariant. Always a bug.
	ErrInternalLogic = errors.New("internal logic error")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrBadSettings, "BadSettings"},
	{ErrIO, "Io"},
	{ErrCodec, "Codec"},
	{ErrTimeout, "Timeout"},
	{ErrPublish, "Publish"},
	{ErrSubscribe, "Subscribe"},
	{ErrNoValueYet, "NoValueYet"},
	{ErrUnknownProducer, "UnknownProducer"},
	{ErrPlugin, "PluginError"},
	{ErrInternalLogic, "InternalLogic"},
}

// Kind returns the name of the error kind wrapped by err.
//
// Returns "" for a nil error and "Unknown" when err wraps none of the kinds.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Unknown"
}
