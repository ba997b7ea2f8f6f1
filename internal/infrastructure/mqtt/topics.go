package mqtt

// Topics builds the platform-level topics that do not belong to any
// instance attribute tree.
type Topics struct {
	Namespace string
}

// PlatformStatus carries the retained online/offline status of the platform
// and is the Last Will topic.
//
// Example: /_/platform/att
func (t Topics) PlatformStatus() string {
	return t.Namespace + "/_/platform/att"
}
