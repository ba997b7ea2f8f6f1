package instance

// Access is the access mode of an attribute, seen from bus clients.
type Access int

// Access modes.
//
//	RO       publishes on .../att, retained by default
//	WO       receives on .../cmd, never retained, never stores a value
//	RW       both
//	AttOnly  publishes on .../att, not retained unless asked
const (
	AccessRO Access = iota
	AccessWO
	AccessRW
	AccessAttOnly
)

func (a Access) String() string {
	switch a {
	case AccessRO:
		return "RO"
	case AccessWO:
		return "WO"
	case AccessRW:
		return "RW"
	case AccessAttOnly:
		return "AttOnly"
	default:
		return "Unknown"
	}
}

// publishes reports whether the attribute owns an .../att topic.
func (a Access) publishes() bool {
	return a == AccessRO || a == AccessRW || a == AccessAttOnly
}

// receives reports whether the attribute subscribes to .../cmd.
func (a Access) receives() bool {
	return a == AccessWO || a == AccessRW
}
