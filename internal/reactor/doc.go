// Package reactor is the platform runtime: it owns the broker session, the
// dispatcher, the connector registry and the info pack, and runs every
// instance of the fleet next to its monitor.
//
// The first broker connection is retried with the configured delay; later
// drops are recovered by the client. Instances observe the link through a
// shared flag: a drop moves Running instances to Warning, and a reconnect
// lets them mount again and asks the current trees to republish.
package reactor
