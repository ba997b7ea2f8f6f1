// Package instance implements the per-device runtime kernel.
//
// An Instance drives one device through its finite state machine:
//
//	Connecting -> Initialising -> Running
//	                   |             |
//	                   v             v
//	               Stopping       Warning -> Cleaning -> Connecting
//
// In Initialising it calls the driver's Operations.Mount, which builds the
// attribute tree (classes and typed attributes under the instance topic) and
// spawns operator tasks. Tasks run under a Monitor; the first task error
// aborts its siblings and sends the instance to Warning. After the driver's
// reboot event, Cleaning cancels the task pool, tears the tree down and the
// cycle starts over once the broker is connected.
//
// # Thread Safety
//
// Instance, Class and Attribute methods are safe for concurrent use. The FSM
// itself runs on the goroutine calling Instance.Run.
package instance
