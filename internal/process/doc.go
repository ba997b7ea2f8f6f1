// Package process supervises the local MQTT broker when the platform runs
// it itself (broker.managed).
//
// The Manager starts the binary in its own process group, waits until the
// broker accepts TCP connections, restarts it with exponential backoff when
// it exits, and stops it with SIGTERM then SIGKILL after a grace period.
// Broker output is forwarded to the logger line by line.
//
//	mgr := process.NewManager(process.Config{
//	    Name:   "mosquitto",
//	    Binary: "/usr/sbin/mosquitto",
//	    Args:   []string{"-p", "1883"},
//	    Ready:  process.TCPReady("127.0.0.1:1883"),
//	})
//	if err := mgr.Start(ctx); err != nil {
//	    return err
//	}
//	defer mgr.Stop()
package process
