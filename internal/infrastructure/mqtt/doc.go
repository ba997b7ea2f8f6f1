// Package mqtt provides the platform's MQTT client.
//
// This package manages:
//   - Connection to the broker named by the connection-info file
//   - Message publishing with QoS guarantees
//   - Topic subscriptions, restored after every reconnect
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// Every instance attribute publishes its value on <topic>/att and, when
// writable, receives commands on <topic>/cmd. The client is shared by all
// instances; incoming messages are handed to the dispatcher by the reactor.
//
//	Instances -> Client -> Broker -> Client -> Dispatcher -> Attributes
//
// # Timing
//
//   - Keepalive: 5 s
//   - Publish and subscribe acknowledgements: 5 s timeout
//   - Reconnect: paho auto-reconnect, interval capped at the retry delay
//
// # Usage
//
//	client, err := mqtt.Connect(mqtt.Config{Host: "localhost", Port: 1883})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe("/memory_map/registers/1/cmd", 0,
//	    func(topic string, payload []byte) error {
//	        dispatcher.Dispatch(topic, payload)
//	        return nil
//	    })
//
//	client.Publish("/memory_map/registers/1/att", []byte("14"), mqtt.QoSAtLeastOnce, true)
package mqtt
