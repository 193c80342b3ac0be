// Package mqtt connects the bridge to the broker that links it with
// Gray Logic Core:
//
//	Gray Logic Core <-> MQTT broker <-> ETH relay bridge <-> relay module
//
// Connect registers a Last Will so Core notices when the bridge vanishes.
// Subscriptions are remembered and replayed after paho reconnects, so a
// caller subscribes once for the life of the Client. Every broker
// operation waits for its acknowledgement and fails with a wrapped
// package error (ErrPublishFailed, ErrSubscribeFailed and so on).
//
// Enable cfg.Broker.TLS outside local development.
//
//	client, err := mqtt.Connect(cfg.MQTT, mqtt.Will{Topic: healthTopic, Payload: offline})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	err = client.Subscribe("graylogic/command/ethrelay/+", 1, handle)
package mqtt
