package mqtt

import (
	"fmt"
)

// Subscribe routes messages matching topic to handler. topic may use the
// + and # wildcards.
//
// The subscription is remembered and replayed after every reconnect, so
// callers subscribe once. A later Subscribe to the same topic replaces
// the handler. handler runs on a paho goroutine with panics recovered.
//
// Parameters:
//   - topic: Topic filter, e.g. "graylogic/command/ethrelay/+"
//   - qos: Highest QoS the broker may deliver at
//   - handler: Called once per message
//
// Returns:
//   - error: ErrInvalidTopic, ErrInvalidQoS, ErrNotConnected or a wrapped
//     ErrSubscribeFailed
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	switch {
	case topic == "":
		return ErrInvalidTopic
	case qos > maxQoS:
		return ErrInvalidQoS
	case handler == nil:
		return fmt.Errorf("%w: nil handler for %s", ErrSubscribeFailed, topic)
	case !c.IsConnected():
		return ErrNotConnected
	}

	c.track(subscription{topic: topic, qos: qos, handler: handler})

	err := await(c.paho.Subscribe(topic, qos, c.deliver(handler)), ErrSubscribeFailed, ackTimeout)
	if err != nil {
		c.untrack(topic)
	}
	return err
}

// Unsubscribe drops the subscription for topic, which must match the
// filter given to Subscribe. Messages already in flight may still reach
// the old handler.
func (c *Client) Unsubscribe(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.untrack(topic)
	return await(c.paho.Unsubscribe(topic), ErrUnsubscribeFailed, ackTimeout)
}

// SubscriptionCount reports how many topic filters are replayed on
// reconnect.
func (c *Client) SubscriptionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

func (c *Client) track(sub subscription) {
	c.mu.Lock()
	c.subs[sub.topic] = sub
	c.mu.Unlock()
}

func (c *Client) untrack(topic string) {
	c.mu.Lock()
	delete(c.subs, topic)
	c.mu.Unlock()
}
