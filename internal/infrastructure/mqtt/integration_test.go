//go:build integration

package mqtt

import (
	"errors"
	"testing"
	"time"
)

// These tests need a broker on 127.0.0.1:1883:
//
//	go test -tags=integration ./internal/infrastructure/mqtt/...

func dial(t *testing.T, clientID string) *Client {
	t.Helper()
	cfg := testConfig()
	cfg.Broker.ClientID = clientID

	c, err := Connect(cfg, Will{})
	if err != nil {
		t.Fatalf("Connect(%s) error = %v", clientID, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestBrokerConnectAndClose(t *testing.T) {
	c := dial(t, "ethrelay-it-lifecycle")
	if !c.IsConnected() {
		t.Fatal("IsConnected() = false after Connect")
	}

	_ = c.Close()
	if c.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}
	if err := c.Publish("graylogic/test", []byte("x"), 1, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() after Close error = %v, want ErrNotConnected", err)
	}
}

func TestBrokerUnreachable(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Port = 19998

	if _, err := Connect(cfg, Will{}); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestBrokerCommandDelivery(t *testing.T) {
	sub := dial(t, "ethrelay-it-sub")
	pub := dial(t, "ethrelay-it-pub")

	const cmdTopic = "graylogic/command/ethrelay/it-garage"
	got := make(chan string, 4)
	if err := sub.Subscribe("graylogic/command/ethrelay/+", 1, func(topic string, payload []byte) error {
		got <- topic + " " + string(payload)
		return nil
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := sub.Subscribe("graylogic/state/ethrelay/+", 1, func(string, []byte) error { return nil }); err != nil {
		t.Fatalf("Subscribe(state) error = %v", err)
	}
	if n := sub.SubscriptionCount(); n != 2 {
		t.Errorf("SubscriptionCount() = %d, want 2", n)
	}

	// SUBACK does not guarantee the broker has wired the route yet.
	time.Sleep(100 * time.Millisecond)

	if err := pub.Publish(cmdTopic, []byte(`{"command":"on"}`), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	select {
	case msg := <-got:
		if want := cmdTopic + ` {"command":"on"}`; msg != want {
			t.Errorf("received %q, want %q", msg, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no message within 5s")
	}

	if err := sub.Unsubscribe("graylogic/state/ethrelay/+"); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if n := sub.SubscriptionCount(); n != 1 {
		t.Errorf("SubscriptionCount() after Unsubscribe = %d, want 1", n)
	}
}
