// Package ethrelay implements the ETH relay module bridge for Gray Logic.
//
// It drives Devantech ETH002-family network relay modules over their TCP
// command protocol and exposes them to Gray Logic Core over MQTT.
//
// # Architecture
//
//	┌─────────────────┐          ┌─────────────────┐   TCP 17494
//	│   Gray Logic    │   MQTT   │  ETH relay      │◄────────────► ETH002
//	│      Core       │◄────────►│  bridge (pkg)   │
//	└─────────────────┘          └─────────────────┘
//
// # Protocol
//
// Every exchange is a single request frame followed by a fixed-length
// response. Frame encoding and response decoding live in codec.go:
//
//	f, err := ethrelay.OutputFrame(1, true, 0)
//	fmt.Printf("% X\n", f.Bytes()) // 20 01 00
//
// # Sessions
//
// A Session owns one TCP connection. Connect runs the unlock handshake,
// reads the module identity and starts a background loop that drains
// queued relay commands and polls supply voltage and relay state.
//
//	s := ethrelay.NewSession(ethrelay.SessionConfig{Address: "192.168.1.50", Password: "secret"})
//	s.SetOnError(func(msg string) { log.Println("module lost:", msg) })
//	if err := s.Connect(ctx); err != nil {
//	    return err
//	}
//	defer s.Close()
//	_ = s.SubmitCommand(1, true, 0)
//
// Sessions never reconnect. The first I/O failure closes the session and
// is reported once through the ErrorSink.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
package ethrelay
