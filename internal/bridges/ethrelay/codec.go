package ethrelay

import (
	"fmt"
	"strings"
	"time"
)

// Command is a single-byte ETH relay protocol command code.
type Command byte

// ETH relay protocol commands.
//
// Every exchange is one request frame followed by a fixed-length response.
// The response length depends only on the command (see ResponseLen).
const (
	// CmdGetModuleInfo returns module ID, hardware revision and firmware revision.
	CmdGetModuleInfo Command = 0x10

	// CmdDigitalActive switches a relay on. Params: channel, hold time.
	CmdDigitalActive Command = 0x20

	// CmdDigitalInactive switches a relay off. Params: channel, hold time.
	CmdDigitalInactive Command = 0x21

	// CmdGetDigitalOutputs returns the relay states as a bitmask
	// (bit N set = channel N+1 active).
	CmdGetDigitalOutputs Command = 0x24

	// CmdGetSerialNumber returns the 6-byte MAC address of the module.
	CmdGetSerialNumber Command = 0x77

	// CmdGetPSU returns the supply voltage in tenths of a volt.
	CmdGetPSU Command = 0x78

	// CmdSetPassword unlocks the module. Params: password bytes.
	CmdSetPassword Command = 0x79

	// CmdGetUnlock returns the unlock time; zero means locked.
	CmdGetUnlock Command = 0x7A

	// CmdLogout ends the authenticated session.
	CmdLogout Command = 0x7B
)

// Protocol limits.
const (
	// DefaultPort is the TCP port ETH relay modules listen on.
	DefaultPort = 17494

	// MaxChannels is the number of channels addressable by the output bitmask.
	MaxChannels = 8

	// holdUnit is the resolution of the module's hold timer.
	holdUnit = 100 * time.Millisecond

	// MaxHoldTime is the longest pulse the module can time (255 units).
	MaxHoldTime = 255 * holdUnit

	serialLen     = 6
	moduleInfoLen = 3
)

var commandNames = map[Command]string{
	CmdGetModuleInfo:     "GET_MODULE_INFO",
	CmdDigitalActive:     "DIGITAL_OUTPUT_ACTIVE",
	CmdDigitalInactive:   "DIGITAL_OUTPUT_INACTIVE",
	CmdGetDigitalOutputs: "GET_DIGITAL_OUTPUT",
	CmdGetSerialNumber:   "GET_SERIAL_NUMBER",
	CmdGetPSU:            "GET_PSU",
	CmdSetPassword:       "SET_PASSWORD",
	CmdGetUnlock:         "GET_UNLOCK",
	CmdLogout:            "LOGOUT",
}

// String returns the protocol name of the command.
func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02X)", byte(c))
}

// ResponseLen returns the number of bytes the module sends back for c.
func (c Command) ResponseLen() int {
	switch c {
	case CmdGetModuleInfo:
		return moduleInfoLen
	case CmdGetSerialNumber:
		return serialLen
	default:
		return 1
	}
}

// Frame is one outgoing request: a command code and its parameter bytes.
//
// Frames are immutable once built; Bytes returns a fresh copy so a queued
// frame cannot be altered by the caller that created it.
type Frame struct {
	cmd    Command
	params []byte
}

// NewFrame builds a frame from a command and optional parameter bytes.
func NewFrame(cmd Command, params ...byte) Frame {
	f := Frame{cmd: cmd}
	if len(params) > 0 {
		f.params = make([]byte, len(params))
		copy(f.params, params)
	}
	return f
}

// PasswordFrame builds a SET_PASSWORD frame.
// Each character contributes the low 8 bits of its code point.
func PasswordFrame(password string) Frame {
	params := make([]byte, 0, len(password))
	for _, r := range password {
		params = append(params, byte(r))
	}
	return Frame{cmd: CmdSetPassword, params: params}
}

// OutputFrame builds a DIGITAL_OUTPUT_ACTIVE or DIGITAL_OUTPUT_INACTIVE frame.
//
// Parameters:
//   - channel: Relay channel, 1-based
//   - active: true to energise the relay
//   - hold: Hold time in 100 ms units, 0 for permanent
//
// Returns:
//   - Frame: The encoded request
//   - error: ErrInvalidChannel if channel is outside 1..MaxChannels
func OutputFrame(channel int, active bool, hold byte) (Frame, error) {
	if channel < 1 || channel > MaxChannels {
		return Frame{}, fmt.Errorf("%w: %d (must be 1-%d)", ErrInvalidChannel, channel, MaxChannels)
	}
	cmd := CmdDigitalInactive
	if active {
		cmd = CmdDigitalActive
	}
	return Frame{cmd: cmd, params: []byte{byte(channel), hold}}, nil
}

// Command returns the frame's command code.
func (f Frame) Command() Command {
	return f.cmd
}

// Bytes returns the wire encoding of the frame.
func (f Frame) Bytes() []byte {
	b := make([]byte, 1+len(f.params))
	b[0] = byte(f.cmd)
	copy(b[1:], f.params)
	return b
}

// ResponseLen returns the expected response length for the frame.
func (f Frame) ResponseLen() int {
	return f.cmd.ResponseLen()
}

// String renders the frame for logs. SET_PASSWORD params are redacted.
func (f Frame) String() string {
	if f.cmd == CmdSetPassword {
		return fmt.Sprintf("%s[%d bytes]", f.cmd, len(f.params))
	}
	if len(f.params) == 0 {
		return f.cmd.String()
	}
	return fmt.Sprintf("%s[% X]", f.cmd, f.params)
}

// HoldTicks converts a pulse duration to the module's 100 ms hold units.
//
// Zero means the output stays in the commanded state. Positive durations
// shorter than one unit round up to a single unit.
func HoldTicks(d time.Duration) (byte, error) {
	if d < 0 {
		return 0, fmt.Errorf("%w: %s is negative", ErrInvalidHoldTime, d)
	}
	if d > MaxHoldTime {
		return 0, fmt.Errorf("%w: %s exceeds %s", ErrInvalidHoldTime, d, MaxHoldTime)
	}
	ticks := (d + holdUnit - 1) / holdUnit
	return byte(ticks), nil
}

// ModuleInfo is the decoded GET_MODULE_INFO response.
type ModuleInfo struct {
	ID       uint8
	Hardware uint8
	Firmware uint8
}

// ParseModuleInfo decodes a GET_MODULE_INFO response.
func ParseModuleInfo(b []byte) (ModuleInfo, error) {
	if len(b) != moduleInfoLen {
		return ModuleInfo{}, fmt.Errorf("%w: module info is %d bytes, want %d", ErrShortResponse, len(b), moduleInfoLen)
	}
	return ModuleInfo{ID: b[0], Hardware: b[1], Firmware: b[2]}, nil
}

// FormatSerial renders a GET_SERIAL_NUMBER response as colon-separated
// upper-case hex, e.g. "AA:BB:CC:DD:EE:FF".
func FormatSerial(b []byte) (string, error) {
	if len(b) != serialLen {
		return "", fmt.Errorf("%w: serial is %d bytes, want %d", ErrShortResponse, len(b), serialLen)
	}
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = fmt.Sprintf("%02X", v)
	}
	return strings.Join(parts, ":"), nil
}

// Voltage is a supply voltage in tenths of a volt.
type Voltage uint8

// Volts returns the voltage as a float.
func (v Voltage) Volts() float64 {
	return float64(v) / 10 //nolint:mnd // tenths of a volt
}

// String renders the voltage with one decimal place, e.g. 125 → "12.5".
func (v Voltage) String() string {
	return fmt.Sprintf("%d.%d", uint8(v)/10, uint8(v)%10) //nolint:mnd // tenths of a volt
}

// Outputs is the GET_DIGITAL_OUTPUT bitmask.
type Outputs uint8

// Active reports whether the 1-based channel is energised.
// Channels outside 1..MaxChannels report false.
func (o Outputs) Active(channel int) bool {
	if channel < 1 || channel > MaxChannels {
		return false
	}
	return o&(1<<(channel-1)) != 0
}

// States expands the bitmask into per-channel states for the first n channels.
func (o Outputs) States(n int) []bool {
	if n > MaxChannels {
		n = MaxChannels
	}
	states := make([]bool, n)
	for i := range states {
		states[i] = o.Active(i + 1)
	}
	return states
}
