package device

import (
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-ethrelay/internal/bridges/ethrelay"
)

// Module is one row of the relay module inventory.
type Module struct {
	Serial    string    `json:"serial"`
	ModuleID  int       `json:"module_id"`
	Hardware  int       `json:"hardware"`
	Firmware  int       `json:"firmware"`
	Address   string    `json:"address"`
	HostName  string    `json:"host_name,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// ModuleFromTelemetry builds a Module from a session snapshot taken
// after the handshake. FirstSeen and LastSeen are left for the registry.
func ModuleFromTelemetry(t ethrelay.Telemetry, hostName string) Module {
	return Module{
		Serial:   t.SerialNumber,
		ModuleID: int(t.ModuleID),
		Hardware: int(t.Hardware),
		Firmware: int(t.Firmware),
		Address:  t.Address,
		HostName: hostName,
	}
}

// Validate checks the fields the modules table requires.
func (m *Module) Validate() error {
	if m.Serial == "" {
		return fmt.Errorf("%w: serial is required", ErrInvalidModule)
	}
	if m.Address == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidModule)
	}
	return nil
}
