package audit

import (
	"context"
	"fmt"

	"github.com/nerrad567/gray-logic-ethrelay/internal/bridges/ethrelay"
)

// Audit actions.
const (
	ActionConnect    = "connect"
	ActionDisconnect = "disconnect"
	ActionError      = "error"
	ActionCommand    = "command"
)

// Entity types.
const (
	EntityModule = "module"
	EntityRelay  = "relay"
)

// defaultSource is recorded when a command carries no source.
const defaultSource = "ethrelay"

// Journal writes relay session and command events to a Repository.
//
// It satisfies ethrelay.CommandJournal.
type Journal struct {
	repo Repository
}

// NewJournal creates a Journal backed by repo.
func NewJournal(repo Repository) *Journal {
	return &Journal{repo: repo}
}

// RecordCommand stores one handled bridge command.
func (j *Journal) RecordCommand(ctx context.Context, rec ethrelay.CommandRecord) error {
	source := rec.Source
	if source == "" {
		source = defaultSource
	}

	details := map[string]any{
		"command":    rec.Command,
		"command_id": rec.CommandID,
		"status":     string(rec.Status),
	}
	if rec.Channel > 0 {
		details["channel"] = rec.Channel
	}
	if rec.Error != "" {
		details["error"] = rec.Error
	}

	entityID := rec.DeviceID
	if rec.Channel > 0 {
		entityID = fmt.Sprintf("%s/%d", rec.DeviceID, rec.Channel)
	}

	return j.repo.Create(ctx, &AuditLog{
		Action:     ActionCommand,
		EntityType: EntityRelay,
		EntityID:   entityID,
		Source:     source,
		Details:    details,
	})
}

// RecordSession stores a session lifecycle event for a module.
//
// Parameters:
//   - deviceID: Gray Logic device identifier
//   - action: ActionConnect, ActionDisconnect or ActionError
//   - details: Extra context such as address, serial or error message (may be nil)
func (j *Journal) RecordSession(ctx context.Context, deviceID, action string, details map[string]any) error {
	return j.repo.Create(ctx, &AuditLog{
		Action:     action,
		EntityType: EntityModule,
		EntityID:   deviceID,
		Source:     defaultSource,
		Details:    details,
	})
}

// History returns audit entries matching filter, newest first. The
// console history command and the HTTP audit endpoint read through it.
func (j *Journal) History(ctx context.Context, filter Filter) (*ListResult, error) {
	res, err := j.repo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("reading audit history: %w", err)
	}
	return res, nil
}

var _ ethrelay.CommandJournal = (*Journal)(nil)
