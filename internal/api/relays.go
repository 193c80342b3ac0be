package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-ethrelay/internal/bridges/ethrelay"
)

// commandSource is recorded in the audit log for commands sent over HTTP.
const commandSource = "api"

// journalTimeout bounds the audit write for one command.
const journalTimeout = 2 * time.Second

// relayCommandRequest is the body of POST /relays/{channel}.
type relayCommandRequest struct {
	Command string `json:"command"`
	HoldMS  int    `json:"hold_ms,omitempty"`
}

// relayCommandResponse acknowledges a queued command.
type relayCommandResponse struct {
	ID      string             `json:"id"`
	Status  ethrelay.AckStatus `json:"status"`
	Channel int                `json:"channel"`
	Command string             `json:"command"`
}

// handleRelayCommand queues on, off, toggle or pulse for one relay.
//
// The command is accepted (202) once queued; the module sees it on the
// next poll pass and the new state arrives over the WebSocket.
func (s *Server) handleRelayCommand(w http.ResponseWriter, r *http.Request) {
	channel, err := strconv.Atoi(chi.URLParam(r, "channel"))
	if err != nil {
		fail(w, http.StatusBadRequest, "channel must be a number")
		return
	}

	var req relayCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	maxHoldMS := int(ethrelay.MaxHoldTime / time.Millisecond)
	if req.HoldMS < 0 || req.HoldMS > maxHoldMS {
		failCode(w, http.StatusBadRequest, ErrCodeValidation,
			fmt.Sprintf("hold_ms must be 0-%d", maxHoldMS))
		return
	}
	hold := time.Duration(req.HoldMS) * time.Millisecond

	id := uuid.NewString()
	err = s.execute(req.Command, channel, hold)
	s.recordCommand(r.Context(), id, req.Command, channel, err)

	if err != nil {
		s.writeCommandError(w, err)
		return
	}

	resp := relayCommandResponse{
		ID:      id,
		Status:  ethrelay.AckQueued,
		Channel: channel,
		Command: req.Command,
	}
	s.hub.Broadcast(EventRelayCommand, resp)
	respond(w, http.StatusAccepted, resp)
}

var errUnknownCommand = errors.New("unknown command")

func (s *Server) execute(command string, channel int, hold time.Duration) error {
	switch command {
	case "on":
		return s.controller.SubmitCommand(channel, true, hold)
	case "off":
		return s.controller.SubmitCommand(channel, false, hold)
	case "toggle":
		return s.controller.Toggle(channel)
	case "pulse":
		return s.controller.Pulse(channel, hold)
	default:
		return fmt.Errorf("%w: %q", errUnknownCommand, command)
	}
}

// writeCommandError maps a session error onto an HTTP status.
func (s *Server) writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errUnknownCommand),
		errors.Is(err, ethrelay.ErrInvalidChannel),
		errors.Is(err, ethrelay.ErrInvalidHoldTime):
		failCode(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, ethrelay.ErrNotConnected):
		fail(w, http.StatusServiceUnavailable, "module is not connected")
	default:
		s.logger.Error("relay command failed", "error", err)
		fail(w, http.StatusInternalServerError, "relay command failed")
	}
}

func (s *Server) recordCommand(ctx context.Context, id, command string, channel int, cmdErr error) {
	if s.journal == nil {
		return
	}

	rec := ethrelay.CommandRecord{
		CommandID: id,
		DeviceID:  s.deviceID,
		Command:   command,
		Channel:   channel,
		Source:    commandSource,
		Status:    ethrelay.AckQueued,
	}
	if cmdErr != nil {
		rec.Status = ethrelay.AckFailed
		rec.Error = cmdErr.Error()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()
	if err := s.journal.RecordCommand(ctx, rec); err != nil {
		s.logger.Error("failed to journal command", "command_id", id, "request_id", requestID(ctx), "error", err)
	}
}
