// Package command answers remote commands received on the command topic.
// Built-in commands are ping, status and sample; anything else goes to the
// handle(cmd) function of an optional JavaScript file.
package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/eddielth/sensor-agent/logger"
)

// ErrUnknownCommand is returned for a command with no handler.
var ErrUnknownCommand = errors.New("command: unknown command")

// Request is an inbound command. A payload that is not a JSON object is taken
// as a bare command name.
type Request struct {
	ID   string                 `json:"id,omitempty"`
	Cmd  string                 `json:"cmd"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// Response is published on the response topic for every request.
type Response struct {
	ID     string      `json:"id,omitempty"`
	Cmd    string      `json:"cmd"`
	OK     bool        `json:"ok"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
	Time   int64       `json:"timestamp"`
}

// Device exposes the agent state that commands report.
type Device interface {
	Status() map[string]interface{}
	SampleNow() (map[string]interface{}, error)
}

// Responder publishes a response payload.
type Responder interface {
	Respond(payload []byte) (uint16, error)
}

// Option configures a Handler.
type Option func(*Handler)

// WithOnCommand registers an observer called with each command name.
func WithOnCommand(fn func(name string)) Option {
	return func(h *Handler) { h.onCommand = fn }
}

// Handler executes commands and publishes their responses.
type Handler struct {
	device    Device
	onCommand func(string)
	started   time.Time

	mu        sync.RWMutex
	responder Responder
	script    *Script
}

// NewHandler creates a handler for device.
func NewHandler(device Device, opts ...Option) *Handler {
	h := &Handler{device: device, started: time.Now()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetResponder sets where responses are published.
func (h *Handler) SetResponder(r Responder) {
	h.mu.Lock()
	h.responder = r
	h.mu.Unlock()
}

// LoadScript compiles the configured script and swaps it in. An empty
// config removes the script. On error the previous script stays active.
func (h *Handler) LoadScript(cfg ScriptConfig) error {
	s, err := NewScript(cfg, h.device)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.script = s
	h.mu.Unlock()
	if s != nil {
		logger.Info("command: loaded script %s", s.Name())
	}
	return nil
}

// HandleCommand parses the payload, executes it and publishes the response.
func (h *Handler) HandleCommand(topic string, payload []byte) {
	req, err := ParseRequest(payload)
	var resp Response
	if err != nil {
		logger.Warn("command: bad request on %s: %v", topic, err)
		resp = Response{OK: false, Error: err.Error(), Time: time.Now().Unix()}
	} else {
		resp = h.Execute(req)
	}

	data, err := json.Marshal(resp)
	if err != nil {
		logger.Error("command: encode response to %s: %v", resp.Cmd, err)
		return
	}

	h.mu.RLock()
	r := h.responder
	h.mu.RUnlock()
	if r == nil {
		logger.Warn("command: no responder, dropping response to %s", resp.Cmd)
		return
	}
	if _, err := r.Respond(data); err != nil {
		logger.Error("command: publish response to %s: %v", resp.Cmd, err)
	}
}

// ParseRequest decodes a command payload.
func ParseRequest(payload []byte) (Request, error) {
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return Request{}, errors.New("command: empty payload")
	}
	if !strings.HasPrefix(text, "{") {
		return Request{Cmd: text}, nil
	}
	var req Request
	if err := json.Unmarshal([]byte(text), &req); err != nil {
		return Request{}, fmt.Errorf("command: decode request: %w", err)
	}
	if req.Cmd == "" {
		return Request{}, errors.New("command: missing cmd")
	}
	return req, nil
}

// Execute runs one command.
func (h *Handler) Execute(req Request) Response {
	if h.onCommand != nil {
		h.onCommand(req.Cmd)
	}
	logger.Debug("command: executing %s", req.Cmd)

	result, err := h.dispatch(req)
	resp := Response{ID: req.ID, Cmd: req.Cmd, OK: err == nil, Result: result, Time: time.Now().Unix()}
	if err != nil {
		resp.Error = err.Error()
		logger.Warn("command: %s failed: %v", req.Cmd, err)
	}
	return resp
}

func (h *Handler) dispatch(req Request) (interface{}, error) {
	switch req.Cmd {
	case "ping":
		return map[string]interface{}{
			"pong":   true,
			"uptime": time.Since(h.started).Round(time.Second).String(),
		}, nil
	case "status":
		return h.device.Status(), nil
	case "sample":
		return h.device.SampleNow()
	}

	h.mu.RLock()
	s := h.script
	h.mu.RUnlock()
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, req.Cmd)
	}
	return s.Handle(req)
}
