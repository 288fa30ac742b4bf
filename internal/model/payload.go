package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidPayload marks a payload that does not fit its command kind.
var ErrInvalidPayload = errors.New("invalid payload")

// Payload is the typed body of one command kind.
type Payload interface {
	Kind() CommandKind
	Validate() error
}

// ConfigPayload reconfigures the controller's network settings.
type ConfigPayload struct {
	SSID      string `json:"ssid,omitempty"`
	Password  string `json:"password,omitempty"`
	ServerURL string `json:"serverUrl,omitempty"`
	UseHTTPS  *bool  `json:"useHTTPS,omitempty"`
}

func (ConfigPayload) Kind() CommandKind { return KindConfig }

func (p ConfigPayload) Validate() error {
	if len(p.SSID) > 100 {
		return fmt.Errorf("%w: ssid longer than 100 characters", ErrInvalidPayload)
	}
	if len(p.Password) > 100 {
		return fmt.Errorf("%w: password longer than 100 characters", ErrInvalidPayload)
	}
	if p.ServerURL != "" {
		if len(p.ServerURL) > 255 {
			return fmt.Errorf("%w: serverUrl longer than 255 characters", ErrInvalidPayload)
		}
		u, err := url.Parse(p.ServerURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: serverUrl must be an absolute url", ErrInvalidPayload)
		}
	}
	return nil
}

// FingerprintAddPayload asks the controller to enroll a fingerprint for a user.
type FingerprintAddPayload struct {
	UserID int64 `json:"user_id"`
}

func (FingerprintAddPayload) Kind() CommandKind { return KindFingerprintAdd }

func (p FingerprintAddPayload) Validate() error {
	if p.UserID <= 0 {
		return fmt.Errorf("%w: user_id is required", ErrInvalidPayload)
	}
	return nil
}

// FingerprintDeletePayload removes a stored fingerprint slot.
type FingerprintDeletePayload struct {
	FingerprintID *int64 `json:"fingerprint_id"`
}

func (FingerprintDeletePayload) Kind() CommandKind { return KindFingerprintDelete }

func (p FingerprintDeletePayload) Validate() error {
	if p.FingerprintID == nil {
		return fmt.Errorf("%w: fingerprint_id is required", ErrInvalidPayload)
	}
	if *p.FingerprintID < 0 {
		return fmt.Errorf("%w: fingerprint_id must not be negative", ErrInvalidPayload)
	}
	return nil
}

// ControlAction is a relay or lifecycle action.
type ControlAction string

const (
	ActionRelayOn   ControlAction = "relay_on"
	ActionRelayOff  ControlAction = "relay_off"
	ActionRestart   ControlAction = "restart"
	ActionResetWiFi ControlAction = "reset_wifi"
)

// ControlPayload toggles the door relay or restarts the controller.
type ControlPayload struct {
	Action ControlAction `json:"action"`
}

func (ControlPayload) Kind() CommandKind { return KindControl }

func (p ControlPayload) Validate() error {
	switch p.Action {
	case ActionRelayOn, ActionRelayOff, ActionRestart, ActionResetWiFi:
		return nil
	case "":
		return fmt.Errorf("%w: action is required", ErrInvalidPayload)
	}
	return fmt.Errorf("%w: unknown action %q", ErrInvalidPayload, p.Action)
}

// StatusPayload requests a status report; it carries no fields.
type StatusPayload struct{}

func (StatusPayload) Kind() CommandKind { return KindStatus }
func (StatusPayload) Validate() error   { return nil }

// SyncPayload asks the controller to resynchronise local state.
type SyncPayload struct {
	Scope string `json:"scope,omitempty"`
}

func (SyncPayload) Kind() CommandKind { return KindSync }
func (SyncPayload) Validate() error   { return nil }

// DecodePayload parses raw into the payload type of kind and validates it.
// An empty raw body decodes as an empty object.
func DecodePayload(kind CommandKind, raw json.RawMessage) (Payload, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	var p Payload
	switch kind {
	case KindConfig:
		var v ConfigPayload
		if err := strictUnmarshal(trimmed, &v); err != nil {
			return nil, err
		}
		p = v
	case KindFingerprintAdd:
		var v FingerprintAddPayload
		if err := strictUnmarshal(trimmed, &v); err != nil {
			return nil, err
		}
		p = v
	case KindFingerprintDelete:
		var v FingerprintDeletePayload
		if err := strictUnmarshal(trimmed, &v); err != nil {
			return nil, err
		}
		p = v
	case KindControl:
		var v ControlPayload
		if err := strictUnmarshal(trimmed, &v); err != nil {
			return nil, err
		}
		p = v
	case KindStatus:
		var v StatusPayload
		if err := strictUnmarshal(trimmed, &v); err != nil {
			return nil, err
		}
		p = v
	case KindSync:
		var v SyncPayload
		if err := strictUnmarshal(trimmed, &v); err != nil {
			return nil, err
		}
		p = v
	default:
		return nil, fmt.Errorf("%w: unknown command %q", ErrInvalidPayload, kind)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// EncodePayload marshals p for storage.
func EncodePayload(p Payload) (json.RawMessage, error) {
	buf, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	return buf, nil
}

func strictUnmarshal(data []byte, v any) error {
	if !bytes.HasPrefix(data, []byte("{")) {
		return fmt.Errorf("%w: payload must be a JSON object", ErrInvalidPayload)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidPayload, strings.TrimPrefix(err.Error(), "json: "))
	}
	return nil
}
