package model

import (
	"encoding/json"
	"time"
)

// CommandKind is the closed set of instructions a controller understands.
type CommandKind string

const (
	KindConfig            CommandKind = "config"
	KindFingerprintAdd    CommandKind = "fingerprint_add"
	KindFingerprintDelete CommandKind = "fingerprint_delete"
	KindStatus            CommandKind = "status"
	KindControl           CommandKind = "control"
	KindSync              CommandKind = "sync"
)

// CommandKinds lists every kind in declaration order.
var CommandKinds = []CommandKind{
	KindConfig,
	KindFingerprintAdd,
	KindFingerprintDelete,
	KindStatus,
	KindControl,
	KindSync,
}

// Valid reports whether k belongs to the closed kind set.
func (k CommandKind) Valid() bool {
	for _, known := range CommandKinds {
		if k == known {
			return true
		}
	}
	return false
}

// CommandStatus is the lifecycle state of a queued command.
//
//	pending -> sent -> completed
//	pending -> sent -> failed -> (retry sweep) -> pending
//	pending -> completed | failed (acked without a recorded send)
type CommandStatus string

const (
	StatusPending   CommandStatus = "pending"
	StatusSent      CommandStatus = "sent"
	StatusCompleted CommandStatus = "completed"
	StatusFailed    CommandStatus = "failed"
)

// Valid reports whether s is a known status.
func (s CommandStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether a device acknowledgement already resolved the command.
func (s CommandStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// Command is one instruction addressed to exactly one device.
type Command struct {
	ID           uint64          `gorm:"primaryKey" json:"id"`
	DeviceID     uint64          `gorm:"not null;index:idx_commands_device_status,priority:1" json:"device_id"`
	Kind         CommandKind     `gorm:"column:command;size:50;not null" json:"command"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Status       CommandStatus   `gorm:"size:20;not null;index:idx_commands_device_status,priority:2" json:"status"`
	Priority     int             `gorm:"not null" json:"priority"`
	RetryCount   int             `gorm:"not null" json:"retry_count"`
	MessageID    string          `gorm:"size:100;uniqueIndex;not null" json:"message_id"`
	Response     json.RawMessage `json:"response,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	SentAt       *time.Time      `json:"sent_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Version      uint64          `gorm:"not null" json:"-"`
	CreatedAt    time.Time       `gorm:"index" json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// TableName pins the gorm table name.
func (Command) TableName() string { return "commands" }

// Clone returns a deep copy of c.
func (c *Command) Clone() *Command {
	if c == nil {
		return nil
	}
	out := *c
	out.Payload = cloneRaw(c.Payload)
	out.Response = cloneRaw(c.Response)
	out.ErrorMessage = cloneString(c.ErrorMessage)
	out.SentAt = cloneTime(c.SentAt)
	out.CompletedAt = cloneTime(c.CompletedAt)
	return &out
}

// DispatchBefore reports whether a is selected before b: higher priority
// first, then arrival order. Strict priority can starve low-priority
// commands while higher ones keep arriving.
func DispatchBefore(a, b *Command) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// CommandFilter narrows command listings. An empty Status matches every status.
type CommandFilter struct {
	DeviceID uint64
	Status   CommandStatus
	Limit    int
}

// PendingCommand is the shape handed to devices when they poll.
type PendingCommand struct {
	MessageID string          `json:"message_id"`
	Command   CommandKind     `json:"command"`
	Payload   json.RawMessage `json:"payload"`
	Priority  int             `json:"priority"`
	CreatedAt string          `json:"created_at"`
}

// ToPending converts c for the device-facing poll response.
func ToPending(c *Command) PendingCommand {
	payload := c.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return PendingCommand{
		MessageID: c.MessageID,
		Command:   c.Kind,
		Payload:   payload,
		Priority:  c.Priority,
		CreatedAt: c.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// DeliveryFrame is the body pushed to a device over any transport.
type DeliveryFrame struct {
	MessageID string          `json:"message_id"`
	Command   CommandKind     `json:"command"`
	Payload   json.RawMessage `json:"payload"`
}

// ToFrame builds the push body for c.
func ToFrame(c *Command) DeliveryFrame {
	payload := c.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return DeliveryFrame{MessageID: c.MessageID, Command: c.Kind, Payload: payload}
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}
