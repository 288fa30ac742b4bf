package model

import "time"

// Route is the delivery transport chosen for a device at one moment.
type Route struct {
	Mode      ConnectionType `json:"mode"`
	DeviceID  uint64         `json:"device_id"`
	LocalIP   string         `json:"ip_local,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	IsOnline  bool           `json:"is_online"`
}

// DispatchResult reports what happened to an operator's command request.
type DispatchResult struct {
	CommandID uint64         `json:"command_id"`
	MessageID string         `json:"message_id"`
	Status    CommandStatus  `json:"status"`
	Route     ConnectionType `json:"device_status"`
	Delivered bool           `json:"delivered"`
}

// DeviceStatus is the connectivity snapshot served to operators.
type DeviceStatus struct {
	DeviceID       uint64         `json:"device_id"`
	Name           string         `json:"name"`
	IsOnline       bool           `json:"is_online"`
	ConnectionType ConnectionType `json:"connection_type"`
	LastHeartbeat  *time.Time     `json:"last_heartbeat,omitempty"`
	LocalIP        *string        `json:"ip_local,omitempty"`
	LastContactAt  *time.Time     `json:"last_contact_at,omitempty"`
	Live           map[string]any `json:"live,omitempty"`
}

// SweepReport summarises one sweeper pass.
type SweepReport struct {
	Retried       int `json:"retried"`
	Requeued      int `json:"requeued"`
	Purged        int `json:"purged"`
	MarkedOffline int `json:"marked_offline"`
	Drained       int `json:"drained"`
}
