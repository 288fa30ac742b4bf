package model

import "time"

// ConnectionType is the last transport a device was seen on.
type ConnectionType string

const (
	ConnectionWebSocket ConnectionType = "websocket"
	ConnectionHTTPLocal ConnectionType = "http_local"
	ConnectionOffline   ConnectionType = "offline"
)

// Valid reports whether c is one of the known connection types.
func (c ConnectionType) Valid() bool {
	switch c {
	case ConnectionWebSocket, ConnectionHTTPLocal, ConnectionOffline:
		return true
	}
	return false
}

// Device represents one door controller plus its connectivity state.
type Device struct {
	ID              uint64         `gorm:"primaryKey" json:"id"`
	Name            string         `gorm:"size:100;not null" json:"name"`
	AdministratorID *uint64        `gorm:"index" json:"administrator_id,omitempty"`
	Token           string         `gorm:"size:64;uniqueIndex;not null" json:"token"`
	Active          bool           `gorm:"not null;index" json:"active"`
	IsOnline        bool           `gorm:"not null" json:"is_online"`
	ConnectionType  ConnectionType `gorm:"size:20;not null" json:"connection_type"`
	LastHeartbeat   *time.Time     `json:"last_heartbeat,omitempty"`
	LastLocalIP     *string        `gorm:"size:45" json:"last_local_ip,omitempty"`
	LastContactAt   *time.Time     `json:"last_contact_at,omitempty"`
	SessionID       *string        `gorm:"size:100" json:"session_id,omitempty"`
	Version         uint64         `gorm:"not null" json:"version"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// TableName pins the gorm table name.
func (Device) TableName() string { return "devices" }

// LocalIP returns the recorded local address or "".
func (d *Device) LocalIP() string {
	if d == nil || d.LastLocalIP == nil {
		return ""
	}
	return *d.LastLocalIP
}

// Session returns the live session handle or "".
func (d *Device) Session() string {
	if d == nil || d.SessionID == nil {
		return ""
	}
	return *d.SessionID
}

// Clone returns a copy that shares no pointers with d.
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	out := *d
	out.AdministratorID = cloneUint64(d.AdministratorID)
	out.LastHeartbeat = cloneTime(d.LastHeartbeat)
	out.LastLocalIP = cloneString(d.LastLocalIP)
	out.LastContactAt = cloneTime(d.LastContactAt)
	out.SessionID = cloneString(d.SessionID)
	return &out
}

// Administrator owns devices; its Code is the enrollment code devices register with.
type Administrator struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:100;not null" json:"name"`
	Code      string    `gorm:"size:64;uniqueIndex;not null" json:"code"`
	Phone     string    `gorm:"size:32" json:"phone"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName pins the gorm table name.
func (Administrator) TableName() string { return "administrators" }

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneUint64(u *uint64) *uint64 {
	if u == nil {
		return nil
	}
	v := *u
	return &v
}
