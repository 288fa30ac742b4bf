package model

import (
	"strings"
	"time"
)

// DeviceView hides the bearer token when returning devices to operators.
type DeviceView struct {
	ID              uint64         `json:"id"`
	Name            string         `json:"name"`
	AdministratorID *uint64        `json:"administrator_id,omitempty"`
	Token           string         `json:"token"`
	Active          bool           `json:"active"`
	IsOnline        bool           `json:"is_online"`
	ConnectionType  ConnectionType `json:"connection_type"`
	LastHeartbeat   *time.Time     `json:"last_heartbeat,omitempty"`
	LastLocalIP     *string        `json:"last_local_ip,omitempty"`
	LastContactAt   *time.Time     `json:"last_contact_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// ToView masks the token of d.
func ToView(d *Device) *DeviceView {
	if d == nil {
		return nil
	}
	return &DeviceView{
		ID:              d.ID,
		Name:            d.Name,
		AdministratorID: d.AdministratorID,
		Token:           MaskValue(d.Token),
		Active:          d.Active,
		IsOnline:        d.IsOnline,
		ConnectionType:  d.ConnectionType,
		LastHeartbeat:   d.LastHeartbeat,
		LastLocalIP:     d.LastLocalIP,
		LastContactAt:   d.LastContactAt,
		CreatedAt:       d.CreatedAt,
	}
}

// MaskValue keeps the first four runes and stars the rest.
func MaskValue(value string) string {
	value = strings.TrimSpace(value)
	runes := []rune(value)
	if len(runes) <= 4 {
		return value
	}
	return string(runes[:4]) + strings.Repeat("*", len(runes)-4)
}
