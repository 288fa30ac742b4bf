package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/doorlink/doorlink-gateway/internal/model"
	"github.com/doorlink/doorlink-gateway/internal/service"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const deviceLocal = "device"

// requireDevice authenticates the device token and stamps last contact.
func (s *Server) requireDevice(c *fiber.Ctx) error {
	token := extractBearerToken(c.Get(fiber.HeaderAuthorization))
	if token == "" {
		token = strings.TrimSpace(c.Get("X-Device-Token"))
	}
	ctx, cancel := requestContext(c)
	defer cancel()
	device, err := s.registry.Authenticate(ctx, token)
	if err != nil {
		if errors.Is(err, service.ErrUnauthorized) {
			return s.fail(c, http.StatusUnauthorized, "invalid or inactive device token")
		}
		return s.writeError(c, err)
	}
	updated, err := s.registry.RecordContact(ctx, device.ID, remoteIP(c))
	if err != nil {
		s.logger.Warn("record contact failed", zap.Uint64("device_id", device.ID), zap.Error(err))
	} else {
		device = updated
	}
	c.Locals(deviceLocal, device)
	return c.Next()
}

// remoteIP is the caller address, or "" when it carries no usable address.
func remoteIP(c *fiber.Ctx) string {
	ip := net.ParseIP(c.IP())
	if ip == nil || ip.IsUnspecified() {
		return ""
	}
	return ip.String()
}

func currentDevice(c *fiber.Ctx) *model.Device {
	device, _ := c.Locals(deviceLocal).(*model.Device)
	return device
}

func (s *Server) handleRegister(c *fiber.Ctx) error {
	var req struct {
		Code string `json:"code"`
		Name string `json:"name"`
	}
	if err := c.BodyParser(&req); err != nil {
		return s.fail(c, http.StatusBadRequest, "malformed request body")
	}
	ctx, cancel := requestContext(c)
	defer cancel()
	device, err := s.registry.Register(ctx, req.Code, req.Name)
	if err != nil {
		return s.writeError(c, err)
	}
	// the token is only ever returned here
	return c.Status(http.StatusCreated).JSON(model.Success("device registered", fiber.Map{
		"id":    device.ID,
		"name":  device.Name,
		"token": device.Token,
	}))
}

func (s *Server) handleDeviceConfig(c *fiber.Ctx) error {
	device := currentDevice(c)
	return c.JSON(model.Success("ok", fiber.Map{
		"id":     device.ID,
		"name":   device.Name,
		"active": device.Active,
	}))
}

func (s *Server) handleHeartbeat(c *fiber.Ctx) error {
	var req struct {
		LocalIP string `json:"local_ip"`
	}
	if len(bytes.TrimSpace(c.Body())) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return s.fail(c, http.StatusBadRequest, "malformed request body")
		}
	}
	ctx, cancel := requestContext(c)
	defer cancel()
	device, err := s.registry.Heartbeat(ctx, currentDevice(c).ID, req.LocalIP)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(model.Success("ok", fiber.Map{
		"is_online":       device.IsOnline,
		"connection_type": device.ConnectionType,
	}))
}

func (s *Server) handlePendingCommands(c *fiber.Ctx) error {
	limit, err := queryLimit(c)
	if err != nil {
		return s.writeError(c, err)
	}
	ctx, cancel := requestContext(c)
	defer cancel()
	commands, err := s.dispatcher.PendingCommands(ctx, currentDevice(c).ID, limit)
	if err != nil {
		return s.writeError(c, err)
	}
	out := make([]model.PendingCommand, 0, len(commands))
	for _, cmd := range commands {
		out = append(out, model.ToPending(cmd))
	}
	return c.JSON(model.Success("ok", out))
}

func (s *Server) handleCompleteCommand(c *fiber.Ctx) error {
	var req struct {
		Success  *bool           `json:"success"`
		Response json.RawMessage `json:"response"`
		Error    *string         `json:"error"`
	}
	if err := c.BodyParser(&req); err != nil {
		return s.fail(c, http.StatusBadRequest, "malformed request body")
	}
	if req.Success == nil {
		return s.fail(c, http.StatusBadRequest, "success is required")
	}
	if !isObjectOrNull(req.Response) {
		return s.fail(c, http.StatusBadRequest, "response must be an object")
	}
	errText := ""
	if req.Error != nil {
		errText = *req.Error
	}
	ctx, cancel := requestContext(c)
	defer cancel()
	err := s.dispatcher.CompleteCommand(ctx, currentDevice(c).ID, c.Params("messageId"), *req.Success, req.Response, errText)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(model.Success("command processed", nil))
}

func isObjectOrNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return true
	}
	return trimmed[0] == '{'
}
