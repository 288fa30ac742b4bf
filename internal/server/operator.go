package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/doorlink/doorlink-gateway/internal/model"
	"github.com/doorlink/doorlink-gateway/internal/service"
	"github.com/gofiber/fiber/v2"
)

type commandRequest struct {
	Command  model.CommandKind `json:"command"`
	Payload  json.RawMessage   `json:"payload"`
	Priority *int              `json:"priority"`
}

func (s *Server) handleLogin(c *fiber.Ctx) error {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&req); err != nil {
		return s.fail(c, http.StatusBadRequest, "malformed request body")
	}
	if s.authSvc == nil || !s.authSvc.Enabled() {
		return c.JSON(model.Success("login not required", fiber.Map{
			"token":    "",
			"enabled":  false,
			"username": "guest",
		}))
	}
	token, err := s.authSvc.Authenticate(req.Username, req.Password)
	if err != nil {
		return s.fail(c, http.StatusUnauthorized, err.Error())
	}
	return c.JSON(model.Success("login succeeded", fiber.Map{
		"token":      token,
		"enabled":    true,
		"username":   s.authSvc.Username(),
		"expires_in": int(s.authSvc.TTL().Seconds()),
	}))
}

func (s *Server) handleProfile(c *fiber.Ctx) error {
	if s.authSvc == nil || !s.authSvc.Enabled() {
		return c.JSON(model.Success("ok", fiber.Map{
			"enabled":  false,
			"username": "guest",
		}))
	}
	token := extractBearerToken(c.Get(fiber.HeaderAuthorization))
	if token == "" {
		return s.fail(c, http.StatusUnauthorized, "login required")
	}
	claims, err := s.authSvc.Validate(token)
	if err != nil {
		return s.fail(c, http.StatusUnauthorized, "session expired")
	}
	return c.JSON(model.Success("ok", fiber.Map{
		"enabled":  true,
		"username": claims.Username,
	}))
}

func (s *Server) handleListDevices(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()
	devices, err := s.registry.List(ctx)
	if err != nil {
		return s.writeError(c, err)
	}
	views := make([]*model.DeviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, model.ToView(d))
	}
	return c.JSON(model.Success("ok", views))
}

func (s *Server) handleGetDevice(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return s.writeError(c, err)
	}
	ctx, cancel := requestContext(c)
	defer cancel()
	device, err := s.registry.Get(ctx, id)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(model.Success("ok", model.ToView(device)))
}

func (s *Server) handleRenameDevice(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return s.writeError(c, err)
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := c.BodyParser(&req); err != nil {
		return s.fail(c, http.StatusBadRequest, "malformed request body")
	}
	ctx, cancel := requestContext(c)
	defer cancel()
	device, err := s.registry.Rename(ctx, id, req.Name)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(model.Success("device updated", model.ToView(device)))
}

func (s *Server) handleDeleteDevice(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return s.writeError(c, err)
	}
	ctx, cancel := requestContext(c)
	defer cancel()
	if err := s.registry.Delete(ctx, id); err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(model.Success("device deleted", nil))
}

func (s *Server) handleRevokeToken(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return s.writeError(c, err)
	}
	ctx, cancel := requestContext(c)
	defer cancel()
	device, err := s.registry.RevokeToken(ctx, id)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(model.Success("token revoked", model.ToView(device)))
}

func (s *Server) handleSendCommand(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return s.writeError(c, err)
	}
	var req commandRequest
	if err := c.BodyParser(&req); err != nil {
		return s.fail(c, http.StatusBadRequest, "malformed request body")
	}
	if strings.TrimSpace(string(req.Command)) == "" {
		return s.fail(c, http.StatusBadRequest, "command is required")
	}
	return s.dispatch(c, id, req)
}

// shortcut serves the per-kind endpoints: the body is the payload, with an
// optional top-level priority.
func (s *Server) shortcut(kind model.CommandKind) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := paramID(c)
		if err != nil {
			return s.writeError(c, err)
		}
		req := commandRequest{Command: kind}
		body := bytes.TrimSpace(c.Body())
		if len(body) > 0 {
			var fields map[string]json.RawMessage
			if err := json.Unmarshal(body, &fields); err != nil {
				return s.fail(c, http.StatusBadRequest, "malformed request body")
			}
			if raw, ok := fields["priority"]; ok {
				var priority int
				if err := json.Unmarshal(raw, &priority); err != nil {
					return s.fail(c, http.StatusBadRequest, "priority must be an integer")
				}
				req.Priority = &priority
				delete(fields, "priority")
			}
			payload, err := json.Marshal(fields)
			if err != nil {
				return s.writeError(c, err)
			}
			req.Payload = payload
		}
		return s.dispatch(c, id, req)
	}
}

func (s *Server) dispatch(c *fiber.Ctx, deviceID uint64, req commandRequest) error {
	priority := 0
	if req.Priority != nil {
		priority = *req.Priority
		if priority < model.MinPriority || priority > model.MaxPriority {
			return s.writeError(c, fmt.Errorf("%w: priority must be within %d..%d", service.ErrValidation, model.MinPriority, model.MaxPriority))
		}
	}
	ctx, cancel := requestContext(c)
	defer cancel()
	result, err := s.dispatcher.SendCommand(ctx, service.SendRequest{
		DeviceID: deviceID,
		Kind:     req.Command,
		Payload:  req.Payload,
		Priority: priority,
	})
	if err != nil {
		return s.writeError(c, err)
	}
	if result.Delivered {
		return c.Status(http.StatusOK).JSON(model.Success("command sent", result))
	}
	return c.Status(http.StatusAccepted).JSON(model.Success("command queued until the device is reachable", result))
}

func (s *Server) handleDeviceStatus(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return s.writeError(c, err)
	}
	ctx, cancel := requestContext(c)
	defer cancel()
	status, err := s.dispatcher.Status(ctx, id)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(model.Success("ok", status))
}

func (s *Server) handleListCommands(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return s.writeError(c, err)
	}
	limit, err := queryLimit(c)
	if err != nil {
		return s.writeError(c, err)
	}
	ctx, cancel := requestContext(c)
	defer cancel()
	if _, err := s.registry.Get(ctx, id); err != nil {
		return s.writeError(c, err)
	}
	commands, err := s.commands.List(ctx, id, c.Query("status", string(model.StatusPending)), limit)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(model.Success("ok", commands))
}

func (s *Server) handleSweepRetry(c *fiber.Ctx) error {
	return s.runSweep(c, func(ctx context.Context) (model.SweepReport, error) {
		n, err := s.sweeper.Retry(ctx)
		return model.SweepReport{Retried: n}, err
	})
}

func (s *Server) handleSweepStale(c *fiber.Ctx) error {
	return s.runSweep(c, func(ctx context.Context) (model.SweepReport, error) {
		n, err := s.sweeper.RequeueStale(ctx)
		return model.SweepReport{Requeued: n}, err
	})
}

func (s *Server) handleSweepPurge(c *fiber.Ctx) error {
	return s.runSweep(c, func(ctx context.Context) (model.SweepReport, error) {
		n, err := s.sweeper.Purge(ctx)
		return model.SweepReport{Purged: n}, err
	})
}

func (s *Server) handleSweepAll(c *fiber.Ctx) error {
	return s.runSweep(c, func(ctx context.Context) (model.SweepReport, error) {
		return s.sweeper.RunOnce(ctx), nil
	})
}

func (s *Server) runSweep(c *fiber.Ctx, sweep func(ctx context.Context) (model.SweepReport, error)) error {
	if s.sweeper == nil {
		return s.fail(c, http.StatusServiceUnavailable, "sweeper not configured")
	}
	ctx, cancel := requestContext(c)
	defer cancel()
	report, err := sweep(ctx)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(model.Success("sweep finished", report))
}
