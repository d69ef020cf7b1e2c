package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/corridorhq/mnemo/pkg/intent"
	"github.com/corridorhq/mnemo/pkg/memory"
	"github.com/corridorhq/mnemo/pkg/promote"
	"github.com/corridorhq/mnemo/pkg/recall"
)

func (s *Server) handlePing(c *fiber.Ctx) error {
	return c.SendString("pong")
}

// handleHealth reports the background tasks' last successful runs.
func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "ok",
		"tasks":  s.engine.Liveness(),
	})
}

type recallRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
	TopK      int    `json:"top_k"`
	Intent    string `json:"intent"`
}

func (s *Server) handleRecall(c *fiber.Ctx) error {
	var req recallRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	memories, err := s.engine.Recall(c.Context(), recall.Request{
		Query:     req.Query,
		SessionID: req.SessionID,
		TopK:      req.TopK,
		Intent:    intent.Intent(req.Intent),
	})
	if err != nil {
		if errors.Is(err, memory.ErrValidation) {
			return badRequest(c, err.Error())
		}
		s.logger.Error("recall failed",
			zap.String("session_id", req.SessionID),
			zap.Error(err),
		)
		return internalError(c)
	}

	return c.JSON(fiber.Map{"memories": memories})
}

type turnRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleTurn(c *fiber.Ctx) error {
	var req turnRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	result, err := s.engine.HandleTurn(c.Context(), c.Params("id"), req.Text, s.generate)
	if err != nil {
		if errors.Is(err, memory.ErrValidation) {
			return badRequest(c, err.Error())
		}
		s.logger.Error("turn handling failed",
			zap.String("session_id", c.Params("id")),
			zap.Error(err),
		)
		return internalError(c)
	}

	return c.JSON(result)
}

func (s *Server) handleDistill(c *fiber.Ctx) error {
	result, err := s.engine.Distill(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, memory.ErrValidation) {
			return badRequest(c, err.Error())
		}
		s.logger.Error("distillation failed",
			zap.String("session_id", c.Params("id")),
			zap.Error(err),
		)
		return internalError(c)
	}

	return c.JSON(result)
}

func (s *Server) handleSessionStats(c *fiber.Ctx) error {
	stats := s.engine.SessionStats(c.Params("id"))
	if stats == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "unknown session",
		})
	}
	return c.JSON(stats)
}

type factEventRequest struct {
	Tier string `json:"tier"`
}

func (s *Server) handleUsage(c *fiber.Ctx) error {
	tier, ok := parseTier(c)
	if !ok {
		return badRequest(c, "tier must be episodic or semantic")
	}

	s.engine.TrackUsage(c.Context(), c.Params("id"), tier)
	return c.SendStatus(fiber.StatusAccepted)
}

func (s *Server) handleCitation(c *fiber.Ctx) error {
	tier, ok := parseTier(c)
	if !ok {
		return badRequest(c, "tier must be episodic or semantic")
	}

	s.engine.TrackCitation(c.Context(), c.Params("id"), tier)
	return c.SendStatus(fiber.StatusAccepted)
}

func (s *Server) handlePromotionRun(c *fiber.Ctx) error {
	result, err := s.engine.RunPromotionCycle(c.Context())
	if err != nil {
		if errors.Is(err, promote.ErrCycleInFlight) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		s.logger.Error("promotion cycle failed",
			zap.Error(err),
		)
		return internalError(c)
	}

	return c.JSON(result)
}

func parseTier(c *fiber.Ctx) (memory.Tier, bool) {
	var req factEventRequest
	if err := c.BodyParser(&req); err != nil {
		return "", false
	}
	tier := memory.Tier(req.Tier)
	if tier != memory.TierEpisodic && tier != memory.TierSemantic {
		return "", false
	}
	return tier, true
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}

func internalError(c *fiber.Ctx) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "internal error",
	})
}
