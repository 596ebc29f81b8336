// Copyright (C) 2025 FundScout Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the HTTP surface: the trigger endpoint,
// request and session status, dead-letter inspection, and health.
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fundscout/fundscout/pkg/logging"
	"github.com/fundscout/fundscout/services/discovery/datatypes"
	"github.com/fundscout/fundscout/services/discovery/pipeline"
	"github.com/fundscout/fundscout/services/discovery/repository"
	"github.com/fundscout/fundscout/services/discovery/session"
)

// Handlers carries the dependencies of the HTTP endpoints.
type Handlers struct {
	trigger      *pipeline.Trigger
	orchestrator *session.Orchestrator
	candidates   repository.CandidateRepository
	errors       repository.ErrorRepository
	logger       *logging.Logger
}

// New wires the handler set.
func New(trigger *pipeline.Trigger, orchestrator *session.Orchestrator, candidates repository.CandidateRepository, errs repository.ErrorRepository, logger *logging.Logger) (*Handlers, error) {
	if trigger == nil || orchestrator == nil || candidates == nil || errs == nil {
		return nil, fmt.Errorf("trigger, orchestrator, and repositories are required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handlers{
		trigger:      trigger,
		orchestrator: orchestrator,
		candidates:   candidates,
		errors:       errs,
		logger:       logger,
	}, nil
}

// TriggerDiscovery handles POST /v1/discovery/trigger.
//
// # Description
// Validates the execution request, generates queries, opens a session,
// and publishes the query events. Responds synchronously with the
// allocated ids and the number of queries published.
//
// # Inputs
//   - JSON body: category, region (ISO 3166-1 alpha-2), fundingType,
//     recipientType, engine
//
// # Outputs
//   - 202 with {requestId, sessionId, queriesEmitted}
//   - 400 on validation failure
//   - 502 when query generation or publication failed entirely
func (h *Handlers) TriggerDiscovery(c *gin.Context) {
	var req datatypes.ExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := datatypes.ValidateRequestFields(req.Category, req.FundingType, req.RecipientType, req.Engine); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.trigger.Execute(c.Request.Context(), req)
	if err != nil {
		h.logger.Error("trigger failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, result)
}

// GetRequestStatus handles GET /v1/discovery/requests/:requestId.
func (h *Handlers) GetRequestStatus(c *gin.Context) {
	requestID := c.Param("requestId")

	sess, err := h.orchestrator.StatusByRequest(c.Request.Context(), requestID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown request"})
		return
	}

	c.JSON(http.StatusOK, sess)
}

// GetSession handles GET /v1/discovery/sessions/:sessionId. The answer
// includes the session statistics and its candidates.
func (h *Handlers) GetSession(c *gin.Context) {
	sessionID := c.Param("sessionId")

	sess, err := h.orchestrator.Status(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, session.ErrUnknownSession) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	candidates, err := h.candidates.ListBySession(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Error("candidate listing failed", "session_id", sessionID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "candidate listing failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session":    sess,
		"candidates": candidates,
	})
}

// GetDeadLetters handles GET /v1/discovery/dead-letters?limit=n.
func (h *Handlers) GetDeadLetters(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	records, err := h.errors.ListDeadLetters(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if records == nil {
		records = []datatypes.WorkflowError{}
	}

	c.JSON(http.StatusOK, gin.H{"deadLetters": records})
}

// Health handles GET /health.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
