package engine

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Request/response bodies of the engine's HTTP surface. All three
// operations are fire-and-forget: a well-formed request is accepted with
// 202 and any downstream failure is only visible through the instance's
// own terminal state.

type startPipelineBody struct {
	PipelineID    string          `json:"pipelineId"`
	TransactionID string          `json:"transactionId"`
	Payload       json.RawMessage `json:"payload"`
}

type endActivityBody struct {
	ExecutionToken string            `json:"executionToken"`
	Success        bool              `json:"success"`
	ErrorMessage   string            `json:"errorMessage"`
	Payload        json.RawMessage   `json:"payload"`
	Data           map[string]string `json:"data"`
}

// RegisterRoutes mounts the engine's three operations on a gin router.
func (e *Engine) RegisterRoutes(g *gin.Engine) {
	g.POST("/pipelines/start", e.handleStartPipeline)
	g.POST("/instances/:token/start", e.handleStartActivity)
	g.POST(EndActivityPath, e.handleEndActivity)
}

func (e *Engine) handleStartPipeline(c *gin.Context) {
	var body startPipelineBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "malformed request body: " + err.Error()})
		return
	}

	req := StartPipelineRequest{Payload: body.Payload}
	if body.PipelineID != "" {
		id, err := uuid.Parse(body.PipelineID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": "malformed pipeline identifier"})
			return
		}
		req.PipelineID = &id
	}
	if body.TransactionID != "" {
		id, err := uuid.Parse(body.TransactionID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": "malformed transaction identifier"})
			return
		}
		req.TransactionID = &id
	}

	key, err := e.StartPipeline(c.Request.Context(), req)
	if err != nil {
		// Already logged by the sequencer; the request is simply dropped.
		c.JSON(http.StatusAccepted, gin.H{"accepted": false})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true, "instanceToken": key.Token()})
}

// handleStartActivity is the operator escape hatch: force the sequencer to
// re-evaluate one instance.
func (e *Engine) handleStartActivity(c *gin.Context) {
	key, err := ParsePipelineInstanceToken(c.Param("token"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "malformed instance token: " + err.Error()})
		return
	}
	e.StartActivity(c.Request.Context(), key)
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

func (e *Engine) handleEndActivity(c *gin.Context) {
	var body endActivityBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "malformed request body: " + err.Error()})
		return
	}
	key, err := ParseActivityExecutionToken(body.ExecutionToken)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "malformed execution token: " + err.Error()})
		return
	}

	e.EndActivity(c.Request.Context(), EndActivityRequest{
		Key:             key,
		Success:         body.Success,
		ErrorMessage:    body.ErrorMessage,
		ExternalPayload: body.Payload,
		Data:            body.Data,
	})
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}
