package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vipul43/kiwis-watch/internal/service"
)

// Server is the thin trigger surface: the inbound webhook endpoint plus
// the authenticated administrative actions. Batch operations answer 200
// with per-item results in the body; aggregate failures are never
// reported through the status code, so upstream retry semantics stay
// intact.
type Server struct {
	ingestor  *service.WebhookIngestor
	manager   *service.WatchManager
	migration *service.MigrationManager
	scheduler *service.RenewalScheduler
	adminKey  string
	engine    *gin.Engine
}

func New(
	ingestor *service.WebhookIngestor,
	manager *service.WatchManager,
	migration *service.MigrationManager,
	scheduler *service.RenewalScheduler,
	adminKey string,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		ingestor:  ingestor,
		manager:   manager,
		migration: migration,
		scheduler: scheduler,
		adminKey:  adminKey,
		engine:    gin.New(),
	}
	s.engine.Use(gin.Recovery())

	s.engine.POST("/webhooks/gmail", s.handleGmailWebhook)

	admin := s.engine.Group("/admin", s.requireAdminKey)
	admin.POST("/migrations", s.handleMigrateAll)
	admin.POST("/migrations/:connectionID", s.handleMigrateOne)
	admin.GET("/migrations/status", s.handleMigrationStatus)
	admin.POST("/migrations/rollback", s.handleRollback)
	admin.POST("/renewals/sweep", s.handleRenewalSweep)
	admin.GET("/watch/:connectionID", s.handleWatchStatus)
	admin.POST("/watch/:connectionID", s.handleSetupWatch)
	admin.DELETE("/watch/:connectionID", s.handleStopWatch)

	return s
}

// Handler exposes the router for http.Server and tests
func (s *Server) Handler() http.Handler {
	return s.engine
}

// pushEnvelope is the Pub/Sub push delivery wrapper
type pushEnvelope struct {
	Message struct {
		Data      string `json:"data"` // base64-encoded notification
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// gmailNotification is the decoded Gmail watch notification payload
type gmailNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// handleGmailWebhook consumes one push delivery. Structurally unfixable
// payloads are acknowledged (audited as malformed) so the upstream stops
// retrying them; transient store failures answer 503 so it redelivers.
func (s *Server) handleGmailWebhook(c *gin.Context) {
	var envelope pushEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		s.ingestor.RecordMalformed(c.Request.Context(), fmt.Sprintf("undecodable envelope: %v", err))
		c.Status(http.StatusNoContent)
		return
	}

	payload, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		s.ingestor.RecordMalformed(c.Request.Context(), fmt.Sprintf("undecodable message data: %v", err))
		c.Status(http.StatusNoContent)
		return
	}

	var notification gmailNotification
	if err := json.Unmarshal(payload, &notification); err != nil {
		s.ingestor.RecordMalformed(c.Request.Context(), fmt.Sprintf("undecodable notification: %v", err))
		c.Status(http.StatusNoContent)
		return
	}
	if notification.EmailAddress == "" || notification.HistoryID == 0 {
		s.ingestor.RecordMalformed(c.Request.Context(), "notification missing emailAddress or historyId")
		c.Status(http.StatusNoContent)
		return
	}

	result, err := s.ingestor.Process(c.Request.Context(), notification.EmailAddress, notification.HistoryID)
	if err != nil {
		// Transient failure: ask the upstream to redeliver.
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

// requireAdminKey guards the administrative endpoints with a shared key
func (s *Server) requireAdminKey(c *gin.Context) {
	if s.adminKey == "" || c.GetHeader("X-Admin-Key") != s.adminKey {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func (s *Server) handleMigrateAll(c *gin.Context) {
	report, err := s.migration.MigrateAllConnections(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	// Partial failure is still 200; the body carries per-item results.
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleMigrateOne(c *gin.Context) {
	outcome := s.migration.MigrateConnection(c.Request.Context(), c.Param("connectionID"))
	c.JSON(http.StatusOK, outcome)
}

func (s *Server) handleMigrationStatus(c *gin.Context) {
	status, err := s.migration.GetMigrationStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleRollback(c *gin.Context) {
	report, err := s.migration.RollbackMigration(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleRenewalSweep(c *gin.Context) {
	report, err := s.scheduler.Sweep(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleWatchStatus(c *gin.Context) {
	report, err := s.manager.GetWatchStatus(c.Request.Context(), c.Param("connectionID"))
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleSetupWatch(c *gin.Context) {
	sub, err := s.manager.SetupWatch(c.Request.Context(), c.Param("connectionID"))
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"subscription_id": sub.ID,
		"connection_id":   sub.ConnectionID,
		"history_cursor":  sub.HistoryCursor,
		"expires_at":      sub.ExpiresAt,
		"status":          sub.Status,
	})
}

func (s *Server) handleStopWatch(c *gin.Context) {
	outcome, err := s.manager.StopWatch(c.Request.Context(), c.Param("connectionID"))
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	resp := gin.H{"stopped": outcome.Stopped}
	if outcome.CleanupErr != nil {
		resp["cleanup_error"] = outcome.CleanupErr.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrUpstreamUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
