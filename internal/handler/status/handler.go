// Package status exposes the read-only operational surface: notification
// delivery progress, health probes and metrics. The authoring CRUD API lives
// elsewhere.
package status

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/broadcast-api/internal/repository"
	apperrors "github.com/jwalitptl/broadcast-api/pkg/errors"
	"github.com/jwalitptl/broadcast-api/pkg/logger"
)

type Handler struct {
	notifications repository.NotificationRepository
	recipients    repository.RecipientRepository
	logger        *logger.Logger
}

func NewHandler(notifications repository.NotificationRepository, recipients repository.RecipientRepository, logger *logger.Logger) *Handler {
	return &Handler{
		notifications: notifications,
		recipients:    recipients,
		logger:        logger,
	}
}

// GetStatus returns the notification lifecycle status and live aggregate
// counters.
func (h *Handler) GetStatus(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "invalid notification id"})
		return
	}

	n, err := h.notifications.Get(c.Request.Context(), id)
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) && appErr.Code == apperrors.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": appErr.Message})
			return
		}
		h.logger.Error(err, "failed to load notification", "notification_id", id.String())
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "failed to load notification"})
		return
	}

	counts, err := h.recipients.CountsByStatus(c.Request.Context(), id)
	if err != nil {
		h.logger.Error(err, "failed to count recipients", "notification_id", id.String())
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "failed to load delivery counts"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"data": gin.H{
			"id":        n.ID,
			"title":     n.Title,
			"status":    n.Status,
			"sent_at":   n.SentAt,
			"total":     counts.Total,
			"succeeded": counts.Succeeded,
			"failed":    counts.Failed,
			"not_found": counts.NotFound,
			"canceled":  counts.Canceled,
			"unknown":   counts.Unknown,
			"pending":   counts.Pending,
		},
	})
}
