package handler

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"propdesk/internal/repository"
	"propdesk/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type AdminHandler struct {
	settings *service.SettingsResolver
	review   *service.ReviewService
	receiver *service.CallbackReceiver
	sweeper  *service.Sweeper
	logger   logrus.FieldLogger
}

func NewAdminHandler(settings *service.SettingsResolver, review *service.ReviewService, receiver *service.CallbackReceiver, sweeper *service.Sweeper, logger logrus.FieldLogger) *AdminHandler {
	return &AdminHandler{settings: settings, review: review, receiver: receiver, sweeper: sweeper, logger: logger.WithField("component", "admin_handler")}
}

// Review handles GET /admin/payments/review.
func (h *AdminHandler) Review(c *gin.Context) {
	q, err := h.review.ListForReview(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	c.JSON(http.StatusOK, q)
}

// ExportReview handles GET /admin/payments/review/export.
func (h *AdminHandler) ExportReview(c *gin.Context) {
	name := fmt.Sprintf("payment-review-%s.xlsx", time.Now().UTC().Format("20060102"))
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	if err := h.review.ExportReview(c.Request.Context(), c.Writer); err != nil {
		h.logger.WithError(err).Error("export review")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
	}
}

// ReplayCallback handles POST /admin/callbacks/:id/replay.
func (h *AdminHandler) ReplayCallback(c *gin.Context) {
	res, err := h.receiver.ReplayCallback(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "callback event not found"})
		return
	case errors.Is(err, service.ErrNotReplayable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil && res == nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "replay failed"})
		return
	}
	body := gin.H{"event_id": res.EventID, "status": res.Status}
	if err != nil {
		body["error"] = err.Error()
	}
	if res.Outcome != nil {
		body["payment_id"] = res.Outcome.PaymentID
		body["transaction_status"] = res.Outcome.Status
	}
	c.JSON(http.StatusOK, body)
}

// Sweep handles POST /admin/payments/sweep.
func (h *AdminHandler) Sweep(c *gin.Context) {
	rep, err := h.sweeper.Run(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("manual sweep")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep failed", "report": rep})
		return
	}
	c.JSON(http.StatusOK, rep)
}

// SaveGatewaySettings handles PUT /admin/gateway-settings.
func (h *AdminHandler) SaveGatewaySettings(c *gin.Context) {
	var req service.SaveSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s, err := h.settings.Save(c.Request.Context(), req)
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": verr.Error()})
		return
	case err != nil:
		h.logger.WithError(err).Error("save gateway settings")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"scope_key":    s.ScopeKey,
		"scope":        s.Scope,
		"environment":  s.Credentials.Environment,
		"shortcode":    s.Credentials.Shortcode,
		"callback_url": s.CallbackURL(),
	})
}
