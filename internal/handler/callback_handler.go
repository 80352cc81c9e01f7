package handler

import (
	"errors"
	"net/http"

	"propdesk/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type CallbackHandler struct {
	receiver *service.CallbackReceiver
	logger   logrus.FieldLogger
}

func NewCallbackHandler(receiver *service.CallbackReceiver, logger logrus.FieldLogger) *CallbackHandler {
	return &CallbackHandler{receiver: receiver, logger: logger.WithField("component", "callback_handler")}
}

// MpesaSTK handles POST /webhooks/mpesa/:scope?token=. Authenticated
// deliveries are always acknowledged so the gateway stops retrying; outcomes
// are kept on the callback event.
func (h *CallbackHandler) MpesaSTK(c *gin.Context) {
	res, err := h.receiver.Receive(c.Request.Context(), c.Param("scope"), c.Query("token"), c.Request.Body, c.ClientIP())
	switch {
	case errors.Is(err, service.ErrInvalidWebhookToken), errors.Is(err, service.ErrScopeMismatch):
		c.JSON(http.StatusUnauthorized, gin.H{"ResultCode": 1, "ResultDesc": "Rejected"})
		return
	case err != nil:
		// Not durably recorded; let the gateway retry.
		h.logger.WithError(err).Error("callback not recorded")
		c.JSON(http.StatusInternalServerError, gin.H{"ResultCode": 1, "ResultDesc": "Temporary failure"})
		return
	}
	h.logger.WithFields(logrus.Fields{"event_id": res.EventID, "status": res.Status}).Debug("callback processed")
	c.JSON(http.StatusOK, gin.H{"ResultCode": 0, "ResultDesc": "Accepted"})
}
