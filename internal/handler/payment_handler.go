package handler

import (
	"errors"
	"net/http"

	"propdesk/internal/domain"
	"propdesk/internal/middleware"
	"propdesk/internal/models"
	"propdesk/internal/repository"
	"propdesk/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type PaymentHandler struct {
	initiator  *service.PaymentRequestInitiator
	payments   *repository.PaymentRepository
	txns       *repository.ProviderTransactionRepository
	tenants    *repository.TenantRepository
	properties *repository.PropertyRepository
	logger     logrus.FieldLogger
}

func NewPaymentHandler(
	initiator *service.PaymentRequestInitiator,
	payments *repository.PaymentRepository,
	txns *repository.ProviderTransactionRepository,
	tenants *repository.TenantRepository,
	properties *repository.PropertyRepository,
	logger logrus.FieldLogger,
) *PaymentHandler {
	return &PaymentHandler{
		initiator:  initiator,
		payments:   payments,
		txns:       txns,
		tenants:    tenants,
		properties: properties,
		logger:     logger.WithField("component", "payment_handler"),
	}
}

// InitiateMobileMoney handles POST /payments/mobile-money.
func (h *PaymentHandler) InitiateMobileMoney(c *gin.Context) {
	var req service.InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if middleware.GetRole(c) == domain.RoleTenant {
		own := middleware.GetTenantID(c)
		if req.TenantID == "" {
			req.TenantID = own
		}
		if req.TenantID != own {
			c.JSON(http.StatusForbidden, gin.H{"error": "tenants can only pay for themselves"})
			return
		}
	}
	req.InitiatedBy = middleware.GetUserID(c)
	req.OrganizationID = middleware.GetOrganizationID(c)

	res, err := h.initiator.Initiate(c.Request.Context(), req)
	if err != nil {
		var verr *service.ValidationError
		var gerr *service.GatewayError
		switch {
		case errors.As(err, &verr):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": verr.Message, "field": verr.Field})
		case errors.Is(err, service.ErrForbidden):
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		case errors.As(err, &gerr):
			c.JSON(http.StatusBadGateway, gin.H{
				"error":      "payment provider unavailable",
				"payment_id": gerr.PaymentID,
				"status":     domain.PaymentStatusFailed,
			})
		default:
			h.logger.WithError(err).Error("initiate mobile money payment")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not start payment"})
		}
		return
	}
	c.JSON(http.StatusCreated, res)
}

// Get handles GET /payments/:id for clients polling the outcome.
func (h *PaymentHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	p, err := h.payments.GetByID(ctx, c.Param("id"))
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if !h.canView(c, p) {
		c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
		return
	}
	resp := gin.H{"payment": p}
	if t, err := h.txns.GetByPaymentID(ctx, p.ID); err == nil {
		resp["transaction"] = gin.H{
			"id":                  t.ID,
			"status":              t.Status,
			"checkout_request_id": t.CheckoutRequestID,
			"receipt_number":      t.ReceiptNumber,
			"result_desc":         t.ResultDesc,
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *PaymentHandler) canView(c *gin.Context, p *models.Payment) bool {
	if middleware.GetRole(c) == domain.RoleTenant {
		return p.TenantID == middleware.GetTenantID(c)
	}
	ctx := c.Request.Context()
	t, err := h.tenants.GetByID(ctx, p.TenantID)
	if err != nil {
		return false
	}
	prop, err := h.properties.GetByID(ctx, t.PropertyID)
	if err != nil {
		return false
	}
	return prop.OrganizationID == middleware.GetOrganizationID(c)
}
