package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/orderlab/fulfillment-service/internal/order"
	"github.com/shopspring/decimal"
)

func RegisterHandlers(r *gin.Engine, svc *order.Service) {
	v1 := r.Group("/v1")
	{
		v1.POST("/orders", createOrderHandler(svc))
		v1.POST("/orders/:id/cancel", cancelOrderHandler(svc))
		v1.GET("/orders/:id", getOrderHandler(svc))
		v1.GET("/orders/:id/status", getStatusHandler(svc))
	}
}

type itemReq struct {
	SKU       string `json:"sku" binding:"required"`
	Quantity  int64  `json:"quantity" binding:"required"`
	UnitPrice string `json:"unit_price" binding:"required"`
}

type createOrderReq struct {
	CustomerEmail  string    `json:"customer_email" binding:"required,email"`
	Items          []itemReq `json:"items" binding:"required"`
	IdempotencyKey string    `json:"idempotency_key"`
}

func createOrderHandler(svc *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createOrderReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		items := make([]order.ItemInput, 0, len(req.Items))
		for _, it := range req.Items {
			price, err := decimal.NewFromString(it.UnitPrice)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid unit_price"})
				return
			}
			items = append(items, order.ItemInput{SKU: it.SKU, Quantity: it.Quantity, UnitPrice: price})
		}
		ord, err := svc.CreateOrder(c, req.CustomerEmail, items, req.IdempotencyKey)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		// The order is accepted, not fulfilled: downstream effects are
		// asynchronous and the caller polls for the outcome.
		c.JSON(http.StatusCreated, gin.H{"order_id": ord.ID, "status": ord.Status})
	}
}

func cancelOrderHandler(svc *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ord, err := svc.CancelOrder(c, c.Param("id"))
		if err != nil {
			switch {
			case errors.Is(err, order.ErrOrderNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			case errors.Is(err, order.ErrOrderNotPending):
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusOK, gin.H{"order_id": ord.ID, "status": ord.Status})
	}
}

func getOrderHandler(svc *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ord, err := svc.GetOrder(c, c.Param("id"))
		if err != nil {
			if errors.Is(err, order.ErrOrderNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, ord)
	}
}

func getStatusHandler(svc *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := svc.GetStatus(c, c.Param("id"))
		if err != nil {
			if errors.Is(err, order.ErrOrderNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": status})
	}
}
