package main

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/matheusmosca/account-store/internal/apperrors"
	"github.com/matheusmosca/account-store/internal/auth"
	"github.com/matheusmosca/account-store/internal/checkout"
	"github.com/matheusmosca/account-store/internal/config"
	"github.com/matheusmosca/account-store/internal/inventory"
	"github.com/matheusmosca/account-store/internal/logger"
	"github.com/matheusmosca/account-store/internal/topup"
)

const idempotencyHeader = "Idempotency-Key"

// Handler serves the store HTTP API.
type Handler struct {
	app *App
	log *zap.Logger
}

// NewHandler creates a Handler serving app.
func NewHandler(app *App, log *zap.Logger) *Handler {
	return &Handler{app: app, log: log}
}

func newRouter(app *App, cfg *config.Config, log *zap.Logger) *gin.Engine {
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	h := NewHandler(app, log)
	limiter := NewRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst)

	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.Telemetry {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(RequestLogger(log))

	r.GET("/health", h.HealthCheck)

	public := r.Group("/api", limiter.Middleware())
	public.GET("/products", h.ListProducts)
	public.GET("/products/:id", h.GetProduct)
	public.GET("/products/:id/stock", h.ProductStock)
	public.POST("/webhooks/payments", VerifySignature(app.WebhookSecret), h.PaymentCallback)

	api := r.Group("/api", Authenticate(app.Tokens), limiter.Middleware())

	api.POST("/checkout", h.Checkout)
	api.POST("/checkout/buy-now/:productId", h.BuyNow)
	api.POST("/checkout/cart", h.CheckoutCart)

	api.GET("/cart", h.GetCart)
	api.POST("/cart", h.AddToCart)
	api.PUT("/cart/:productId", h.UpdateCartItem)
	api.DELETE("/cart/:productId", h.RemoveCartItem)

	api.GET("/orders", h.ListOrders)
	api.GET("/orders/:id", h.GetOrder)

	api.GET("/wallet", h.GetWallet)
	api.GET("/wallet/entries", h.ListWalletEntries)

	api.POST("/topups", h.CreateTopUp)
	api.GET("/topups", h.ListTopUps)
	api.GET("/topups/:id", h.GetTopUp)
	api.POST("/topups/:id/processing", h.MarkTopUpProcessing)

	admin := api.Group("/admin", RequireAdmin())
	admin.POST("/products", h.CreateProduct)
	admin.POST("/inventory/:productId/import", h.ImportStock)
	admin.GET("/topups", h.ListAllTopUps)
	admin.POST("/topups/:id/approve", h.ApproveTopUp)
	admin.POST("/topups/:id/reject", h.RejectTopUp)
	admin.POST("/topups/by-ref/:ref/approve", h.ApproveTopUpByReference)

	return r
}

// HealthCheck reports whether the store is reachable.
func (h *Handler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.app.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": "database unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Products

func (h *Handler) ListProducts(c *gin.Context) {
	products, err := h.app.Products.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

func (h *Handler) GetProduct(c *gin.Context) {
	id, ok := int64Param(c, "id")
	if !ok {
		return
	}
	product, err := h.app.Products.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func (h *Handler) ProductStock(c *gin.Context) {
	id, ok := int64Param(c, "id")
	if !ok {
		return
	}
	if _, err := h.app.Products.Get(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	available, err := h.app.Stock.AvailableCount(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product_id": id, "available": available})
}

type createProductRequest struct {
	Name  string          `json:"name" binding:"required"`
	Price decimal.Decimal `json:"price"`
}

func (h *Handler) CreateProduct(c *gin.Context) {
	var req createProductRequest
	if !bind(c, &req) {
		return
	}
	product, err := h.app.Products.Create(c.Request.Context(), req.Name, req.Price)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, product)
}

type importStockRequest struct {
	Payloads []string `json:"payloads" binding:"required,min=1"`
}

// ImportStock accepts either a JSON payload list or a text/plain body with one unit per line.
func (h *Handler) ImportStock(c *gin.Context) {
	productID, ok := int64Param(c, "productId")
	if !ok {
		return
	}

	var payloads []string
	if c.ContentType() == "text/plain" {
		raw, err := io.ReadAll(c.Request.Body)
		if err != nil {
			h.fail(c, apperrors.Wrap(apperrors.KindInvalidRequest, "could not read body", err))
			return
		}
		payloads = inventory.ParsePayloads(string(raw))
	} else {
		var req importStockRequest
		if !bind(c, &req) {
			return
		}
		payloads = req.Payloads
	}

	units, err := h.app.Stock.Import(c.Request.Context(), productID, payloads)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"product_id": productID, "imported": len(units)})
}

// Checkout

func (h *Handler) Checkout(c *gin.Context) {
	var req checkout.Request
	if !bind(c, &req) {
		return
	}
	req.IdempotencyKey = c.GetHeader(idempotencyHeader)

	result, err := h.app.Checkout.Checkout(c.Request.Context(), principal(c), req)
	h.respondCheckout(c, result, err)
}

func (h *Handler) BuyNow(c *gin.Context) {
	productID, ok := int64Param(c, "productId")
	if !ok {
		return
	}
	result, err := h.app.Checkout.BuyNow(c.Request.Context(), principal(c), productID, c.GetHeader(idempotencyHeader))
	h.respondCheckout(c, result, err)
}

func (h *Handler) CheckoutCart(c *gin.Context) {
	result, err := h.app.Checkout.CheckoutCart(c.Request.Context(), principal(c), c.GetHeader(idempotencyHeader))
	h.respondCheckout(c, result, err)
}

func (h *Handler) respondCheckout(c *gin.Context, result *checkout.Result, err error) {
	if err != nil {
		h.fail(c, err)
		return
	}
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

// Cart

func (h *Handler) GetCart(c *gin.Context) {
	summary, err := h.app.Cart.Summarize(c.Request.Context(), principal(c).UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

type addToCartRequest struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int   `json:"quantity"`
}

func (h *Handler) AddToCart(c *gin.Context) {
	var req addToCartRequest
	if !bind(c, &req) {
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	item, err := h.app.Cart.Add(c.Request.Context(), principal(c).UserID, req.ProductID, req.Quantity)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

type updateCartRequest struct {
	Quantity int `json:"quantity"`
}

func (h *Handler) UpdateCartItem(c *gin.Context) {
	productID, ok := int64Param(c, "productId")
	if !ok {
		return
	}
	var req updateCartRequest
	if !bind(c, &req) {
		return
	}
	item, err := h.app.Cart.SetQuantity(c.Request.Context(), principal(c).UserID, productID, req.Quantity)
	if err != nil {
		h.fail(c, err)
		return
	}
	if item == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *Handler) RemoveCartItem(c *gin.Context) {
	productID, ok := int64Param(c, "productId")
	if !ok {
		return
	}
	if err := h.app.Cart.Remove(c.Request.Context(), principal(c).UserID, productID); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Orders

func (h *Handler) ListOrders(c *gin.Context) {
	list, err := h.app.Orders.List(c.Request.Context(), principal(c).UserID, queryInt(c, "limit"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": list})
}

func (h *Handler) GetOrder(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	order, err := h.app.Orders.Get(c.Request.Context(), principal(c).UserID, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// Wallet

func (h *Handler) GetWallet(c *gin.Context) {
	p := principal(c)
	balance, err := h.app.Wallet.Balance(c.Request.Context(), p.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": p.UserID, "balance": balance})
}

func (h *Handler) ListWalletEntries(c *gin.Context) {
	entries, err := h.app.Wallet.Entries(c.Request.Context(), principal(c).UserID, queryInt(c, "limit"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// Top-ups

type createTopUpRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	ExternalRef string          `json:"external_ref"`
	Method      topup.Method    `json:"method"`
}

func (h *Handler) CreateTopUp(c *gin.Context) {
	var req createTopUpRequest
	if !bind(c, &req) {
		return
	}
	claim, err := h.app.TopUps.Create(c.Request.Context(), principal(c), topup.CreateRequest{
		Amount:      req.Amount,
		ExternalRef: req.ExternalRef,
		Method:      req.Method,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, claim)
}

func (h *Handler) ListTopUps(c *gin.Context) {
	claims, err := h.app.TopUps.ListForUser(c.Request.Context(), principal(c), queryInt(c, "limit"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"topups": claims})
}

func (h *Handler) GetTopUp(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	claim, err := h.app.TopUps.Get(c.Request.Context(), principal(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, claim)
}

func (h *Handler) MarkTopUpProcessing(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	claim, err := h.app.TopUps.MarkProcessing(c.Request.Context(), principal(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, claim)
}

func (h *Handler) ListAllTopUps(c *gin.Context) {
	var status topup.Status
	if raw := c.Query("status"); raw != "" {
		parsed, ok := topup.ParseStatus(raw)
		if !ok {
			h.fail(c, apperrors.New(apperrors.KindInvalidRequest, "unknown status").With("status", raw))
			return
		}
		status = parsed
	}
	claims, err := h.app.TopUps.ListAll(c.Request.Context(), principal(c), status, queryInt(c, "limit"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"topups": claims})
}

type approveTopUpRequest struct {
	SettledAmount *decimal.Decimal `json:"settled_amount"`
}

func (h *Handler) ApproveTopUp(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var req approveTopUpRequest
	if !bindOptional(c, &req) {
		return
	}
	claim, err := h.app.TopUps.Approve(c.Request.Context(), principal(c), id, req.SettledAmount)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, claim)
}

func (h *Handler) ApproveTopUpByReference(c *gin.Context) {
	var req approveTopUpRequest
	if !bindOptional(c, &req) {
		return
	}
	claim, err := h.app.TopUps.ApproveByReference(c.Request.Context(), principal(c), c.Param("ref"), req.SettledAmount)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, claim)
}

type rejectTopUpRequest struct {
	Note string `json:"note"`
}

func (h *Handler) RejectTopUp(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var req rejectTopUpRequest
	if !bindOptional(c, &req) {
		return
	}
	claim, err := h.app.TopUps.Reject(c.Request.Context(), principal(c), id, req.Note)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, claim)
}

// PaymentCallback applies a signed provider confirmation. Redeliveries answer 200 with
// duplicate=true so the provider stops retrying.
func (h *Handler) PaymentCallback(c *gin.Context) {
	var cb topup.Callback
	if !bind(c, &cb) {
		return
	}
	result, err := h.app.TopUps.HandleCallback(c.Request.Context(), cb)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"claim_id":  result.Claim.ID,
		"status":    result.Claim.Status,
		"duplicate": result.Duplicate,
	})
}

// helpers

func principal(c *gin.Context) auth.Principal {
	p, _ := auth.FromContext(c.Request.Context())
	return p
}

func (h *Handler) fail(c *gin.Context, err error) {
	kind := apperrors.KindOf(err)
	status := apperrors.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		logger.FromContext(c.Request.Context(), h.log).Error("request error",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	abortWithError(c, err)
}

func abortWithError(c *gin.Context, err error) {
	kind := apperrors.KindOf(err)
	if apperrors.Retryable(err) {
		c.Header("Retry-After", "1")
	}

	body := gin.H{"error": apperrors.PublicMessage(err)}
	if kind != "" {
		body["kind"] = kind
	}
	if details := apperrors.PublicDetails(err); len(details) > 0 {
		body["details"] = details
	}
	c.AbortWithStatusJSON(apperrors.HTTPStatus(kind), body)
}

func bind(c *gin.Context, obj any) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		abortWithError(c, apperrors.Wrap(apperrors.KindInvalidRequest, "invalid request body: "+err.Error(), err))
		return false
	}
	return true
}

// bindOptional accepts an empty body.
func bindOptional(c *gin.Context, obj any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	return bind(c, obj)
}

func int64Param(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		abortWithError(c, apperrors.New(apperrors.KindInvalidRequest, "invalid "+name).With(name, c.Param(name)))
		return 0, false
	}
	return id, true
}

func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		abortWithError(c, apperrors.New(apperrors.KindInvalidRequest, "invalid "+name).With(name, c.Param(name)))
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(c *gin.Context, name string) int {
	n, _ := strconv.Atoi(c.Query(name))
	return n
}
