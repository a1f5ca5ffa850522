package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/walletcore/internal/projector"
	"github.com/MarkoPoloResearchLab/walletcore/internal/webhook"
	"github.com/MarkoPoloResearchLab/walletcore/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// LedgerAPI is the slice of the ledger service the facade consumes.
type LedgerAPI interface {
	CreateTransaction(ctx context.Context, input ledger.TransactionInput) (ledger.Transaction, error)
	Rollback(ctx context.Context, transactionID string, initiatedBy ledger.ActorID) (ledger.Transaction, error)
	Transaction(ctx context.Context, transactionID string) (ledger.Transaction, error)
	ListEntries(ctx context.Context, ref ledger.AccountRef, beforeUnixUTC int64, limit int) ([]ledger.Entry, error)
	VerifyAccount(ctx context.Context, ref ledger.AccountRef) (ledger.SignedAmountCents, error)
}

// WalletAPI serves wallet projection reads.
type WalletAPI interface {
	WalletBalance(ctx context.Context, owner ledger.OwnerID, walletID string, currency ledger.Currency) (projector.Projection, error)
	SyncFromLedger(ctx context.Context, owner ledger.OwnerID, walletID string, currency ledger.Currency) (projector.Projection, error)
}

// WebhookAPI manages webhook registrations.
type WebhookAPI interface {
	Register(ctx context.Context, registration webhook.Webhook) (webhook.Webhook, error)
	Get(ctx context.Context, webhookID string) (webhook.Webhook, error)
	Delete(ctx context.Context, webhookID string) error
	TestWebhook(ctx context.Context, webhookID string) error
}

// Server is the HTTP facade over the ledger, the wallet projections, and the
// webhook registry.
type Server struct {
	cfg      Config
	logger   *zap.Logger
	ledger   LedgerAPI
	wallets  WalletAPI
	webhooks WebhookAPI
}

// NewServer wires the facade.
func NewServer(cfg Config, logger *zap.Logger, ledgerAPI LedgerAPI, wallets WalletAPI, webhooks WebhookAPI) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ledgerAPI == nil {
		return nil, fmt.Errorf("ledger dependency is nil")
	}
	if wallets == nil {
		return nil, fmt.Errorf("wallet dependency is nil")
	}
	if webhooks == nil {
		return nil, fmt.Errorf("webhook dependency is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{cfg: cfg, logger: logger, ledger: ledgerAPI, wallets: wallets, webhooks: webhooks}, nil
}

// Router assembles the gin engine.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.POST("/transactions", server.handleCreateTransaction)
	api.GET("/transactions/:id", server.handleGetTransaction)
	api.POST("/transactions/:id/rollback", server.handleRollback)
	api.GET("/wallets/:owner", server.handleWallet)
	api.POST("/wallets/:owner/sync", server.handleWalletSync)
	api.GET("/accounts/:owner/:subtype/entries", server.handleListEntries)
	api.GET("/accounts/:owner/:subtype/verify", server.handleVerifyAccount)
	api.POST("/webhooks", server.handleRegisterWebhook)
	api.GET("/webhooks/:id", server.handleGetWebhook)
	api.DELETE("/webhooks/:id", server.handleDeleteWebhook)
	api.POST("/webhooks/:id/test", server.handleTestWebhook)

	return router
}

// Run serves until the context ends, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("wallet api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type accountRefPayload struct {
	Owner   string `json:"owner"`
	Subtype string `json:"subtype"`
}

type transactionRequest struct {
	Type        string            `json:"type"`
	From        accountRefPayload `json:"from"`
	To          accountRefPayload `json:"to"`
	Currency    string            `json:"currency"`
	AmountCents int64             `json:"amount_cents"`
	FeeCents    int64             `json:"fee_cents"`
	ExternalRef string            `json:"external_ref"`
	InitiatedBy string            `json:"initiated_by"`
	Metadata    string            `json:"metadata"`
}

type rollbackRequest struct {
	InitiatedBy string `json:"initiated_by"`
}

type webhookRequest struct {
	URL           string   `json:"url"`
	Secret        string   `json:"secret"`
	Description   string   `json:"description"`
	EventPatterns []string `json:"event_patterns"`
}

func (server *Server) handleCreateTransaction(ctx *gin.Context) {
	var request transactionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	input, err := server.buildTransactionInput(request)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	transaction, err := server.ledger.CreateTransaction(requestCtx, input)
	if err != nil {
		server.respondLedgerError(ctx, "transaction create failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": transactionPayloadOf(transaction)})
}

func (server *Server) handleGetTransaction(ctx *gin.Context) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	transaction, err := server.ledger.Transaction(requestCtx, ctx.Param("id"))
	if err != nil {
		server.respondLedgerError(ctx, "transaction fetch failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": transactionPayloadOf(transaction)})
}

func (server *Server) handleRollback(ctx *gin.Context) {
	var request rollbackRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	initiatedBy, err := ledger.NewActorID(request.InitiatedBy)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	reversal, err := server.ledger.Rollback(requestCtx, ctx.Param("id"), initiatedBy)
	if err != nil {
		server.respondLedgerError(ctx, "rollback failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": transactionPayloadOf(reversal)})
}

func (server *Server) handleWallet(ctx *gin.Context) {
	owner, currency, ok := server.ownerAndCurrency(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	projection, err := server.wallets.WalletBalance(requestCtx, owner, ctx.Query("wallet_id"), currency)
	if err != nil {
		server.respondLedgerError(ctx, "wallet read failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": projectionPayloadOf(projection)})
}

func (server *Server) handleWalletSync(ctx *gin.Context) {
	owner, currency, ok := server.ownerAndCurrency(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	projection, err := server.wallets.SyncFromLedger(requestCtx, owner, ctx.Query("wallet_id"), currency)
	if err != nil {
		server.respondLedgerError(ctx, "wallet sync failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": projectionPayloadOf(projection)})
}

func (server *Server) handleListEntries(ctx *gin.Context) {
	ref, ok := server.accountRefFromPath(ctx)
	if !ok {
		return
	}
	before, limit, ok := paginationParams(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	entries, err := server.ledger.ListEntries(requestCtx, ref, before, limit)
	if err != nil {
		server.respondLedgerError(ctx, "entry list failed", err)
		return
	}
	payload := make([]gin.H, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, gin.H{
			"entry_id":         entry.EntryID,
			"transaction_id":   entry.TransactionID,
			"account_id":       entry.AccountID,
			"direction":        entry.Direction.String(),
			"amount_cents":     entry.AmountCents.Int64(),
			"currency":         entry.Currency.String(),
			"created_unix_utc": entry.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": payload})
}

func (server *Server) handleVerifyAccount(ctx *gin.Context) {
	ref, ok := server.accountRefFromPath(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	balance, err := server.ledger.VerifyAccount(requestCtx, ref)
	if err != nil {
		server.respondLedgerError(ctx, "account verification failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance_cents": balance.Int64()})
}

func (server *Server) handleRegisterWebhook(ctx *gin.Context) {
	var request webhookRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	registered, err := server.webhooks.Register(ctx.Request.Context(), webhook.Webhook{
		URL:           request.URL,
		Secret:        request.Secret,
		Description:   request.Description,
		EventPatterns: request.EventPatterns,
	})
	if err != nil {
		if errors.Is(err, webhook.ErrInvalidWebhook) || errors.Is(err, webhook.ErrInvalidPattern) {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_webhook", err.Error()))
			return
		}
		server.logger.Error("webhook registration failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "webhook registration failed"))
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"webhook": webhookPayloadOf(registered)})
}

func (server *Server) handleGetWebhook(ctx *gin.Context) {
	registered, err := server.webhooks.Get(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		server.respondWebhookError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"webhook": webhookPayloadOf(registered)})
}

func (server *Server) handleDeleteWebhook(ctx *gin.Context) {
	if err := server.webhooks.Delete(ctx.Request.Context(), ctx.Param("id")); err != nil {
		server.respondWebhookError(ctx, err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (server *Server) handleTestWebhook(ctx *gin.Context) {
	err := server.webhooks.TestWebhook(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		if errors.Is(err, webhook.ErrWebhookNotFound) {
			ctx.JSON(http.StatusNotFound, errorResponse("not_found", "unknown webhook"))
			return
		}
		ctx.JSON(http.StatusBadGateway, errorResponse("delivery_failed", err.Error()))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "delivered"})
}

func (server *Server) buildTransactionInput(request transactionRequest) (ledger.TransactionInput, error) {
	transactionType, err := ledger.ParseTransactionType(request.Type)
	if err != nil {
		return ledger.TransactionInput{}, err
	}
	currencyValue := request.Currency
	if currencyValue == "" {
		currencyValue = server.cfg.DefaultCurrency
	}
	currency, err := ledger.NewCurrency(currencyValue)
	if err != nil {
		return ledger.TransactionInput{}, err
	}
	from, err := parseAccountRef(request.From, currency)
	if err != nil {
		return ledger.TransactionInput{}, err
	}
	to, err := parseAccountRef(request.To, currency)
	if err != nil {
		return ledger.TransactionInput{}, err
	}
	amount, err := ledger.NewAmountCents(request.AmountCents)
	if err != nil {
		return ledger.TransactionInput{}, err
	}
	externalRef, err := ledger.NewExternalRef(request.ExternalRef)
	if err != nil {
		return ledger.TransactionInput{}, err
	}
	initiatedBy, err := ledger.NewActorID(request.InitiatedBy)
	if err != nil {
		return ledger.TransactionInput{}, err
	}
	metadata, err := ledger.NewMetadataJSON(request.Metadata)
	if err != nil {
		return ledger.TransactionInput{}, err
	}
	return ledger.NewTransactionInput(transactionType, from, to, amount, externalRef, initiatedBy, metadata, request.FeeCents)
}

func (server *Server) ownerAndCurrency(ctx *gin.Context) (ledger.OwnerID, ledger.Currency, bool) {
	owner, err := ledger.NewOwnerID(ctx.Param("owner"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return ledger.OwnerID{}, ledger.Currency{}, false
	}
	currencyValue := ctx.Query("currency")
	if currencyValue == "" {
		currencyValue = server.cfg.DefaultCurrency
	}
	currency, err := ledger.NewCurrency(currencyValue)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return ledger.OwnerID{}, ledger.Currency{}, false
	}
	return owner, currency, true
}

func (server *Server) accountRefFromPath(ctx *gin.Context) (ledger.AccountRef, bool) {
	owner, currency, ok := server.ownerAndCurrency(ctx)
	if !ok {
		return ledger.AccountRef{}, false
	}
	subtype, err := ledger.ParseAccountSubtype(ctx.Param("subtype"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return ledger.AccountRef{}, false
	}
	ref, err := ledger.NewAccountRef(owner, subtype, currency)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return ledger.AccountRef{}, false
	}
	return ref, true
}

func parseAccountRef(payload accountRefPayload, currency ledger.Currency) (ledger.AccountRef, error) {
	owner, err := ledger.NewOwnerID(payload.Owner)
	if err != nil {
		return ledger.AccountRef{}, err
	}
	subtype, err := ledger.ParseAccountSubtype(payload.Subtype)
	if err != nil {
		return ledger.AccountRef{}, err
	}
	return ledger.NewAccountRef(owner, subtype, currency)
}

func paginationParams(ctx *gin.Context) (int64, int, bool) {
	var before int64
	if raw := ctx.Query("before"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "before must be a unix timestamp"))
			return 0, 0, false
		}
		before = parsed
	}
	limit := defaultEntriesLimit
	if raw := ctx.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxEntriesLimit {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", fmt.Sprintf("limit must be between 1 and %d", maxEntriesLimit)))
			return 0, 0, false
		}
		limit = parsed
	}
	return before, limit, true
}

func (server *Server) respondLedgerError(ctx *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("insufficient_funds", "insufficient funds"))
	case errors.Is(err, ledger.ErrNotRollbackable), errors.Is(err, ledger.ErrStatusConflict):
		ctx.JSON(http.StatusConflict, errorResponse("status_conflict", err.Error()))
	case errors.Is(err, ledger.ErrTransactionNotFound), errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, projector.ErrProjectionNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", err.Error()))
	case errors.Is(err, ledger.ErrInvariantViolation):
		server.logger.Error(message, zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("invariant_violation", "ledger invariant violated"))
	case errors.Is(err, ledger.ErrCurrencyMismatch),
		errors.Is(err, ledger.ErrInvalidAmountCents),
		errors.Is(err, ledger.ErrInvalidAccountRef),
		errors.Is(err, ledger.ErrInvalidExternalRef):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	default:
		server.logger.Error(message, zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", message))
	}
}

func (server *Server) respondWebhookError(ctx *gin.Context, err error) {
	if errors.Is(err, webhook.ErrWebhookNotFound) {
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "unknown webhook"))
		return
	}
	server.logger.Error("webhook operation failed", zap.Error(err))
	ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "webhook operation failed"))
}

func transactionPayloadOf(transaction ledger.Transaction) gin.H {
	return gin.H{
		"transaction_id":     transaction.TransactionID,
		"type":               transaction.Type.String(),
		"from_account_id":    transaction.FromAccountID,
		"to_account_id":      transaction.ToAccountID,
		"amount_cents":       transaction.AmountCents.Int64(),
		"currency":           transaction.Currency.String(),
		"external_ref":       transaction.ExternalRef.String(),
		"status":             transaction.Status.String(),
		"initiated_by":       transaction.InitiatedBy.String(),
		"reverses_id":        transaction.ReversesID,
		"created_unix_utc":   transaction.CreatedUnixUTC,
		"completed_unix_utc": transaction.CompletedUnixUTC,
	}
}

func projectionPayloadOf(projection projector.Projection) gin.H {
	return gin.H{
		"user_id":              projection.UserID,
		"wallet_id":            projection.WalletID,
		"currency":             projection.Currency,
		"category":             projection.Category,
		"real_cents":           projection.RealCents,
		"bonus_cents":          projection.BonusCents,
		"locked_cents":         projection.LockedCents,
		"last_synced_unix_utc": projection.LastSyncedUnixUTC,
	}
}

func webhookPayloadOf(registration webhook.Webhook) gin.H {
	return gin.H{
		"webhook_id":             registration.WebhookID,
		"url":                    registration.URL,
		"description":            registration.Description,
		"event_patterns":         registration.EventPatterns,
		"active":                 registration.Active,
		"consecutive_failures":   registration.ConsecutiveFailures,
		"last_delivery_status":   string(registration.LastDeliveryStatus),
		"last_delivery_unix_utc": registration.LastDeliveryUnixUTC,
		"created_unix_utc":       registration.CreatedUnixUTC,
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
