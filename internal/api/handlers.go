package api

import (
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"sendfabric/internal/auth"
	"sendfabric/internal/broker"
	"sendfabric/internal/domain"
	"sendfabric/internal/module"
	"sendfabric/internal/store"
)

type Handlers struct {
	logger      *zap.Logger
	batches     *store.BatchStore
	recipients  *store.RecipientStore
	sendConfigs *store.SendConfigStore
	apiKeys     *store.APIKeyStore
	registry    *module.Registry
	broker      *broker.Broker
}

func NewHandlers(
	logger *zap.Logger,
	batches *store.BatchStore,
	recipients *store.RecipientStore,
	sendConfigs *store.SendConfigStore,
	apiKeys *store.APIKeyStore,
	registry *module.Registry,
	b *broker.Broker,
) *Handlers {
	return &Handlers{
		logger:      logger,
		batches:     batches,
		recipients:  recipients,
		sendConfigs: sendConfigs,
		apiKeys:     apiKeys,
		registry:    registry,
		broker:      b,
	}
}

type recipientInput struct {
	Identifier string            `json:"identifier"`
	Name       string            `json:"name"`
	Variables  map[string]string `json:"variables"`
}

type createBatchRequest struct {
	Name         string           `json:"name"`
	SendConfigID *uuid.UUID       `json:"send_config_id"`
	Module       string           `json:"module"`
	Payload      json.RawMessage  `json:"payload"`
	Recipients   []recipientInput `json:"recipients"`
	DryRun       bool             `json:"dry_run"`
}

// CreateBatch handles POST /v1/batches
//
//	@Summary		Create a batch
//	@Description	Create a draft batch with its recipients
//	@Tags			Batches
//	@Accept			json
//	@Produce		json
//	@Success		201	{object}	domain.Batch
//	@Failure		400	{object}	map[string]string
//	@Router			/v1/batches [post]
func (h *Handlers) CreateBatch(c *fiber.Ctx) error {
	userID, ok := auth.UserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthenticated"})
	}

	var req createBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "name is required"})
	}
	if len(req.Recipients) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "at least one recipient is required"})
	}

	cfg, err := h.resolveSendConfig(c, userID, req.SendConfigID, domain.ModuleKind(req.Module))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if cfg.UserID != userID {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "send config not found"})
	}

	mod, ok := h.registry.Get(cfg.Module)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown module"})
	}
	sample := module.BuildPayload(cfg.Config, req.Payload,
		req.Recipients[0].Identifier, req.Recipients[0].Name, nil)
	if result := mod.ValidatePayload(sample); !result.Valid {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":  "invalid payload",
			"errors": result.Errors,
		})
	}

	batch := &domain.Batch{
		ID:              uuid.New(),
		UserID:          userID,
		SendConfigID:    cfg.ID,
		Name:            req.Name,
		Payload:         req.Payload,
		TotalRecipients: len(req.Recipients),
		Status:          domain.BatchDraft,
		// Test keys force dry-run regardless of what the request asked for.
		DryRun: req.DryRun || auth.IsTestRequest(c),
	}

	// Every recipient is validated before anything is written; the insert is
	// a single transaction, so a rejected request leaves no partial batch.
	recipients := make([]*domain.Recipient, len(req.Recipients))
	for i, in := range req.Recipients {
		if in.Identifier == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "recipient identifier is required"})
		}
		recipients[i] = &domain.Recipient{
			ID:         uuid.New(),
			BatchID:    batch.ID,
			Identifier: in.Identifier,
			Name:       in.Name,
			Variables:  in.Variables,
		}
	}
	if err := h.batches.CreateWithRecipients(c.Context(), batch, recipients); err != nil {
		h.logger.Error("failed to create batch", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}

	return c.Status(fiber.StatusCreated).JSON(batch)
}

func (h *Handlers) resolveSendConfig(c *fiber.Ctx, userID uuid.UUID, id *uuid.UUID, kind domain.ModuleKind) (*domain.SendConfig, error) {
	if id != nil {
		cfg, err := h.sendConfigs.GetByID(c.Context(), *id)
		if err == store.ErrNotFound {
			return nil, fiber.NewError(fiber.StatusBadRequest, "send config not found")
		}
		return cfg, err
	}
	if !kind.Valid() {
		return nil, fiber.NewError(fiber.StatusBadRequest, "module or send_config_id is required")
	}
	cfg, err := h.sendConfigs.GetDefault(c.Context(), userID, kind)
	if err == store.ErrNotFound {
		return nil, fiber.NewError(fiber.StatusBadRequest, "no default send config for module")
	}
	return cfg, err
}

// SendBatch handles POST /v1/batches/:id/send
//
//	@Summary	Queue a draft batch for sending
//	@Tags		Batches
//	@Router		/v1/batches/{id}/send [post]
func (h *Handlers) SendBatch(c *fiber.Ctx) error {
	batch, errResp := h.ownedBatch(c)
	if batch == nil {
		return errResp
	}

	moved, err := h.batches.Transition(c.Context(), batch.ID, domain.BatchDraft, domain.BatchQueued)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
	if !moved {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "batch is not in draft status", "status": batch.Status})
	}

	// Eager publish shortcuts the discoverer poll; the dedup key makes the
	// poll's own publish a no-op.
	h.publishOrchestration(c, batch.ID, batch.UserID)
	return c.JSON(fiber.Map{"status": domain.BatchQueued})
}

type scheduleRequest struct {
	ScheduledAt time.Time `json:"scheduled_at"`
}

// ScheduleBatch handles POST /v1/batches/:id/schedule
//
//	@Summary	Schedule a draft batch for a later send
//	@Tags		Batches
//	@Router		/v1/batches/{id}/schedule [post]
func (h *Handlers) ScheduleBatch(c *fiber.Ctx) error {
	batch, errResp := h.ownedBatch(c)
	if batch == nil {
		return errResp
	}

	var req scheduleRequest
	if err := c.BodyParser(&req); err != nil || req.ScheduledAt.IsZero() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "scheduled_at is required"})
	}
	if req.ScheduledAt.Before(time.Now()) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "scheduled_at must be in the future"})
	}

	moved, err := h.batches.Schedule(c.Context(), batch.ID, req.ScheduledAt)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
	if !moved {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "batch is not in draft status", "status": batch.Status})
	}
	return c.JSON(fiber.Map{"status": domain.BatchScheduled, "scheduled_at": req.ScheduledAt})
}

// PauseBatch handles POST /v1/batches/:id/pause
//
//	@Summary	Pause a processing batch
//	@Tags		Batches
//	@Router		/v1/batches/{id}/pause [post]
func (h *Handlers) PauseBatch(c *fiber.Ctx) error {
	batch, errResp := h.ownedBatch(c)
	if batch == nil {
		return errResp
	}

	moved, err := h.batches.Transition(c.Context(), batch.ID, domain.BatchProcessing, domain.BatchPaused)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
	if !moved {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "batch is not processing", "status": batch.Status})
	}
	return c.JSON(fiber.Map{"status": domain.BatchPaused})
}

// ResumeBatch handles POST /v1/batches/:id/resume
//
//	@Summary	Resume a paused batch
//	@Tags		Batches
//	@Router		/v1/batches/{id}/resume [post]
func (h *Handlers) ResumeBatch(c *fiber.Ctx) error {
	batch, errResp := h.ownedBatch(c)
	if batch == nil {
		return errResp
	}

	moved, err := h.batches.Transition(c.Context(), batch.ID, domain.BatchPaused, domain.BatchQueued)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
	if !moved {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "batch is not paused", "status": batch.Status})
	}

	h.publishOrchestration(c, batch.ID, batch.UserID)
	return c.JSON(fiber.Map{"status": domain.BatchQueued})
}

// CancelBatch handles POST /v1/batches/:id/cancel
//
//	@Summary	Cancel a batch that has not completed
//	@Tags		Batches
//	@Router		/v1/batches/{id}/cancel [post]
func (h *Handlers) CancelBatch(c *fiber.Ctx) error {
	batch, errResp := h.ownedBatch(c)
	if batch == nil {
		return errResp
	}

	for _, from := range []domain.BatchStatus{
		domain.BatchProcessing, domain.BatchQueued, domain.BatchPaused, domain.BatchScheduled,
	} {
		moved, err := h.batches.Transition(c.Context(), batch.ID, from, domain.BatchCancelled)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
		}
		if moved {
			return c.JSON(fiber.Map{"status": domain.BatchCancelled})
		}
	}
	return c.Status(fiber.StatusConflict).JSON(fiber.Map{
		"error": "batch is not cancellable", "status": batch.Status})
}

// GetBatch handles GET /v1/batches/:id
//
//	@Summary	Fetch a batch with its counters
//	@Tags		Batches
//	@Router		/v1/batches/{id} [get]
func (h *Handlers) GetBatch(c *fiber.Ctx) error {
	batch, errResp := h.ownedBatch(c)
	if batch == nil {
		return errResp
	}
	return c.JSON(batch)
}

// ownedBatch loads the path batch and enforces tenant ownership. On failure
// it writes the response and returns a nil batch.
func (h *Handlers) ownedBatch(c *fiber.Ctx) (*domain.Batch, error) {
	userID, ok := auth.UserID(c)
	if !ok {
		return nil, c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthenticated"})
	}
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return nil, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid batch id"})
	}

	batch, err := h.batches.GetByID(c.Context(), id)
	if err == store.ErrNotFound {
		return nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "batch not found"})
	}
	if err != nil {
		h.logger.Error("failed to load batch", zap.Error(err))
		return nil, c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
	if batch.UserID != userID {
		return nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "batch not found"})
	}
	return batch, nil
}

func (h *Handlers) publishOrchestration(c *fiber.Ctx, batchID, userID uuid.UUID) {
	msg := broker.OrchestrationMsg{BatchID: batchID, UserID: userID}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := h.broker.Publish(c.Context(), broker.SubjectOrchestration, data, msg.DedupID()); err != nil {
		// Not fatal: the discoverer poll picks the queued batch up anyway.
		h.logger.Warn("eager orchestration publish failed",
			zap.String("batch_id", batchID.String()),
			zap.Error(err))
	}
}

type createSendConfigRequest struct {
	Name      string           `json:"name"`
	Module    string           `json:"module"`
	Config    json.RawMessage  `json:"config"`
	RateLimit domain.RateLimit `json:"rate_limit"`
	IsDefault bool             `json:"is_default"`
}

// CreateSendConfig handles POST /v1/send-configs
//
//	@Summary	Create a send configuration
//	@Tags		SendConfigs
//	@Router		/v1/send-configs [post]
func (h *Handlers) CreateSendConfig(c *fiber.Ctx) error {
	userID, ok := auth.UserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthenticated"})
	}

	var req createSendConfigRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	kind := domain.ModuleKind(req.Module)
	if !kind.Valid() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown module"})
	}
	mod, ok := h.registry.Get(kind)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "module not available"})
	}
	if result := mod.ValidateConfig(req.Config); !result.Valid {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":  "invalid config",
			"errors": result.Errors,
		})
	}

	// Cap the declared rate and batch size at the provider's hard ceiling.
	limit := module.LimitFor(module.Provider(domain.ConfigSnapshot{Config: req.Config}))
	if float64(req.RateLimit.RequestsPerSecond) > limit.MaxRequestsPerSecond {
		req.RateLimit.RequestsPerSecond = int(limit.MaxRequestsPerSecond)
	}
	if req.RateLimit.RecipientsPerRequest > limit.MaxBatchSize {
		req.RateLimit.RecipientsPerRequest = limit.MaxBatchSize
	}

	cfg := &domain.SendConfig{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      req.Name,
		Module:    kind,
		Config:    req.Config,
		RateLimit: req.RateLimit,
		IsDefault: req.IsDefault,
		IsActive:  true,
	}
	if err := h.sendConfigs.Create(c.Context(), cfg); err != nil {
		h.logger.Error("failed to create send config", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
	return c.Status(fiber.StatusCreated).JSON(cfg)
}

// ListSendConfigs handles GET /v1/send-configs
//
//	@Summary	List the tenant's send configurations
//	@Tags		SendConfigs
//	@Router		/v1/send-configs [get]
func (h *Handlers) ListSendConfigs(c *fiber.Ctx) error {
	userID, ok := auth.UserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthenticated"})
	}
	configs, err := h.sendConfigs.ListByUser(c.Context(), userID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
	return c.JSON(fiber.Map{"send_configs": configs})
}

type createAPIKeyRequest struct {
	Test      bool       `json:"test"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// CreateAPIKey handles POST /v1/api-keys
//
//	@Summary	Mint an additional API key; the plaintext is returned once
//	@Tags		APIKeys
//	@Router		/v1/api-keys [post]
func (h *Handlers) CreateAPIKey(c *fiber.Ctx) error {
	userID, ok := auth.UserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthenticated"})
	}

	var req createAPIKeyRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	plaintext, key, err := auth.GenerateKey(userID, req.Test, req.ExpiresAt)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
	if err := h.apiKeys.Create(c.Context(), key); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"id":         key.ID,
		"key":        plaintext,
		"key_prefix": key.KeyPrefix,
		"expires_at": key.ExpiresAt,
	})
}

// HealthCheck handles GET /healthz
func (h *Handlers) HealthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// ReadyCheck handles GET /readyz
func (h *Handlers) ReadyCheck(c *fiber.Ctx) error {
	if err := h.recipients.Health(c.Context()); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "db unavailable"})
	}
	if err := h.broker.HealthCheck(c.Context()); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "broker unavailable"})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}
