package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/user-notifications/internal/common"
	"github.com/example/user-notifications/internal/notifications"
)

var (
	notificationsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_created_total",
		Help: "Notifications created, by delivery channel",
	}, []string{"channel"})
	batchItemOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "status_batch_items_total",
		Help: "Batch status update item outcomes",
	}, []string{"operation", "outcome"})
	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "api_request_duration_seconds",
		Help:    "Latency of API operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
)

// Handler exposes the engine, batch processor and stores over HTTP. Every
// route expects the tenant id in the x-tenant-id header.
type Handler struct {
	engine      *notifications.Engine
	processor   *notifications.Processor
	templates   notifications.TemplateStore
	preferences notifications.PreferenceStore
	store       notifications.NotificationStore
	tracer      trace.Tracer
	logger      zerolog.Logger
}

func NewHandler(engine *notifications.Engine, processor *notifications.Processor, templates notifications.TemplateStore, preferences notifications.PreferenceStore, store notifications.NotificationStore, logger zerolog.Logger) *Handler {
	return &Handler{
		engine:      engine,
		processor:   processor,
		templates:   templates,
		preferences: preferences,
		store:       store,
		tracer:      otel.Tracer("usernotifications-api"),
		logger:      logger,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", h.health)
	r.Post("/v1/notifications", h.createNotifications)
	r.Post("/v1/notifications/channels", h.createForChannels)
	r.Get("/v1/notifications/{notificationID}", h.getNotification)
	r.Get("/v1/notifications/{notificationID}/deliveries", h.getDeliveryRecords)
	r.Post("/v1/notifications/batchdeliverystatusupdate", h.batchDeliveryStatus)
	r.Post("/v1/notifications/batchreadstatusupdate", h.batchReadStatus)
	r.Get("/v1/templates/{notificationType}/{channelKind}", h.getTemplate)
	r.Put("/v1/templates", h.setTemplate)
	r.Post("/v1/templates/generate", h.generateTemplate)
	r.Put("/v1/userpreferences", h.setPreference)
	r.Get("/v1/userpreferences/{userID}", h.getPreference)
	return r
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type userResult struct {
	UserID          string                         `json:"userId"`
	NotificationID  string                         `json:"notificationId,omitempty"`
	Status          string                         `json:"status"`
	Reason          string                         `json:"reason,omitempty"`
	DeliveryRecords []notifications.DeliveryRecord `json:"deliveryRecords"`
	Warnings        []string                       `json:"warnings,omitempty"`
}

type createResponse struct {
	Results []userResult `json:"results"`
}

func (h *Handler) createNotifications(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create-notifications")
	defer span.End()

	tenant, ok := h.tenant(ctx, w, r)
	if !ok {
		return
	}
	var req notifications.NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondErr(ctx, w, &notifications.ValidationError{Field: "body", Reason: err.Error()})
		return
	}

	start := time.Now()
	results, err := h.engine.CreateNotifications(ctx, tenant, req)
	requestLatency.WithLabelValues("create_notifications").Observe(time.Since(start).Seconds())
	if err != nil {
		h.respondErr(ctx, w, err)
		return
	}
	h.writeCreateResponse(w, span, results)
}

type createForChannelsRequest struct {
	notifications.NotificationRequest
	DeliveryChannels []string `json:"deliveryChannels"`
}

func (h *Handler) createForChannels(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create-for-channels")
	defer span.End()

	tenant, ok := h.tenant(ctx, w, r)
	if !ok {
		return
	}
	var req createForChannelsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondErr(ctx, w, &notifications.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	kinds := make([]notifications.ChannelKind, 0, len(req.DeliveryChannels))
	for _, name := range req.DeliveryChannels {
		kind, ok := notifications.ParseChannelKind(name)
		if !ok {
			h.respondErr(ctx, w, &notifications.ValidationError{Field: "deliveryChannels", Reason: "unknown channel " + name})
			return
		}
		kinds = append(kinds, kind)
	}

	start := time.Now()
	results, err := h.engine.CreateForChannels(ctx, tenant, req.NotificationRequest, kinds)
	requestLatency.WithLabelValues("create_for_channels").Observe(time.Since(start).Seconds())
	if err != nil {
		h.respondErr(ctx, w, err)
		return
	}
	h.writeCreateResponse(w, span, results)
}

func (h *Handler) writeCreateResponse(w http.ResponseWriter, span trace.Span, results []notifications.CreationResult) {
	resp := createResponse{Results: make([]userResult, 0, len(results))}
	for _, res := range results {
		if res.Err != nil {
			resp.Results = append(resp.Results, userResult{
				UserID:          res.Notification.UserID,
				Status:          "failed",
				Reason:          res.Err.Error(),
				DeliveryRecords: []notifications.DeliveryRecord{},
			})
			continue
		}
		for _, rec := range res.Records {
			notificationsCreated.WithLabelValues(string(rec.Kind)).Inc()
		}
		records := res.Records
		if records == nil {
			records = []notifications.DeliveryRecord{}
		}
		resp.Results = append(resp.Results, userResult{
			UserID:          res.Notification.UserID,
			NotificationID:  res.Notification.ID,
			Status:          "created",
			DeliveryRecords: records,
			Warnings:        res.Warnings,
		})
	}
	span.SetAttributes(attribute.Int("notification.results", len(resp.Results)))
	h.respondJSON(w, http.StatusOK, resp)
}

func (h *Handler) getNotification(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "get-notification")
	defer span.End()

	tenant, ok := h.tenant(ctx, w, r)
	if !ok {
		return
	}
	n, err := h.store.Get(ctx, tenant, chi.URLParam(r, "notificationID"))
	if err != nil {
		h.respondErr(ctx, w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, n)
}

func (h *Handler) getDeliveryRecords(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "get-delivery-records")
	defer span.End()

	tenant, ok := h.tenant(ctx, w, r)
	if !ok {
		return
	}
	records, err := h.store.GetDeliveryRecords(ctx, tenant, chi.URLParam(r, "notificationID"))
	if err != nil {
		h.respondErr(ctx, w, err)
		return
	}
	if records == nil {
		records = []notifications.DeliveryRecord{}
	}
	h.respondJSON(w, http.StatusOK, records)
}

func (h *Handler) batchDeliveryStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "batch-delivery-status")
	defer span.End()

	tenant, ok := h.tenant(ctx, w, r)
	if !ok {
		return
	}
	var items []notifications.DeliveryStatusItem
	if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
		h.respondErr(ctx, w, &notifications.ValidationError{Field: "body", Reason: err.Error()})
		return
	}

	start := time.Now()
	outcomes, err := h.processor.ApplyDeliveryStatusBatch(ctx, tenant, items)
	requestLatency.WithLabelValues("batch_delivery_status").Observe(time.Since(start).Seconds())
	if err != nil {
		h.respondErr(ctx, w, err)
		return
	}
	for _, outcome := range outcomes {
		batchItemOutcomes.WithLabelValues("delivery", string(outcome.Code)).Inc()
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes})
}

func (h *Handler) batchReadStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "batch-read-status")
	defer span.End()

	tenant, ok := h.tenant(ctx, w, r)
	if !ok {
		return
	}
	var items []notifications.ReadStatusItem
	if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
		h.respondErr(ctx, w, &notifications.ValidationError{Field: "body", Reason: err.Error()})
		return
	}

	start := time.Now()
	outcomes, err := h.processor.ApplyReadStatusBatch(ctx, tenant, items)
	requestLatency.WithLabelValues("batch_read_status").Observe(time.Since(start).Seconds())
	if err != nil {
		h.respondErr(ctx, w, err)
		return
	}
	for _, outcome := range outcomes {
		batchItemOutcomes.WithLabelValues("read", string(outcome.Code)).Inc()
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes})
}

// tenant extracts the tenant scope from the request. The core treats it as
// an opaque string key.
func (h *Handler) tenant(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, bool) {
	tenant := r.Header.Get("x-tenant-id")
	if tenant == "" {
		h.respondErr(ctx, w, &notifications.ValidationError{Field: "x-tenant-id", Reason: "header required"})
		return "", false
	}
	return tenant, true
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) respondErr(ctx context.Context, w http.ResponseWriter, err error) {
	logger := common.WithContext(ctx, h.logger)

	var ve *notifications.ValidationError
	switch {
	case errors.As(err, &ve):
		logger.Warn().Err(err).Msg("request rejected")
		h.respondJSON(w, http.StatusBadRequest, map[string]any{
			"error": map[string]string{"field": ve.Field, "reason": ve.Reason},
		})
	case errors.Is(err, notifications.ErrNotFound):
		h.respondJSON(w, http.StatusNotFound, map[string]any{
			"error": map[string]string{"reason": "not found"},
		})
	case errors.Is(err, notifications.ErrConflict):
		logger.Warn().Err(err).Msg("conflicting request")
		h.respondJSON(w, http.StatusConflict, map[string]any{
			"error": map[string]string{"reason": err.Error()},
		})
	case notifications.IsTransient(err):
		logger.Error().Err(err).Msg("transient store failure")
		h.respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error": map[string]string{"reason": "temporary storage failure, retry later"},
		})
	default:
		logger.Error().Err(err).Msg("request failed")
		h.respondJSON(w, http.StatusInternalServerError, map[string]any{
			"error": map[string]string{"reason": "internal error"},
		})
	}
}
