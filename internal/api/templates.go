package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/example/user-notifications/internal/notifications"
)

func (h *Handler) getTemplate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "get-template")
	defer span.End()

	tenant, ok := h.tenant(ctx, w, r)
	if !ok {
		return
	}
	kind, ok := notifications.ParseChannelKind(chi.URLParam(r, "channelKind"))
	if !ok {
		h.respondErr(ctx, w, &notifications.ValidationError{Field: "channelKind", Reason: "unknown channel kind"})
		return
	}
	tpl, err := h.templates.GetTemplate(ctx, tenant, chi.URLParam(r, "notificationType"), kind)
	if err != nil {
		h.respondErr(ctx, w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, tpl)
}

func (h *Handler) setTemplate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "set-template")
	defer span.End()

	tenant, ok := h.tenant(ctx, w, r)
	if !ok {
		return
	}
	var tpl notifications.ChannelTemplate
	if err := json.NewDecoder(r.Body).Decode(&tpl); err != nil {
		h.respondErr(ctx, w, &notifications.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	if tpl.NotificationType == "" {
		h.respondErr(ctx, w, &notifications.ValidationError{Field: "notificationType", Reason: "required"})
		return
	}
	if _, ok := notifications.ParseChannelKind(string(tpl.Kind)); !ok {
		h.respondErr(ctx, w, &notifications.ValidationError{Field: "kind", Reason: "unknown channel kind"})
		return
	}
	if tpl.Body == "" {
		h.respondErr(ctx, w, &notifications.ValidationError{Field: "body", Reason: "required"})
		return
	}
	if tpl.Subject != "" && tpl.Kind != notifications.ChannelEmail {
		h.respondErr(ctx, w, &notifications.ValidationError{Field: "subject", Reason: "only email templates carry a subject"})
		return
	}
	tpl.LastUpdated = time.Now().UTC()

	stored, err := h.templates.PutTemplate(ctx, tenant, tpl)
	if err != nil {
		h.respondErr(ctx, w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, stored)
}

func (h *Handler) generateTemplate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "generate-template")
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
	result, err := h.engine.GenerateTemplate(ctx, tenant, req)
	requestLatency.WithLabelValues("generate_template").Observe(time.Since(start).Seconds())
	if err != nil {
		h.respondErr(ctx, w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, result)
}

func (h *Handler) setPreference(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "set-preference")
	defer span.End()

	tenant, ok := h.tenant(ctx, w, r)
	if !ok {
		return
	}
	var pref notifications.UserPreference
	if err := json.NewDecoder(r.Body).Decode(&pref); err != nil {
		h.respondErr(ctx, w, &notifications.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	if pref.UserID == "" {
		h.respondErr(ctx, w, &notifications.ValidationError{Field: "userId", Reason: "required"})
		return
	}
	if err := h.preferences.PutPreference(ctx, tenant, pref); err != nil {
		h.respondErr(ctx, w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, pref)
}

func (h *Handler) getPreference(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "get-preference")
	defer span.End()

	tenant, ok := h.tenant(ctx, w, r)
	if !ok {
		return
	}
	pref, err := h.preferences.GetPreference(ctx, tenant, chi.URLParam(r, "userID"))
	if err != nil {
		h.respondErr(ctx, w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, pref)
}
