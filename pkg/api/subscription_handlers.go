package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/Noodynamo/conceptus-veritas/pkg/analytics"
	"github.com/Noodynamo/conceptus-veritas/pkg/async"
	"github.com/Noodynamo/conceptus-veritas/pkg/httputil"
	"github.com/Noodynamo/conceptus-veritas/pkg/middleware"
	"github.com/Noodynamo/conceptus-veritas/pkg/observability"
	"github.com/Noodynamo/conceptus-veritas/pkg/subscriptions"
)

// SubscriptionHandlers provides HTTP handlers for the subscription
// lifecycle, the tier catalog, and feature usage
type SubscriptionHandlers struct {
	svc        subscriptions.Service
	usage      subscriptions.UsageTracker
	catalog    *subscriptions.Catalog
	access     *subscriptions.Access
	dispatcher *analytics.Dispatcher
	logger     *observability.Logger
}

// NewSubscriptionHandlers creates the subscription handlers
func NewSubscriptionHandlers(svc subscriptions.Service, usage subscriptions.UsageTracker, catalog *subscriptions.Catalog, access *subscriptions.Access, dispatcher *analytics.Dispatcher, logger *observability.Logger) *SubscriptionHandlers {
	return &SubscriptionHandlers{
		svc:        svc,
		usage:      usage,
		catalog:    catalog,
		access:     access,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// RegisterRoutes registers the subscription routes
func (h *SubscriptionHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/v1/tiers", h.listTiers).Methods("GET")

	router.HandleFunc("/api/v1/subscriptions", h.listSubscriptions).Methods("GET")
	router.HandleFunc("/api/v1/subscriptions/{id}", h.getSubscriptionByID).Methods("GET")

	router.HandleFunc("/api/v1/users/{id}/subscription", h.getSubscription).Methods("GET")
	router.HandleFunc("/api/v1/users/{id}/subscription", h.startSubscription).Methods("POST")
	router.HandleFunc("/api/v1/users/{id}/subscription/upgrade", h.upgradeTier).Methods("POST")
	router.HandleFunc("/api/v1/users/{id}/subscription/downgrade", h.downgradeTier).Methods("POST")
	router.HandleFunc("/api/v1/users/{id}/subscription/cancel", h.cancelSubscription).Methods("POST")
	router.HandleFunc("/api/v1/users/{id}/subscription/trial", h.startTrial).Methods("POST")

	router.HandleFunc("/api/v1/users/{id}/features/{feature}/increment", h.incrementUsage).Methods("POST")
	router.HandleFunc("/api/v1/users/{id}/features/{feature}/access", h.checkAccess).Methods("GET")
	router.HandleFunc("/api/v1/users/{id}/summary", h.summary).Methods("GET")
}

// listTiers handles GET /api/v1/tiers
func (h *SubscriptionHandlers) listTiers(w http.ResponseWriter, r *http.Request) {
	tiers := h.catalog.Tiers()
	dtos := make([]subscriptions.TierDTO, len(tiers))
	for i, t := range tiers {
		dtos[i] = subscriptions.ToTierDTO(t)
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"tiers": dtos,
		"count": len(dtos),
	})
}

// listSubscriptions handles GET /api/v1/subscriptions
func (h *SubscriptionHandlers) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	limit := httputil.ParseQueryInt(r, "limit", 100)
	offset := httputil.ParseQueryInt(r, "offset", 0)

	subs, err := h.svc.ListSubscriptions(r.Context(), limit, offset)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	dtos := make([]subscriptions.SubscriptionDTO, len(subs))
	for i, sub := range subs {
		dtos[i] = subscriptions.ToSubscriptionDTO(sub)
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"subscriptions": dtos,
		"count":         len(dtos),
	})
}

// getSubscriptionByID handles GET /api/v1/subscriptions/{id}
func (h *SubscriptionHandlers) getSubscriptionByID(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.PathVarOrError(w, r, "id")
	if !ok {
		return
	}

	sub, err := h.svc.GetSubscriptionByID(r.Context(), id)
	if subscriptions.IsNotFound(err) {
		httputil.WriteNotFoundError(w, "subscription not found")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, subscriptions.ToSubscriptionDTO(sub))
}

// getSubscription handles GET /api/v1/users/{id}/subscription
func (h *SubscriptionHandlers) getSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.PathVarOrError(w, r, "id")
	if !ok {
		return
	}

	sub, err := h.svc.GetSubscription(r.Context(), userID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, subscriptions.ToSubscriptionDTO(sub))
}

// startSubscription handles POST /api/v1/users/{id}/subscription
func (h *SubscriptionHandlers) startSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.PathVarOrError(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		TierID        string  `json:"tier_id"`
		Platform      string  `json:"platform"`
		BillingCycle  string  `json:"billing_cycle"`
		PaymentMethod string  `json:"payment_method"`
		OfferCode     *string `json:"offer_code"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.TierID, "tier_id") {
		return
	}

	sub, err := h.svc.StartSubscription(r.Context(), subscriptions.StartRequest{
		UserID:        userID,
		Tier:          subscriptions.TierType(req.TierID),
		Platform:      req.Platform,
		BillingCycle:  subscriptions.BillingCycle(req.BillingCycle),
		PaymentMethod: req.PaymentMethod,
		OfferCode:     req.OfferCode,
	})
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}
	httputil.WriteCreated(w, subscriptions.ToSubscriptionDTO(sub))
}

// upgradeTier handles POST /api/v1/users/{id}/subscription/upgrade
func (h *SubscriptionHandlers) upgradeTier(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.UpgradeTier)
}

// downgradeTier handles POST /api/v1/users/{id}/subscription/downgrade
func (h *SubscriptionHandlers) downgradeTier(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.DowngradeTier)
}

// transition is the shared body of the upgrade and downgrade handlers.
// Ordering violations come back as 409 with the offending tier pair in
// the message; the stored record is untouched.
func (h *SubscriptionHandlers) transition(w http.ResponseWriter, r *http.Request, op func(context.Context, string, subscriptions.TierType) (*subscriptions.Subscription, error)) {
	userID, ok := httputil.PathVarOrError(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		TierID string `json:"tier_id"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.TierID, "tier_id") {
		return
	}

	tier := subscriptions.TierType(req.TierID)
	if !tier.Valid() {
		httputil.WriteValidationError(w, "unknown tier: "+req.TierID)
		return
	}

	sub, err := op(r.Context(), userID, tier)
	if subscriptions.IsTierOrder(err) {
		httputil.WriteConflict(w, err.Error())
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, subscriptions.ToSubscriptionDTO(sub))
}

// cancelSubscription handles POST /api/v1/users/{id}/subscription/cancel
func (h *SubscriptionHandlers) cancelSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.PathVarOrError(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		Immediate bool `json:"immediate"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	sub, err := h.svc.CancelSubscription(r.Context(), userID, req.Immediate)
	if subscriptions.IsNotFound(err) {
		httputil.WriteNotFoundError(w, "no subscription to cancel")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, subscriptions.ToSubscriptionDTO(sub))
}

// startTrial handles POST /api/v1/users/{id}/subscription/trial
func (h *SubscriptionHandlers) startTrial(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.PathVarOrError(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		TierID string `json:"tier_id"`
		Days   int    `json:"days"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.TierID, "tier_id") {
		return
	}

	sub, err := h.svc.StartTrial(r.Context(), userID, subscriptions.TierType(req.TierID), req.Days)
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}
	httputil.WriteCreated(w, subscriptions.ToSubscriptionDTO(sub))
}

// incrementUsage handles POST /api/v1/users/{id}/features/{feature}/increment
func (h *SubscriptionHandlers) incrementUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.PathVarOrError(w, r, "id")
	if !ok {
		return
	}
	feature, ok := httputil.PathVarOrError(w, r, "feature")
	if !ok {
		return
	}

	var req struct {
		Amount int `json:"amount"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	result, err := h.usage.IncrementUsage(r.Context(), userID, feature, req.Amount)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	middleware.WriteUsageHeaders(w, feature, result)
	if result.ReachedLimit {
		httputil.WriteJSON(w, http.StatusTooManyRequests, result)
		return
	}
	if !result.Available {
		httputil.WriteJSON(w, http.StatusPaymentRequired, result)
		return
	}

	h.trackFeatureUse(r.Context(), userID, feature, result)
	httputil.WriteSuccess(w, result)
}

// checkAccess handles GET /api/v1/users/{id}/features/{feature}/access
func (h *SubscriptionHandlers) checkAccess(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.PathVarOrError(w, r, "id")
	if !ok {
		return
	}
	feature, ok := httputil.PathVarOrError(w, r, "feature")
	if !ok {
		return
	}

	result, err := h.usage.CheckUsageLimit(r.Context(), userID, feature)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// summary handles GET /api/v1/users/{id}/summary
func (h *SubscriptionHandlers) summary(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.PathVarOrError(w, r, "id")
	if !ok {
		return
	}

	summary, err := h.svc.Summary(r.Context(), userID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, summary)
}

// trackFeatureUse fires the feature-used analytics event without
// blocking the response
func (h *SubscriptionHandlers) trackFeatureUse(ctx context.Context, userID, feature string, result *subscriptions.UsageResult) {
	if h.dispatcher == nil {
		return
	}
	props := map[string]any{
		"feature":   feature,
		"remaining": result.Remaining,
	}
	if sub, err := h.svc.GetSubscription(ctx, userID); err == nil {
		props["tier"] = string(sub.Tier)
	}
	async.SafeGoNoError(context.Background(), 5*time.Second, "feature usage analytics", func(ctx context.Context) {
		h.dispatcher.Track(ctx, userID, "ph_feature_used", props)
	})
}
