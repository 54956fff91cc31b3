package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Noodynamo/conceptus-veritas/pkg/observability"
	"github.com/Noodynamo/conceptus-veritas/pkg/subscriptions"
)

type stubService struct {
	subscriptions.Service
	getSubscription     func(ctx context.Context, userID string) (*subscriptions.Subscription, error)
	getSubscriptionByID func(ctx context.Context, id string) (*subscriptions.Subscription, error)
	listSubscriptions   func(ctx context.Context, limit, offset int) ([]*subscriptions.Subscription, error)
	startSubscription   func(ctx context.Context, req subscriptions.StartRequest) (*subscriptions.Subscription, error)
	startTrial          func(ctx context.Context, userID string, tier subscriptions.TierType, days int) (*subscriptions.Subscription, error)
	upgradeTier         func(ctx context.Context, userID string, tier subscriptions.TierType) (*subscriptions.Subscription, error)
	downgradeTier       func(ctx context.Context, userID string, tier subscriptions.TierType) (*subscriptions.Subscription, error)
	cancelSubscription  func(ctx context.Context, userID string, immediate bool) (*subscriptions.Subscription, error)
	summary             func(ctx context.Context, userID string) (*subscriptions.SubscriptionSummary, error)
}

func (s *stubService) GetSubscription(ctx context.Context, userID string) (*subscriptions.Subscription, error) {
	return s.getSubscription(ctx, userID)
}

func (s *stubService) GetSubscriptionByID(ctx context.Context, id string) (*subscriptions.Subscription, error) {
	return s.getSubscriptionByID(ctx, id)
}

func (s *stubService) ListSubscriptions(ctx context.Context, limit, offset int) ([]*subscriptions.Subscription, error) {
	return s.listSubscriptions(ctx, limit, offset)
}

func (s *stubService) StartSubscription(ctx context.Context, req subscriptions.StartRequest) (*subscriptions.Subscription, error) {
	return s.startSubscription(ctx, req)
}

func (s *stubService) StartTrial(ctx context.Context, userID string, tier subscriptions.TierType, days int) (*subscriptions.Subscription, error) {
	return s.startTrial(ctx, userID, tier, days)
}

func (s *stubService) UpgradeTier(ctx context.Context, userID string, tier subscriptions.TierType) (*subscriptions.Subscription, error) {
	return s.upgradeTier(ctx, userID, tier)
}

func (s *stubService) DowngradeTier(ctx context.Context, userID string, tier subscriptions.TierType) (*subscriptions.Subscription, error) {
	return s.downgradeTier(ctx, userID, tier)
}

func (s *stubService) CancelSubscription(ctx context.Context, userID string, immediate bool) (*subscriptions.Subscription, error) {
	return s.cancelSubscription(ctx, userID, immediate)
}

func (s *stubService) Summary(ctx context.Context, userID string) (*subscriptions.SubscriptionSummary, error) {
	return s.summary(ctx, userID)
}

type stubUsage struct {
	subscriptions.UsageTracker
	incrementUsage  func(ctx context.Context, userID, feature string, amount int) (*subscriptions.UsageResult, error)
	checkUsageLimit func(ctx context.Context, userID, feature string) (*subscriptions.UsageResult, error)
}

func (s *stubUsage) IncrementUsage(ctx context.Context, userID, feature string, amount int) (*subscriptions.UsageResult, error) {
	return s.incrementUsage(ctx, userID, feature, amount)
}

func (s *stubUsage) CheckUsageLimit(ctx context.Context, userID, feature string) (*subscriptions.UsageResult, error) {
	return s.checkUsageLimit(ctx, userID, feature)
}

func quietLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

func newSubscriptionRouter(svc subscriptions.Service, usage subscriptions.UsageTracker) *mux.Router {
	catalog := subscriptions.NewCatalog()
	handlers := NewSubscriptionHandlers(svc, usage, catalog, subscriptions.NewAccess(catalog), nil, quietLogger())
	router := mux.NewRouter()
	handlers.RegisterRoutes(router)
	return router
}

func doJSON(t *testing.T, router *mux.Router, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestListTiers(t *testing.T) {
	router := newSubscriptionRouter(nil, nil)
	rec := doJSON(t, router, http.MethodGet, "/api/v1/tiers", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(3), body["count"])

	tiers, ok := body["tiers"].([]any)
	require.True(t, ok)
	first, ok := tiers[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "free", first["id"])
}

func TestGetSubscription_ImplicitFree(t *testing.T) {
	svc := &stubService{
		getSubscription: func(_ context.Context, userID string) (*subscriptions.Subscription, error) {
			return &subscriptions.Subscription{
				UserID: userID,
				Tier:   subscriptions.TierFree,
				Status: subscriptions.StatusActive,
			}, nil
		},
	}
	router := newSubscriptionRouter(svc, nil)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/users/user-1/subscription", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "free", body["tier"])
	assert.Equal(t, "user-1", body["user_id"])
}

func TestGetSubscriptionByID_NotFound(t *testing.T) {
	svc := &stubService{
		getSubscriptionByID: func(_ context.Context, id string) (*subscriptions.Subscription, error) {
			return nil, &subscriptions.NotFoundError{ID: id}
		},
	}
	router := newSubscriptionRouter(svc, nil)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/subscriptions/sub-404", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "subscription not found")
}

func TestListSubscriptions(t *testing.T) {
	svc := &stubService{
		listSubscriptions: func(_ context.Context, limit, offset int) ([]*subscriptions.Subscription, error) {
			assert.Equal(t, 25, limit)
			assert.Equal(t, 50, offset)
			return []*subscriptions.Subscription{
				{ID: "sub-1", UserID: "user-1", Tier: subscriptions.TierPremium, Status: subscriptions.StatusActive},
				{ID: "sub-2", UserID: "user-2", Tier: subscriptions.TierPro, Status: subscriptions.StatusActive},
			}, nil
		},
	}
	router := newSubscriptionRouter(svc, nil)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/subscriptions?limit=25&offset=50", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decodeBody(t, rec)["count"])
}

func TestStartSubscription(t *testing.T) {
	svc := &stubService{
		startSubscription: func(_ context.Context, req subscriptions.StartRequest) (*subscriptions.Subscription, error) {
			assert.Equal(t, subscriptions.TierPremium, req.Tier)
			assert.Equal(t, subscriptions.CycleMonthly, req.BillingCycle)
			return &subscriptions.Subscription{
				ID:     "sub-1",
				UserID: req.UserID,
				Tier:   req.Tier,
				Status: subscriptions.StatusActive,
			}, nil
		},
	}
	router := newSubscriptionRouter(svc, nil)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/users/user-1/subscription", map[string]any{
		"tier_id":       "premium",
		"billing_cycle": "monthly",
		"platform":      "ios",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "premium", decodeBody(t, rec)["tier"])
}

func TestStartSubscription_MissingTier(t *testing.T) {
	router := newSubscriptionRouter(&stubService{}, nil)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/users/user-1/subscription", map[string]any{
		"platform": "ios",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "tier_id is required")
}

func TestUpgradeTier(t *testing.T) {
	svc := &stubService{
		upgradeTier: func(_ context.Context, userID string, tier subscriptions.TierType) (*subscriptions.Subscription, error) {
			return &subscriptions.Subscription{
				ID:     "sub-1",
				UserID: userID,
				Tier:   tier,
				Status: subscriptions.StatusActive,
			}, nil
		},
	}
	router := newSubscriptionRouter(svc, nil)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/users/user-1/subscription/upgrade", map[string]any{
		"tier_id": "pro",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pro", decodeBody(t, rec)["tier"])
}

func TestUpgradeTier_OrderViolation(t *testing.T) {
	svc := &stubService{
		upgradeTier: func(_ context.Context, _ string, _ subscriptions.TierType) (*subscriptions.Subscription, error) {
			return nil, &subscriptions.TierOrderError{
				Op:        "upgrade",
				Current:   subscriptions.TierPro,
				Requested: subscriptions.TierPremium,
			}
		},
	}
	router := newSubscriptionRouter(svc, nil)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/users/user-1/subscription/upgrade", map[string]any{
		"tier_id": "premium",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "cannot upgrade from pro to premium")
}

func TestUpgradeTier_UnknownTier(t *testing.T) {
	router := newSubscriptionRouter(&stubService{}, nil)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/users/user-1/subscription/upgrade", map[string]any{
		"tier_id": "platinum",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown tier: platinum")
}

func TestDowngradeTier_Deferred(t *testing.T) {
	pending := subscriptions.TierFree
	svc := &stubService{
		downgradeTier: func(_ context.Context, userID string, _ subscriptions.TierType) (*subscriptions.Subscription, error) {
			return &subscriptions.Subscription{
				ID:          "sub-1",
				UserID:      userID,
				Tier:        subscriptions.TierPremium,
				Status:      subscriptions.StatusActive,
				PendingTier: &pending,
			}, nil
		},
	}
	router := newSubscriptionRouter(svc, nil)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/users/user-1/subscription/downgrade", map[string]any{
		"tier_id": "free",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "premium", body["tier"])
	assert.Equal(t, "free", body["pending_tier"])
}

func TestCancelSubscription_NoRecord(t *testing.T) {
	svc := &stubService{
		cancelSubscription: func(_ context.Context, userID string, _ bool) (*subscriptions.Subscription, error) {
			return nil, &subscriptions.NotFoundError{ID: userID}
		},
	}
	router := newSubscriptionRouter(svc, nil)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/users/user-1/subscription/cancel", map[string]any{
		"immediate": true,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartTrial(t *testing.T) {
	svc := &stubService{
		startTrial: func(_ context.Context, userID string, tier subscriptions.TierType, days int) (*subscriptions.Subscription, error) {
			assert.Equal(t, 7, days)
			return &subscriptions.Subscription{
				ID:        "sub-1",
				UserID:    userID,
				Tier:      tier,
				Status:    subscriptions.StatusTrialing,
				IsInTrial: true,
			}, nil
		},
	}
	router := newSubscriptionRouter(svc, nil)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/users/user-1/subscription/trial", map[string]any{
		"tier_id": "premium",
		"days":    7,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "trialing", body["status"])
	assert.Equal(t, true, body["is_in_trial"])
}

func TestStartTrial_Rejected(t *testing.T) {
	svc := &stubService{
		startTrial: func(_ context.Context, _ string, _ subscriptions.TierType, _ int) (*subscriptions.Subscription, error) {
			return nil, errors.New("trials are only available for paid tiers")
		},
	}
	router := newSubscriptionRouter(svc, nil)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/users/user-1/subscription/trial", map[string]any{
		"tier_id": "free",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIncrementUsage(t *testing.T) {
	usage := &stubUsage{
		incrementUsage: func(_ context.Context, userID, feature string, amount int) (*subscriptions.UsageResult, error) {
			assert.Equal(t, "ask_questions", feature)
			assert.Equal(t, 1, amount)
			return &subscriptions.UsageResult{Available: true, Limit: 10, Remaining: 4}, nil
		},
	}
	svc := &stubService{
		getSubscription: func(_ context.Context, userID string) (*subscriptions.Subscription, error) {
			return &subscriptions.Subscription{UserID: userID, Tier: subscriptions.TierFree}, nil
		},
	}
	router := newSubscriptionRouter(svc, usage)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/users/user-1/features/ask_questions/increment", map[string]any{
		"amount": 1,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "4", rec.Header().Get("X-RateLimit-Remaining"))
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["available"])
}

func TestIncrementUsage_CapSpent(t *testing.T) {
	usage := &stubUsage{
		incrementUsage: func(_ context.Context, _, _ string, _ int) (*subscriptions.UsageResult, error) {
			return &subscriptions.UsageResult{
				Available:    false,
				Limit:        10,
				Remaining:    0,
				ReachedLimit: true,
				Suggestions:  []subscriptions.TierType{subscriptions.TierPremium},
			}, nil
		},
	}
	router := newSubscriptionRouter(&stubService{}, usage)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/users/user-1/features/ask_questions/increment", map[string]any{
		"amount": 1,
	})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "premium", rec.Header().Get("X-Upgrade-Required"))
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["available"])
	assert.Equal(t, true, body["reached_limit"])
}

func TestIncrementUsage_FeatureNotOnTier(t *testing.T) {
	usage := &stubUsage{
		incrementUsage: func(_ context.Context, _, _ string, _ int) (*subscriptions.UsageResult, error) {
			return &subscriptions.UsageResult{
				Available:   false,
				Suggestions: []subscriptions.TierType{subscriptions.TierPro},
			}, nil
		},
	}
	router := newSubscriptionRouter(&stubService{}, usage)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/users/user-1/features/custom_pathways/increment", map[string]any{
		"amount": 1,
	})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestCheckAccess(t *testing.T) {
	usage := &stubUsage{
		checkUsageLimit: func(_ context.Context, _, feature string) (*subscriptions.UsageResult, error) {
			assert.Equal(t, "daily_insights", feature)
			return &subscriptions.UsageResult{Available: true, Unlimited: true, Remaining: subscriptions.UnlimitedUsage}, nil
		},
	}
	router := newSubscriptionRouter(&stubService{}, usage)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/users/user-1/features/daily_insights/access", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["unlimited"])
}

func TestSummary(t *testing.T) {
	svc := &stubService{
		summary: func(_ context.Context, userID string) (*subscriptions.SubscriptionSummary, error) {
			return &subscriptions.SubscriptionSummary{
				UserID: userID,
				Tier:   subscriptions.TierPremium,
				Status: subscriptions.StatusActive,
				Features: []subscriptions.FeatureUsageSummary{
					{Feature: "ask_questions", Used: 3, Limit: 50, Remaining: 47},
				},
			}, nil
		},
	}
	router := newSubscriptionRouter(svc, nil)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/users/user-1/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "premium", body["tier"])
	features, ok := body["features"].([]any)
	require.True(t, ok)
	assert.Len(t, features, 1)
}
