package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Noodynamo/conceptus-veritas/pkg/httputil"
	"github.com/Noodynamo/conceptus-veritas/pkg/observability"
	"github.com/Noodynamo/conceptus-veritas/pkg/subscriptions"
)

// Quota enforces tier and usage-limit gates on feature routes.
//
// Ordering requirement: Auth must run first so the user ID is on the
// context. Without a user ID the gate denies the request rather than
// silently skipping the check.
type Quota struct {
	svc     subscriptions.Service
	usage   subscriptions.UsageTracker
	access  *subscriptions.Access
	metrics *observability.Metrics
	logger  *observability.Logger
}

// NewQuota creates the quota middleware
func NewQuota(svc subscriptions.Service, usage subscriptions.UsageTracker, access *subscriptions.Access, metrics *observability.Metrics, logger *observability.Logger) *Quota {
	return &Quota{
		svc:     svc,
		usage:   usage,
		access:  access,
		metrics: metrics,
		logger:  logger,
	}
}

// RequireFeature gates a route on a boolean feature flag. Users whose
// tier does not grant the feature get 402 with the current and required
// tiers in headers so clients can render the right upsell.
func (q *Quota) RequireFeature(feature string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := UserID(r)
			if userID == "" {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			sub, err := q.svc.GetSubscription(r.Context(), userID)
			if err != nil {
				q.logger.WithError(err).Warn("failed to resolve tier for feature gate")
				httputil.WriteInternalError(w, err)
				return
			}

			if !q.access.HasFeatureAccess(sub.Tier, feature) {
				w.Header().Set("X-Current-Tier", string(sub.Tier))
				if required, ok := q.access.MinimumTierFor(feature); ok {
					w.Header().Set("X-Required-Tier", string(required))
				}
				q.metrics.QuotaDenialsTotal.WithLabelValues(feature, string(sub.Tier)).Inc()
				httputil.WritePaymentRequired(w, fmt.Sprintf("feature %s requires a higher tier", feature))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// EnforceUsageLimit gates a route on the feature's daily cap, consuming
// one use when the request is allowed. Spent caps get 429 with the
// standard rate-limit headers plus the upgrade suggestion.
func (q *Quota) EnforceUsageLimit(feature string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := UserID(r)
			if userID == "" {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			result, err := q.usage.CheckAndTrackFeatureUsage(r.Context(), userID, feature)
			if err != nil {
				q.logger.WithError(err).Warn("usage limit check failed")
				httputil.WriteInternalError(w, err)
				return
			}

			WriteUsageHeaders(w, feature, result)

			if !result.Available {
				sub, subErr := q.svc.GetSubscription(r.Context(), userID)
				tier := subscriptions.TierFree
				if subErr == nil {
					tier = sub.Tier
				}
				q.metrics.QuotaDenialsTotal.WithLabelValues(feature, string(tier)).Inc()
				if result.ReachedLimit {
					httputil.WriteTooManyRequests(w, fmt.Sprintf("daily limit for %s reached", feature))
					return
				}
				// The tier never had the feature: a quota response would
				// mislead clients into waiting for the daily reset
				w.Header().Set("X-Current-Tier", string(tier))
				if required, ok := q.access.MinimumTierFor(feature); ok {
					w.Header().Set("X-Required-Tier", string(required))
				}
				httputil.WritePaymentRequired(w, fmt.Sprintf("feature %s requires a higher tier", feature))
				return
			}

			q.metrics.UsageIncrementsTotal.WithLabelValues(feature).Inc()
			next.ServeHTTP(w, r)
		})
	}
}

// WriteUsageHeaders writes the rate-limit header set from a usage check
// result. Shared by the middleware and the increment handler so every
// limit response looks the same to clients.
func WriteUsageHeaders(w http.ResponseWriter, feature string, result *subscriptions.UsageResult) {
	if result.Unlimited {
		return
	}

	if result.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	}
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(nextUTCMidnight().Unix(), 10))
	if result.ReachedLimit {
		if len(result.Suggestions) > 0 {
			tiers := make([]string, len(result.Suggestions))
			for i, t := range result.Suggestions {
				tiers[i] = string(t)
			}
			w.Header().Set("X-Upgrade-Required", strings.Join(tiers, ","))
		}
	}
}

func nextUTCMidnight() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
