// Package rate resolves the USD display exchange rate through a fallback
// chain: live primary provider, live secondary provider, last persisted
// rate, hardcoded constant. Resolution never fails; the caller always
// gets a usable rate.
package rate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"condominio/internal/cache"
	"condominio/internal/core"

	"github.com/go-resty/resty/v2"
)

// DefaultRate is the terminal fallback used when no provider answers and
// nothing was ever persisted.
const DefaultRate = 36.0

const cacheKey = "usd"

// Store persists fetched rates so restarts survive provider outages.
type Store interface {
	SaveRate(ctx context.Context, rate float64, source string) error
	LastRate(ctx context.Context) (core.Rate, error)
}

type providerResponse struct {
	Rate float64 `json:"rate"`
}

// Resolver fetches and caches the current display rate.
type Resolver struct {
	client       *resty.Client
	primaryURL   string
	secondaryURL string
	store        Store
	cache        *cache.LRUCache[core.Rate]
}

// NewResolver builds a resolver with the given provider endpoints. The
// timeout bounds each provider call; cacheTTL bounds how long a resolved
// rate is served without re-fetching.
func NewResolver(primaryURL, secondaryURL string, timeout, cacheTTL time.Duration, store Store) *Resolver {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &Resolver{
		client:       client,
		primaryURL:   primaryURL,
		secondaryURL: secondaryURL,
		store:        store,
		cache:        cache.NewLRUCache[core.Rate](1, cacheTTL),
	}
}

// CurrentRate resolves the display rate. Live fetches are persisted and
// cached; when both providers fail the last persisted rate is served,
// and the hardcoded constant closes the chain. Never returns an error.
func (r *Resolver) CurrentRate(ctx context.Context) core.Rate {
	if cached, ok := r.cache.Get(cacheKey); ok {
		return cached
	}

	for _, p := range []struct {
		url    string
		source string
	}{
		{r.primaryURL, "primary"},
		{r.secondaryURL, "secondary"},
	} {
		if p.url == "" {
			continue
		}
		fetched, err := r.fetch(ctx, p.url)
		if err != nil {
			slog.WarnContext(ctx, "Rate provider failed",
				"source", p.source,
				"error", err)
			continue
		}
		live := core.Rate{
			Rate:      fetched,
			Source:    p.source,
			IsLive:    true,
			FetchedAt: time.Now().UTC(),
		}
		if r.store != nil {
			if err := r.store.SaveRate(ctx, live.Rate, live.Source); err != nil {
				slog.WarnContext(ctx, "Failed to persist rate", "error", err)
			}
		}
		r.cache.Set(cacheKey, live)
		return live
	}

	if r.store != nil {
		persisted, err := r.store.LastRate(ctx)
		if err == nil && persisted.Rate > 0 {
			stale := core.Rate{
				Rate:      persisted.Rate,
				Source:    "persisted",
				IsLive:    false,
				FetchedAt: persisted.FetchedAt,
			}
			r.cache.Set(cacheKey, stale)
			return stale
		}
	}

	slog.WarnContext(ctx, "All rate providers unavailable, using default", "rate", DefaultRate)
	return core.Rate{Rate: DefaultRate, Source: "default", IsLive: false, FetchedAt: time.Now().UTC()}
}

func (r *Resolver) fetch(ctx context.Context, url string) (float64, error) {
	var body providerResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetResult(&body).
		Get(url)
	if err != nil {
		return 0, err
	}
	if resp.IsError() {
		return 0, &providerError{status: resp.StatusCode()}
	}
	if body.Rate <= 0 {
		return 0, &providerError{status: resp.StatusCode(), invalid: true}
	}
	return body.Rate, nil
}

type providerError struct {
	status  int
	invalid bool
}

func (e *providerError) Error() string {
	if e.invalid {
		return "provider returned a non-positive rate"
	}
	return fmt.Sprintf("provider returned status %d", e.status)
}
