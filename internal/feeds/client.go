// Package feeds is the HTTP client for the game-data and odds feed.
package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/jonathan/pick-agent/internal/errors"
	"github.com/jonathan/pick-agent/internal/logger"
	"github.com/jonathan/pick-agent/internal/types"
)

const (
	defaultTimeout    = 20 * time.Second
	defaultRatePerSec = 5
	defaultBurst      = 5

	maxRetries    = 3
	baseRetryWait = 250 * time.Millisecond

	// consecutive failures before the breaker opens
	breakerTrip    = 5
	breakerTimeout = 30 * time.Second
)

// Config configures a Client.
type Config struct {
	BaseURL    string
	APIKey     string
	RatePerSec float64
	Burst      int
	Timeout    time.Duration
}

// Client calls the feed with rate limiting, retries and a circuit breaker.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	// retryWait is the base backoff; tests shorten it.
	retryWait time.Duration
}

// NewClient creates a Client. Zero values in cfg fall back to defaults.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ratePerSec := cfg.RatePerSec
	if ratePerSec <= 0 {
		ratePerSec = defaultRatePerSec
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}

	return &Client{
		http:      &http.Client{Timeout: timeout},
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		limiter:   rate.NewLimiter(rate.Limit(ratePerSec), burst),
		breaker:   newBreaker("feeds"),
		retryWait: baseRetryWait,
	}
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTrip
		},
		// A missing resource is an answer, not an outage.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.IsNotFoundError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Logger.Warnw("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

type gamesResponse struct {
	Games []types.Game `json:"games"`
}

type statsResponse struct {
	GameID string             `json:"game_id"`
	Kind   string             `json:"kind"`
	Inputs map[string]float64 `json:"inputs"`
}

// ListGames returns the category's games starting in [from, to], ordered by
// start time.
func (c *Client) ListGames(ctx context.Context, category string, from, to time.Time) ([]types.Game, error) {
	q := url.Values{}
	q.Set("category", category)
	q.Set("from", from.UTC().Format(time.RFC3339))
	q.Set("to", to.UTC().Format(time.RFC3339))

	var out gamesResponse
	if err := c.get(ctx, "/v1/games?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	games := out.Games[:0]
	for _, g := range out.Games {
		if g.StartTime.Before(from) || g.StartTime.After(to) {
			continue
		}
		if g.Category == "" {
			g.Category = category
		}
		games = append(games, g)
	}
	sortByStart(games)
	return games, nil
}

// GetStats returns the named statistical inputs for a game and bet kind.
func (c *Client) GetStats(ctx context.Context, gameID, kind string) (map[string]float64, error) {
	var out statsResponse
	path := fmt.Sprintf("/v1/games/%s/stats?kind=%s", url.PathEscape(gameID), url.QueryEscape(kind))
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	if out.Inputs == nil {
		out.Inputs = map[string]float64{}
	}
	return out.Inputs, nil
}

// GetOdds returns the current market for a game and bet kind.
func (c *Client) GetOdds(ctx context.Context, gameID, kind string) (*types.MarketSnapshot, error) {
	var out types.MarketSnapshot
	path := fmt.Sprintf("/v1/games/%s/odds?kind=%s", url.PathEscape(gameID), url.QueryEscape(kind))
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	if out.GameID == "" {
		out.GameID = gameID
	}
	if out.Kind == "" {
		out.Kind = kind
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.doWithRetry(ctx, path, out)
	})
	if err == nil {
		return nil
	}
	if errors.IsNotFoundError(err) {
		return err
	}
	return errors.WrapUpstream(err, "feeds GET "+strings.SplitN(path, "?", 2)[0])
}

// doWithRetry retries transport errors, 429 and 5xx with exponential backoff
// and jitter.
func (c *Client) doWithRetry(ctx context.Context, path string, out any) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, attempt-1); err != nil {
				return err
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			resp.Body.Close()
			lastErr = fmt.Errorf("server returned %d", resp.StatusCode)
			logger.Logger.Warnw("feed request failed, retrying", "path", path, "status", resp.StatusCode, "attempt", attempt+1)
			continue
		case resp.StatusCode == http.StatusNotFound:
			resp.Body.Close()
			return errors.WrapNotFound("feeds: " + path)
		case resp.StatusCode >= 400:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			resp.Body.Close()
			return fmt.Errorf("client error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("request failed after %d retries: %w", maxRetries, lastErr)
}

func (c *Client) sleep(ctx context.Context, attempt int) error {
	wait := time.Duration(math.Pow(2, float64(attempt))) * c.retryWait
	jitter := time.Duration(rand.Int63n(int64(c.retryWait)/2 + 1))
	timer := time.NewTimer(wait + jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func sortByStart(games []types.Game) {
	sort.SliceStable(games, func(i, j int) bool {
		return games[i].StartTime.Before(games[j].StartTime)
	})
}
