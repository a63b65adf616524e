package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eduhire/agent/internal/credstore"
	"github.com/eduhire/agent/internal/events"
	"github.com/eduhire/agent/internal/obs"
	"github.com/eduhire/agent/internal/token"
	"golang.org/x/sync/singleflight"
)

// errSessionChanged marks a refresh whose result was discarded because the
// session was replaced (logout, new login) while it was in flight.
var errSessionChanged = errors.New("session changed during refresh")

// AuthenticatedClient wraps Client with bearer credentials from the credential
// store and a single refresh-and-retry on 401.
type AuthenticatedClient struct {
	client *Client
	store  *credstore.Store
	bus    *events.Bus
	logger *slog.Logger

	// refreshThreshold triggers a proactive refresh for tokens about to expire.
	refreshThreshold time.Duration
	now              func() time.Time

	refreshGroup singleflight.Group
	epoch        atomic.Uint64
	// sessionMu orders a refresh's store write against Invalidate.
	sessionMu sync.Mutex
}

// NewAuthenticatedClient creates a new authenticated API client
func NewAuthenticatedClient(client *Client, store *credstore.Store, bus *events.Bus) *AuthenticatedClient {
	if bus == nil {
		bus = events.NewBus()
	}
	return &AuthenticatedClient{
		client: client,
		store:  store,
		bus:    bus,
		logger: client.logger,
		now:    time.Now,
	}
}

// SetRefreshThreshold enables proactive refresh for tokens expiring within d
func (ac *AuthenticatedClient) SetRefreshThreshold(d time.Duration) {
	ac.refreshThreshold = d
}

// SetClock replaces the time source. Tests only.
func (ac *AuthenticatedClient) SetClock(now func() time.Time) {
	ac.now = now
}

// Events returns the bus signals are published on
func (ac *AuthenticatedClient) Events() *events.Bus {
	return ac.bus
}

// Invalidate discards the result of any refresh currently in flight, then runs
// clear if it is non-nil. A refresh already writing its tokens finishes first,
// so nothing it stores survives clear. Call it whenever the stored session is
// replaced or cleared.
func (ac *AuthenticatedClient) Invalidate(clear func()) {
	ac.sessionMu.Lock()
	defer ac.sessionMu.Unlock()
	ac.epoch.Add(1)
	if clear != nil {
		clear()
	}
}

// Do sends req with the stored bearer credential. A 401 triggers at most one
// refresh and one replay; a failed refresh clears the credentials and returns
// the original 401 as an *Error. Other statuses are returned to the caller.
func (ac *AuthenticatedClient) Do(req *http.Request) (*http.Response, error) {
	return ac.withSingleRetryOnAuthFailure(req)
}

func (ac *AuthenticatedClient) withSingleRetryOnAuthFailure(req *http.Request) (*http.Response, error) {
	retried := false
	for {
		used, err := ac.authorize(req)
		if err != nil {
			return nil, err
		}

		resp, err := ac.client.send(req)
		if err != nil {
			return nil, err
		}

		switch resp.StatusCode {
		case http.StatusUnauthorized:
			if retried {
				return resp, nil
			}
			retried = true

			body, _ := readLimitedResponse(resp.Body, MaxResponseSize)
			_ = resp.Body.Close()
			original := NormalizeError(resp.StatusCode, body, nil)

			if _, err := ac.refreshFrom(req.Context(), used); err != nil {
				ac.logger.Info("refresh after 401 failed", "path", req.URL.Path, "error", err)
				return nil, original
			}
			if err := rewind(req); err != nil {
				return nil, err
			}
			continue

		case http.StatusForbidden:
			ac.bus.Publish(events.Event{Kind: events.AccessDenied, Path: req.URL.Path})
		}

		return resp, nil
	}
}

// authorize attaches the stored access token and returns it. An expired token
// blocks the request.
func (ac *AuthenticatedClient) authorize(req *http.Request) (string, error) {
	access, ok := ac.store.AccessToken()
	if !ok {
		req.Header.Del("Authorization")
		return "", nil
	}

	now := ac.now()
	if !token.Usable(access, now) {
		if _, ok := ac.store.RefreshToken(); !ok {
			ac.bus.Publish(events.Event{Kind: events.AuthExpired, Path: req.URL.Path})
			return "", ErrAuthExpired
		}
		ac.bus.Publish(events.Event{Kind: events.TokenExpired, Path: req.URL.Path})
		return "", ErrTokenExpired
	}

	if ac.refreshThreshold > 0 && token.IsExpiringWithinAt(access, ac.refreshThreshold, now) {
		if _, ok := ac.store.RefreshToken(); ok {
			fresh, err := ac.refreshFrom(req.Context(), access)
			if err == nil {
				access = fresh
			} else {
				ac.logger.Debug("proactive refresh failed, using current token", "error", err)
			}
		}
	}

	req.Header.Set("Authorization", "Bearer "+access)
	return access, nil
}

func rewind(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody {
		return nil
	}
	if req.GetBody == nil {
		return errors.New("request body cannot be replayed")
	}
	body, err := req.GetBody()
	if err != nil {
		return fmt.Errorf("failed to reset request body: %w", err)
	}
	req.Body = body
	return nil
}

// RefreshSession forces a token refresh and returns the new access token.
// Concurrent callers share a single backend call.
func (ac *AuthenticatedClient) RefreshSession(ctx context.Context) (string, error) {
	return ac.refreshFrom(ctx, "")
}

// refreshFrom refreshes unless the stored token already differs from stale,
// which means another request refreshed first.
func (ac *AuthenticatedClient) refreshFrom(ctx context.Context, stale string) (string, error) {
	if current, ok := ac.replacedToken(stale); ok {
		return current, nil
	}

	ch := ac.refreshGroup.DoChan("refresh", func() (any, error) {
		// A flight that finished between the check above and DoChan already
		// stored a new token.
		if current, ok := ac.replacedToken(stale); ok {
			return current, nil
		}
		// Detached so one caller's cancellation doesn't fail every waiter.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ac.client.Timeout())
		defer cancel()
		return ac.doRefresh(rctx)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// replacedToken returns the stored token when it is usable and differs from stale.
func (ac *AuthenticatedClient) replacedToken(stale string) (string, bool) {
	if stale == "" {
		return "", false
	}
	current, ok := ac.store.AccessToken()
	if !ok || current == stale || !token.Usable(current, ac.now()) {
		return "", false
	}
	return current, true
}

func (ac *AuthenticatedClient) doRefresh(ctx context.Context) (string, error) {
	epoch := ac.epoch.Load()

	refreshToken, ok := ac.store.RefreshToken()
	if !ok {
		obs.ObserveRefresh("failure")
		if !ac.expireIfCurrent(epoch) {
			return "", errSessionChanged
		}
		return "", ErrAuthExpired
	}

	pair, err := ac.client.Refresh(ctx, refreshToken)
	if err != nil {
		obs.ObserveRefresh("failure")
		if !ac.expireIfCurrent(epoch) {
			return "", errSessionChanged
		}
		ac.logger.Warn("token refresh failed", "error", err)
		return "", fmt.Errorf("%w: %w", ErrAuthExpired, err)
	}

	ac.sessionMu.Lock()
	if ac.epoch.Load() != epoch {
		ac.sessionMu.Unlock()
		return "", errSessionChanged
	}
	err = ac.store.SaveTokens(pair.AccessToken, pair.RefreshToken)
	ac.sessionMu.Unlock()
	if err != nil {
		return "", fmt.Errorf("failed to store refreshed tokens: %w", err)
	}

	obs.ObserveRefresh("success")
	ac.bus.Publish(events.Event{Kind: events.TokensRefreshed, AccessToken: pair.AccessToken})
	return pair.AccessToken, nil
}

// expireIfCurrent expires the session unless it was replaced after epoch was
// read. It reports whether it did.
func (ac *AuthenticatedClient) expireIfCurrent(epoch uint64) bool {
	ac.sessionMu.Lock()
	if ac.epoch.Load() != epoch {
		ac.sessionMu.Unlock()
		return false
	}
	ac.store.ClearAll()
	ac.sessionMu.Unlock()
	ac.bus.Publish(events.Event{Kind: events.AuthExpired})
	return true
}

// do sends an authenticated JSON request and decodes the envelope into out.
func (ac *AuthenticatedClient) do(ctx context.Context, method, path string, in, out any) error {
	req, err := ac.client.newJSONRequest(ctx, method, path, in)
	if err != nil {
		return err
	}
	resp, err := ac.Do(req)
	if err != nil {
		var apiErr *Error
		if errors.As(err, &apiErr) || errors.Is(err, ErrTokenExpired) || errors.Is(err, ErrAuthExpired) {
			return err
		}
		return NormalizeError(0, nil, err)
	}
	return decodeEnvelope(resp, out)
}
