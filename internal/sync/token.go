package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/tasksync/internal/calendar"
	"github.com/tonimelisma/tasksync/internal/store"
)

// DefaultSafetyMargin is how long before expiry a token is refreshed.
const DefaultSafetyMargin = 60 * time.Second

// refreshTimeout bounds one refresh exchange. The exchange runs detached
// from the caller so one waiter giving up does not fail the others.
const refreshTimeout = 30 * time.Second

// cachedCredential is a credential plus whether its latest refresh still
// has to reach the store.
type cachedCredential struct {
	cred    store.Credential
	unsaved bool
}

// TokenManager hands out valid access tokens per user. At most one refresh
// per user is in flight; concurrent callers share its result.
type TokenManager struct {
	creds     CredentialStore
	refresher Refresher
	margin    time.Duration
	logger    *slog.Logger
	nowFunc   func() time.Time

	mu    stdsync.Mutex
	cache map[string]*cachedCredential

	group singleflight.Group
}

// NewTokenManager creates a TokenManager. A zero margin uses
// DefaultSafetyMargin.
func NewTokenManager(creds CredentialStore, refresher Refresher, margin time.Duration, logger *slog.Logger) *TokenManager {
	if margin <= 0 {
		margin = DefaultSafetyMargin
	}

	return &TokenManager{
		creds:     creds,
		refresher: refresher,
		margin:    margin,
		logger:    logger,
		nowFunc:   time.Now,
		cache:     make(map[string]*cachedCredential),
	}
}

// fresh reports whether c can be used without refreshing. A zero expiry
// means the provider did not say, and the token is used until rejected.
func (tm *TokenManager) fresh(c *store.Credential) bool {
	if c.AccessToken == "" {
		return false
	}

	if c.Expiry.IsZero() {
		return true
	}

	return c.Expiry.After(tm.nowFunc().Add(tm.margin))
}

// Token returns a credential whose access token is valid for at least the
// safety margin. A missing or revoked grant returns ErrAuthExpired; other
// refresh failures return ErrTransient.
func (tm *TokenManager) Token(ctx context.Context, userID string) (store.Credential, error) {
	tm.mu.Lock()
	entry, ok := tm.cache[userID]

	if ok && tm.fresh(&entry.cred) {
		cred := entry.cred
		unsaved := entry.unsaved
		tm.mu.Unlock()

		if unsaved {
			tm.persist(ctx, userID, &cred)
		}

		return cred, nil
	}
	tm.mu.Unlock()

	ch := tm.group.DoChan(userID, func() (any, error) {
		return tm.load(context.WithoutCancel(ctx), userID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return store.Credential{}, res.Err
		}

		cred, _ := res.Val.(store.Credential)

		return cred, nil
	case <-ctx.Done():
		return store.Credential{}, fmt.Errorf("sync: waiting for token: %w", ctx.Err())
	}
}

// load reads the stored credential and refreshes it when stale. Runs at
// most once per user at a time.
func (tm *TokenManager) load(ctx context.Context, userID string) (store.Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	tm.mu.Lock()
	entry, ok := tm.cache[userID]
	tm.mu.Unlock()

	var cred store.Credential

	if ok {
		cred = entry.cred
	} else {
		stored, err := tm.creds.Credential(ctx, userID)
		if errors.Is(err, store.ErrNotFound) {
			return store.Credential{}, fmt.Errorf("sync: user %s has no calendar connected: %w", userID, ErrAuthExpired)
		}

		if err != nil {
			return store.Credential{}, classify("loading credential", err)
		}

		cred = *stored

		if tm.fresh(&cred) {
			tm.put(userID, cred, false)
			return cred, nil
		}
	}

	if tm.fresh(&cred) {
		return cred, nil
	}

	tok, err := tm.refresher.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		if errors.Is(err, calendar.ErrRevoked) {
			tm.logger.Warn("calendar grant revoked", slog.String("user", userID))
			return store.Credential{}, fmt.Errorf("sync: refreshing token: %w: %w", ErrAuthExpired, err)
		}

		return store.Credential{}, fmt.Errorf("sync: refreshing token: %w: %w", ErrTransient, err)
	}

	cred.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		cred.RefreshToken = tok.RefreshToken
	}

	cred.Expiry = tok.Expiry
	tm.put(userID, cred, true)
	tm.persist(ctx, userID, &cred)

	tm.logger.Info("access token refreshed",
		slog.String("user", userID),
		slog.Time("expiry", cred.Expiry),
	)

	return cred, nil
}

// persist writes a refreshed grant to the store. A failure keeps the entry
// marked unsaved and the next Token call tries again; the access token in
// hand stays usable meanwhile.
func (tm *TokenManager) persist(ctx context.Context, userID string, cred *store.Credential) {
	if err := tm.creds.SaveTokens(ctx, userID, cred.AccessToken, cred.RefreshToken, cred.Expiry); err != nil {
		tm.logger.Warn("could not persist refreshed token, will retry",
			slog.String("user", userID),
			slog.String("error", err.Error()),
		)

		return
	}

	tm.mu.Lock()
	if entry, ok := tm.cache[userID]; ok && entry.cred.AccessToken == cred.AccessToken {
		entry.unsaved = false
	}
	tm.mu.Unlock()
}

func (tm *TokenManager) put(userID string, cred store.Credential, unsaved bool) {
	tm.mu.Lock()
	tm.cache[userID] = &cachedCredential{cred: cred, unsaved: unsaved}
	tm.mu.Unlock()
}

// Invalidate forces the next Token call for userID to refresh. Used after
// the remote rejects an access token the cache still considered valid.
func (tm *TokenManager) Invalidate(userID string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if entry, ok := tm.cache[userID]; ok {
		entry.cred.AccessToken = ""
	}
}

// Connect stores a newly granted credential and primes the cache with it.
func (tm *TokenManager) Connect(ctx context.Context, cred *store.Credential) error {
	if cred.UserID == "" || cred.CalendarID == "" {
		return errors.New("sync: connect needs a user and a calendar")
	}

	if err := tm.creds.Connect(ctx, cred); err != nil {
		return classify("connecting calendar", err)
	}

	tm.put(cred.UserID, *cred, false)

	tm.logger.Info("calendar connected",
		slog.String("user", cred.UserID),
		slog.String("calendar", cred.CalendarID),
	)

	return nil
}

// Disconnect removes the user's grant and sync bookkeeping.
func (tm *TokenManager) Disconnect(ctx context.Context, userID string) error {
	if err := tm.creds.Disconnect(ctx, userID); err != nil {
		return classify("disconnecting calendar", err)
	}

	tm.mu.Lock()
	delete(tm.cache, userID)
	tm.mu.Unlock()

	tm.logger.Info("calendar disconnected", slog.String("user", userID))

	return nil
}
