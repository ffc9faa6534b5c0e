package tokens

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/routeo/packwatch/internal/integrations/market"
	"github.com/routeo/packwatch/internal/models"
)

// ErrNeedsReconnect means the account's refresh token is dead and an
// operator has to re-authorize the marketplace connection. Terminal:
// callers must not retry, and batch jobs skip the whole account.
var ErrNeedsReconnect = errors.New("tokens: account needs manual reconnect")

// refreshMargin is how close to expiry a token may get before it is
// refreshed proactively.
const refreshMargin = 5 * time.Minute

type AccountStore interface {
	GetAccount(ctx context.Context, ownerID, accountID int64) (*models.Account, error)
	UpdateTokens(ctx context.Context, accountID int64, accessToken, refreshToken string, expiresAt time.Time) error
	MarkNeedsReconnect(ctx context.Context, accountID int64) error
}

type Manager struct {
	store     AccountStore
	refresher market.Refresher
	margin    time.Duration
	now       func() time.Time
}

func NewManager(store AccountStore, refresher market.Refresher) *Manager {
	return &Manager{
		store:     store,
		refresher: refresher,
		margin:    refreshMargin,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) WithMargin(margin time.Duration) *Manager {
	if margin > 0 {
		m.margin = margin
	}
	return m
}

func (m *Manager) WithClock(now func() time.Time) *Manager {
	if now != nil {
		m.now = now
	}
	return m
}

// ValidAccount returns the account with a non-expired access token,
// refreshing and persisting a new token pair when the stored one is
// within the safety margin of expiry.
func (m *Manager) ValidAccount(ctx context.Context, ownerID, accountID int64) (*models.Account, error) {
	acc, err := m.store.GetAccount(ctx, ownerID, accountID)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, errors.Errorf("tokens: account %d not found for owner %d", accountID, ownerID)
	}
	if acc.Status == models.AccountStatusNeedsReconnect {
		return nil, errors.Wrapf(ErrNeedsReconnect, "account %d", acc.ID)
	}

	if acc.ExpiresAt.After(m.now().Add(m.margin)) {
		return acc, nil
	}

	ts, err := m.refresher.RefreshToken(ctx, acc.RefreshToken)
	if err != nil {
		if errors.Is(err, market.ErrInvalidRefreshToken) {
			if merr := m.store.MarkNeedsReconnect(ctx, acc.ID); merr != nil {
				slog.Error("mark needs reconnect", "account_id", acc.ID, "error", merr.Error())
			}
			return nil, errors.Wrapf(ErrNeedsReconnect, "account %d: %v", acc.ID, err)
		}
		// Network/5xx: the stored credential is still good, let the
		// caller's retry policy decide.
		return nil, errors.Wrapf(err, "refresh token for account %d", acc.ID)
	}

	newRefresh := ts.RefreshToken
	if newRefresh == "" {
		newRefresh = acc.RefreshToken
	}
	if err := m.store.UpdateTokens(ctx, acc.ID, ts.AccessToken, newRefresh, ts.ExpiresAt); err != nil {
		return nil, errors.Wrap(err, "persist refreshed tokens")
	}

	acc.AccessToken = ts.AccessToken
	acc.RefreshToken = newRefresh
	acc.ExpiresAt = ts.ExpiresAt
	acc.Status = models.AccountStatusActive
	return acc, nil
}

// AccessToken implements market.TokenSource.
func (m *Manager) AccessToken(ctx context.Context, ownerID, accountID int64) (string, error) {
	acc, err := m.ValidAccount(ctx, ownerID, accountID)
	if err != nil {
		return "", err
	}
	return acc.AccessToken, nil
}
