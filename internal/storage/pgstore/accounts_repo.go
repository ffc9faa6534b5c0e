package pgstore

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/routeo/packwatch/internal/models"
)

const accountColumns = `
  id, owner_id, nickname, external_user_id, site_id, status,
  access_token, refresh_token, expires_at, connected_at, updated_at`

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	if err := row.Scan(
		&a.ID, &a.OwnerID, &a.Nickname, &a.ExternalUserID, &a.SiteID, &a.Status,
		&a.AccessToken, &a.RefreshToken, &a.ExpiresAt, &a.ConnectedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Storage) CreateAccount(ctx context.Context, a *models.Account) (*models.Account, error) {
	now := time.Now().UTC()
	status := a.Status
	if status == "" {
		status = models.AccountStatusActive
	}
	row := s.db.QueryRow(ctx, `
INSERT INTO accounts (
  owner_id, nickname, external_user_id, site_id, status,
  access_token, refresh_token, expires_at, connected_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
RETURNING`+accountColumns,
		a.OwnerID, a.Nickname, a.ExternalUserID, a.SiteID, status,
		a.AccessToken, a.RefreshToken, a.ExpiresAt.UTC(), now)
	out, err := scanAccount(row)
	return out, errors.Wrap(err, "insert account")
}

func (s *Storage) GetAccount(ctx context.Context, ownerID, accountID int64) (*models.Account, error) {
	row := s.db.QueryRow(ctx, `
SELECT`+accountColumns+`
FROM accounts
WHERE id = $1 AND owner_id = $2
`, accountID, ownerID)
	a, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return a, errors.Wrap(err, "select account")
}

func (s *Storage) GetAccountByExternalUserID(ctx context.Context, externalUserID int64) (*models.Account, error) {
	row := s.db.QueryRow(ctx, `
SELECT`+accountColumns+`
FROM accounts
WHERE external_user_id = $1
ORDER BY connected_at DESC
LIMIT 1
`, externalUserID)
	a, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return a, errors.Wrap(err, "select account by external user")
}

// ListAccounts returns an owner's connected accounts, most recently
// connected first. That is the stable probe order for the resolver.
func (s *Storage) ListAccounts(ctx context.Context, ownerID int64) ([]*models.Account, error) {
	rows, err := s.db.Query(ctx, `
SELECT`+accountColumns+`
FROM accounts
WHERE owner_id = $1
ORDER BY connected_at DESC, id DESC
`, ownerID)
	if err != nil {
		return nil, errors.Wrap(err, "select accounts")
	}
	defer rows.Close()

	var out []*models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan account")
		}
		out = append(out, a)
	}
	return out, errors.Wrap(rows.Err(), "rows")
}

func (s *Storage) ListActiveAccounts(ctx context.Context) ([]*models.Account, error) {
	rows, err := s.db.Query(ctx, `
SELECT`+accountColumns+`
FROM accounts
WHERE status = $1
ORDER BY owner_id, connected_at DESC
`, models.AccountStatusActive)
	if err != nil {
		return nil, errors.Wrap(err, "select active accounts")
	}
	defer rows.Close()

	var out []*models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan account")
		}
		out = append(out, a)
	}
	return out, errors.Wrap(rows.Err(), "rows")
}

// UpdateTokens persists a refreshed token pair atomically, so expires_at
// can never drift from the access token it belongs to.
func (s *Storage) UpdateTokens(ctx context.Context, accountID int64, accessToken, refreshToken string, expiresAt time.Time) error {
	_, err := s.db.Exec(ctx, `
UPDATE accounts
SET
  access_token = $2,
  refresh_token = $3,
  expires_at = $4,
  status = $5,
  updated_at = now()
WHERE id = $1
`, accountID, accessToken, refreshToken, expiresAt.UTC(), models.AccountStatusActive)
	return errors.Wrap(err, "update tokens")
}

func (s *Storage) MarkNeedsReconnect(ctx context.Context, accountID int64) error {
	_, err := s.db.Exec(ctx, `
UPDATE accounts SET status = $2, updated_at = now() WHERE id = $1
`, accountID, models.AccountStatusNeedsReconnect)
	return errors.Wrap(err, "mark needs reconnect")
}
