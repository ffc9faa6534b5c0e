package pgstore

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS accounts (
  id BIGSERIAL PRIMARY KEY,
  owner_id BIGINT NOT NULL,
  nickname TEXT NOT NULL DEFAULT '',
  external_user_id BIGINT NOT NULL,
  site_id TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT 'active',
  access_token TEXT NOT NULL,
  refresh_token TEXT NOT NULL,
  expires_at TIMESTAMPTZ NOT NULL,
  connected_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (owner_id, external_user_id)
)`,
		`
CREATE TABLE IF NOT EXISTS drivers (
  id BIGSERIAL PRIMARY KEY,
  owner_id BIGINT NOT NULL,
  name TEXT NOT NULL,
  phone TEXT NOT NULL DEFAULT ''
)`,
		`
CREATE TABLE IF NOT EXISTS shipments (
  id BIGSERIAL PRIMARY KEY,
  shipment_id BIGINT NOT NULL UNIQUE,
  order_id TEXT NULL,
  pack_id TEXT NULL,
  tracking_number TEXT NULL,
  status TEXT NOT NULL,
  substatus TEXT NULL,
  account_id BIGINT NOT NULL,
  owner_id BIGINT NOT NULL,
  raw_payload JSONB NULL,
  last_update_at TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_owner_status ON shipments(owner_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_last_update_at ON shipments(last_update_at)`,
		`
CREATE TABLE IF NOT EXISTS assignments (
  id BIGSERIAL PRIMARY KEY,
  driver_id BIGINT NOT NULL REFERENCES drivers(id),
  shipment_id BIGINT NOT NULL,
  account_id BIGINT NOT NULL,
  owner_id BIGINT NOT NULL,
  assigned_at TIMESTAMPTZ NOT NULL,
  scanned_at TIMESTAMPTZ NULL,
  returned_at TIMESTAMPTZ NULL
)`,
		// Concurrency control for "at most one active holder": concurrent
		// claims race on this index and the loser gets 23505.
		`
CREATE UNIQUE INDEX IF NOT EXISTS uq_assignments_active
  ON assignments(shipment_id, owner_id)
  WHERE returned_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_assignments_owner_assigned_at ON assignments(owner_id, assigned_at)`,
		`
CREATE TABLE IF NOT EXISTS alerts (
  id BIGSERIAL PRIMARY KEY,
  shipment_id BIGINT NOT NULL,
  alert_type TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  notes TEXT NOT NULL DEFAULT '',
  driver_id BIGINT NULL,
  owner_id BIGINT NOT NULL,
  detected_at TIMESTAMPTZ NOT NULL,
  resolved_at TIMESTAMPTZ NULL
)`,
		// One pending alert per (shipment, type); the detector also checks
		// before insert, the index makes the second run a no-op under races.
		`
CREATE UNIQUE INDEX IF NOT EXISTS uq_alerts_pending
  ON alerts(shipment_id, alert_type)
  WHERE status = 'pending'`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_owner_status ON alerts(owner_id, status)`,
		`
CREATE TABLE IF NOT EXISTS scan_log (
  id BIGSERIAL PRIMARY KEY,
  driver_id BIGINT NOT NULL,
  shipment_id BIGINT NULL,
  scanned_code TEXT NOT NULL,
  resolved_from TEXT NOT NULL DEFAULT '',
  outcome TEXT NOT NULL DEFAULT '',
  owner_id BIGINT NOT NULL,
  scanned_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_scan_log_owner_scanned_at ON scan_log(owner_id, scanned_at DESC)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
