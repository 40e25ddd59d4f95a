package outcome

const postgresSchema = `
CREATE TABLE IF NOT EXISTS booking_sync_outcomes (
    booking_id      TEXT PRIMARY KEY,
    order_id        TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL,
    erp_order_id    BIGINT,
    erp_customer_id BIGINT,
    erp_product_id  BIGINT,
    error_kind      TEXT NOT NULL DEFAULT '',
    error_detail    TEXT,
    attempt_count   INTEGER NOT NULL DEFAULT 0,
    attempted_at    TIMESTAMPTZ NOT NULL,
    next_attempt_at TIMESTAMPTZ,
    completed_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_booking_sync_outcomes_retry
    ON booking_sync_outcomes (status, next_attempt_at);

CREATE TABLE IF NOT EXISTS sync_state (
    scope           TEXT PRIMARY KEY,
    watermark       TIMESTAMPTZ NOT NULL,
    last_success_at TIMESTAMPTZ,
    last_attempt_at TIMESTAMPTZ,
    last_error      TEXT
);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS booking_sync_outcomes (
    booking_id      TEXT PRIMARY KEY,
    order_id        TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL,
    erp_order_id    INTEGER,
    erp_customer_id INTEGER,
    erp_product_id  INTEGER,
    error_kind      TEXT NOT NULL DEFAULT '',
    error_detail    TEXT,
    attempt_count   INTEGER NOT NULL DEFAULT 0,
    attempted_at    TIMESTAMP NOT NULL,
    next_attempt_at TIMESTAMP,
    completed_at    TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_booking_sync_outcomes_retry
    ON booking_sync_outcomes (status, next_attempt_at);

CREATE TABLE IF NOT EXISTS sync_state (
    scope           TEXT PRIMARY KEY,
    watermark       TIMESTAMP NOT NULL,
    last_success_at TIMESTAMP,
    last_attempt_at TIMESTAMP,
    last_error      TEXT
);
`

const outcomeColumns = `booking_id, order_id, status, erp_order_id, erp_customer_id, erp_product_id,
    error_kind, error_detail, attempt_count, attempted_at, next_attempt_at, completed_at`

const selectOutcome = `SELECT ` + outcomeColumns + ` FROM booking_sync_outcomes WHERE booking_id = $1`

// claimOutcome inserts a pending row, or takes over an existing one when it
// failed (permanent rejections only with $4) or when a pending claim went
// stale before $5. Success rows never match, so they are never re-opened.
// No row comes back when the claim is refused.
const claimOutcome = `
INSERT INTO booking_sync_outcomes (booking_id, order_id, status, error_kind, attempt_count, attempted_at)
VALUES ($1, $2, 'pending', '', 1, $3)
ON CONFLICT (booking_id) DO UPDATE SET
    status          = 'pending',
    order_id        = CASE WHEN excluded.order_id <> '' THEN excluded.order_id ELSE booking_sync_outcomes.order_id END,
    error_kind      = '',
    error_detail    = NULL,
    next_attempt_at = NULL,
    attempt_count   = booking_sync_outcomes.attempt_count + 1,
    attempted_at    = excluded.attempted_at
WHERE (booking_sync_outcomes.status = 'failed' AND (booking_sync_outcomes.error_kind <> 'rejected' OR $4))
   OR (booking_sync_outcomes.status = 'pending' AND booking_sync_outcomes.attempted_at < $5)
RETURNING ` + outcomeColumns

// Both transitions only apply to the pending row the caller claimed.
const markSuccess = `
UPDATE booking_sync_outcomes SET
    status          = 'success',
    erp_order_id    = $2,
    erp_customer_id = $3,
    erp_product_id  = $4,
    error_kind      = '',
    error_detail    = NULL,
    next_attempt_at = NULL,
    completed_at    = $5
WHERE booking_id = $1 AND status = 'pending'`

const markFailed = `
UPDATE booking_sync_outcomes SET
    status          = 'failed',
    error_kind      = $2,
    error_detail    = $3,
    next_attempt_at = $4,
    completed_at    = $5
WHERE booking_id = $1 AND status = 'pending'`

const selectSynced = `SELECT booking_id FROM booking_sync_outcomes WHERE status = 'success' AND booking_id IN (%s)`

// Retry candidates are transient failures under the attempt cap whose
// backoff elapsed, plus pending claims abandoned before $4 by a worker that
// never recorded an outcome.
const selectRetryable = `SELECT ` + outcomeColumns + `
FROM booking_sync_outcomes
WHERE (status = 'failed'
       AND error_kind IN ('unavailable', 'internal')
       AND attempt_count < $1
       AND (next_attempt_at IS NULL OR next_attempt_at <= $2))
   OR (status = 'pending' AND attempted_at < $4)
ORDER BY next_attempt_at ASC, booking_id ASC
LIMIT $3`

const countRetryable = `SELECT COUNT(*) FROM booking_sync_outcomes
WHERE (status = 'failed' AND error_kind IN ('unavailable', 'internal') AND attempt_count < $1)
   OR (status = 'pending' AND attempted_at < $2)`

// markRejected gives up on a booking outside a claim, for instance when its
// order disappeared from the storefront. Only a forced sync re-opens it.
const markRejected = `
UPDATE booking_sync_outcomes SET
    status          = 'failed',
    error_kind      = 'rejected',
    error_detail    = $2,
    next_attempt_at = NULL,
    completed_at    = $3
WHERE booking_id = $1 AND status <> 'success'`

const selectStats = `SELECT status, COUNT(*) FROM booking_sync_outcomes GROUP BY status`

const selectWatermark = `SELECT scope, watermark, last_success_at, last_attempt_at, last_error FROM sync_state WHERE scope = $1`

const upsertWatermark = `
INSERT INTO sync_state (scope, watermark, last_success_at, last_attempt_at, last_error)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (scope) DO UPDATE SET
    watermark       = excluded.watermark,
    last_success_at = excluded.last_success_at,
    last_attempt_at = excluded.last_attempt_at,
    last_error      = excluded.last_error`
