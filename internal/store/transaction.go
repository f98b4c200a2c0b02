package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/rrelayer/rrelayer-go/internal/apperrors"
	"github.com/rrelayer/rrelayer-go/internal/apptypes"
)

const timeFormat = time.RFC3339Nano

// InsertTransaction persists a freshly-queued transaction and its first
// audit-log row in one DB transaction, so a crash between the two can
// never happen (spec §7's audit-log-totality invariant).
func (s *Store) InsertTransaction(ctx context.Context, tx *apptypes.Transaction) error {
	return s.withTx(ctx, func(dbtx *sql.Tx) error {
		if err := insertTransactionRow(ctx, dbtx, tx); err != nil {
			return err
		}
		return appendAuditRow(ctx, dbtx, tx.ID, tx.Status, "queued")
	})
}

func insertTransactionRow(ctx context.Context, dbtx *sql.Tx, tx *apptypes.Transaction) error {
	_, err := dbtx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, relayer_id, chain_id, sender, to_address, value, data, nonce, nonce_set,
			status, speed, gas_is_legacy, gas_price, max_priority, max_fee, blob_gas_price, gas_limit,
			known_tx_hash, block_hash, block_number,
			queued_at, sent_at, mined_at, confirmed_at, expires_at, expired_at, failed_at,
			failed_reason, is_noop, external_id
		) VALUES (?,?,?,?,?,?,?,?,?, ?,?,?,?,?,?,?,?, ?,?,?, ?,?,?,?,?,?,?, ?,?,?)`,
		tx.ID.String(), tx.RelayerID.String(), tx.ChainID, tx.Sender.Hex(), tx.To.Hex(),
		bigString(tx.Value), tx.Data, tx.Nonce, boolToInt(tx.NonceSet),
		string(tx.Status), string(tx.Speed), boolToInt(tx.SentGasPrice.IsLegacy),
		bigToString(tx.SentGasPrice.GasPrice), bigToString(tx.SentGasPrice.MaxPriority),
		bigToString(tx.SentGasPrice.MaxFee), bigToString(tx.SentGasPrice.BlobGasPrice), tx.GasLimit,
		nullableHash(tx.KnownTxHash), nullableHash(tx.BlockHash), tx.BlockNumber,
		nullableTime(tx.QueuedAt), nullableTime(tx.SentAt), nullableTime(tx.MinedAt),
		nullableTime(tx.ConfirmedAt), nullableTime(tx.ExpiresAt), nullableTime(tx.ExpiredAt), nullableTime(tx.FailedAt),
		tx.FailedReason, boolToInt(tx.IsNoop), tx.ExternalID,
	)
	if err != nil {
		return fmt.Errorf("store: insert transaction: %w", err)
	}
	return nil
}

// UpdateTransaction overwrites every mutable field of an existing
// transaction row and appends one audit-log entry, both inside a single
// DB transaction (spec §7). detail is a short human-readable note for the
// audit trail (e.g. "broadcast", "gas bumped", "confirmed at block N").
func (s *Store) UpdateTransaction(ctx context.Context, tx *apptypes.Transaction, detail string) error {
	return s.withTx(ctx, func(dbtx *sql.Tx) error {
		res, err := dbtx.ExecContext(ctx, `
			UPDATE transactions SET
				nonce = ?, nonce_set = ?, status = ?, speed = ?,
				gas_is_legacy = ?, gas_price = ?, max_priority = ?, max_fee = ?, blob_gas_price = ?, gas_limit = ?,
				known_tx_hash = ?, block_hash = ?, block_number = ?,
				sent_at = ?, mined_at = ?, confirmed_at = ?, expired_at = ?, failed_at = ?,
				failed_reason = ?
			WHERE id = ?`,
			tx.Nonce, boolToInt(tx.NonceSet), string(tx.Status), string(tx.Speed),
			boolToInt(tx.SentGasPrice.IsLegacy), bigToString(tx.SentGasPrice.GasPrice),
			bigToString(tx.SentGasPrice.MaxPriority), bigToString(tx.SentGasPrice.MaxFee),
			bigToString(tx.SentGasPrice.BlobGasPrice), tx.GasLimit,
			nullableHash(tx.KnownTxHash), nullableHash(tx.BlockHash), tx.BlockNumber,
			nullableTime(tx.SentAt), nullableTime(tx.MinedAt), nullableTime(tx.ConfirmedAt),
			nullableTime(tx.ExpiredAt), nullableTime(tx.FailedAt),
			apptypes.TruncateFailedReason(tx.FailedReason),
			tx.ID.String(),
		)
		if err != nil {
			return fmt.Errorf("store: update transaction: %w", err)
		}
		if err := requireRowAffected(res, fmt.Errorf("transaction %s not found", tx.ID)); err != nil {
			return err
		}
		return appendAuditRow(ctx, dbtx, tx.ID, tx.Status, detail)
	})
}

func appendAuditRow(ctx context.Context, dbtx *sql.Tx, txID uuid.UUID, status apptypes.Status, detail string) error {
	_, err := dbtx.ExecContext(ctx, `
		INSERT INTO transaction_audit_log (transaction_id, status, recorded_at, detail)
		VALUES (?, ?, ?, ?)`, txID.String(), string(status), time.Now().UTC().Format(timeFormat), detail)
	if err != nil {
		return fmt.Errorf("store: append audit row: %w", err)
	}
	return nil
}

// GetTransaction loads one transaction by id.
func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (*apptypes.Transaction, error) {
	row := s.db.QueryRowContext(ctx, transactionSelect+` WHERE id = ?`, id.String())
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, apperrors.ErrRelayerNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get transaction: %w", err)
	}
	return tx, nil
}

// ListByRelayerAndStatus pages through a relayer's transactions in a
// given status, ordered by queued_at ascending (oldest first) so the
// pending worker rehydrates its FIFO ordering at startup (spec §4.5).
func (s *Store) ListByRelayerAndStatus(ctx context.Context, relayerID uuid.UUID, status apptypes.Status, limit, offset int) ([]*apptypes.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, transactionSelect+`
		WHERE relayer_id = ? AND status = ? ORDER BY queued_at ASC LIMIT ? OFFSET ?`,
		relayerID.String(), string(status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list by relayer and status: %w", err)
	}
	defer rows.Close()

	var out []*apptypes.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// AuditLogEntry is one row of a transaction's status history.
type AuditLogEntry struct {
	Status     apptypes.Status
	RecordedAt time.Time
	Detail     string
}

func (s *Store) AuditLog(ctx context.Context, txID uuid.UUID) ([]AuditLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, recorded_at, detail FROM transaction_audit_log
		WHERE transaction_id = ? ORDER BY id ASC`, txID.String())
	if err != nil {
		return nil, fmt.Errorf("store: audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditLogEntry
	for rows.Next() {
		var e AuditLogEntry
		var status, recordedAt string
		if err := rows.Scan(&status, &recordedAt, &e.Detail); err != nil {
			return nil, fmt.Errorf("store: scan audit row: %w", err)
		}
		e.Status = apptypes.Status(status)
		t, err := time.Parse(timeFormat, recordedAt)
		if err != nil {
			return nil, fmt.Errorf("corrupt recorded_at %q: %w", recordedAt, err)
		}
		e.RecordedAt = t
		out = append(out, e)
	}
	return out, rows.Err()
}

const transactionSelect = `
	SELECT id, relayer_id, chain_id, sender, to_address, value, data, nonce, nonce_set,
		status, speed, gas_is_legacy, gas_price, max_priority, max_fee, blob_gas_price, gas_limit,
		known_tx_hash, block_hash, block_number,
		queued_at, sent_at, mined_at, confirmed_at, expires_at, expired_at, failed_at,
		failed_reason, is_noop, external_id
	FROM transactions`

func scanTransaction(row rowScanner) (*apptypes.Transaction, error) {
	var (
		idStr, relayerIDStr, senderStr, toStr, valueStr string
		status, speed                                   string
		gasIsLegacy                                      int
		gasPrice, maxPriority, maxFee, blobGasPrice      sql.NullString
		knownTxHash, blockHash                           sql.NullString
		queuedAt, sentAt, minedAt, confirmedAt           sql.NullString
		expiresAt, expiredAt, failedAt                   sql.NullString
		nonceSet, isNoop                                 int
		tx                                               apptypes.Transaction
	)
	if err := row.Scan(
		&idStr, &relayerIDStr, &tx.ChainID, &senderStr, &toStr, &valueStr, &tx.Data, &tx.Nonce, &nonceSet,
		&status, &speed, &gasIsLegacy, &gasPrice, &maxPriority, &maxFee, &blobGasPrice, &tx.GasLimit,
		&knownTxHash, &blockHash, &tx.BlockNumber,
		&queuedAt, &sentAt, &minedAt, &confirmedAt, &expiresAt, &expiredAt, &failedAt,
		&tx.FailedReason, &isNoop, &tx.ExternalID,
	); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt transaction id %q: %w", idStr, err)
	}
	relayerID, err := uuid.Parse(relayerIDStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt relayer_id %q: %w", relayerIDStr, err)
	}
	value, ok := new(big.Int).SetString(valueStr, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt value %q", valueStr)
	}

	tx.ID = id
	tx.RelayerID = relayerID
	tx.Sender = common.HexToAddress(senderStr)
	tx.To = common.HexToAddress(toStr)
	tx.Value = value
	tx.NonceSet = nonceSet != 0
	tx.Status = apptypes.Status(status)
	tx.Speed = apptypes.SpeedTier(speed)
	tx.IsNoop = isNoop != 0

	tx.SentGasPrice = apptypes.GasPrice{
		IsLegacy:     gasIsLegacy != 0,
		GasPrice:     parseNullBig(gasPrice),
		MaxPriority:  parseNullBig(maxPriority),
		MaxFee:       parseNullBig(maxFee),
		BlobGasPrice: parseNullBig(blobGasPrice),
	}
	if knownTxHash.Valid {
		tx.KnownTxHash = common.HexToHash(knownTxHash.String)
	}
	if blockHash.Valid {
		tx.BlockHash = common.HexToHash(blockHash.String)
	}

	var parseErr error
	tx.QueuedAt, parseErr = parseNullTime(queuedAt, parseErr)
	tx.SentAt, parseErr = parseNullTime(sentAt, parseErr)
	tx.MinedAt, parseErr = parseNullTime(minedAt, parseErr)
	tx.ConfirmedAt, parseErr = parseNullTime(confirmedAt, parseErr)
	tx.ExpiresAt, parseErr = parseNullTime(expiresAt, parseErr)
	tx.ExpiredAt, parseErr = parseNullTime(expiredAt, parseErr)
	tx.FailedAt, parseErr = parseNullTime(failedAt, parseErr)
	if parseErr != nil {
		return nil, parseErr
	}
	return &tx, nil
}

func parseNullBig(v sql.NullString) *big.Int {
	if !v.Valid || v.String == "" {
		return nil
	}
	n, ok := new(big.Int).SetString(v.String, 10)
	if !ok {
		return nil
	}
	return n
}

func parseNullTime(v sql.NullString, prevErr error) (time.Time, error) {
	if prevErr != nil {
		return time.Time{}, prevErr
	}
	if !v.Valid || v.String == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeFormat, v.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt timestamp %q: %w", v.String, err)
	}
	return t, nil
}

func nullableTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeFormat), Valid: true}
}

func nullableHash(h common.Hash) sql.NullString {
	if h == (common.Hash{}) {
		return sql.NullString{}
	}
	return sql.NullString{String: h.Hex(), Valid: true}
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// withTx runs fn inside a DB transaction, committing on success and
// rolling back on any error or panic — the same pattern every
// status-changing write in this package uses to keep the transaction row
// and its audit-log row atomic (spec §7).
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			dbtx.Rollback()
			panic(r)
		}
	}()
	if err := fn(dbtx); err != nil {
		dbtx.Rollback()
		return err
	}
	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	return nil
}
