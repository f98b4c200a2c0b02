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

// CreateRelayer inserts a new relayer row. (chain_id, wallet_index) must be
// unique per spec §3; a conflict surfaces as a plain error since it
// indicates a caller bug (the caller should have used NextWalletIndex).
func (s *Store) CreateRelayer(ctx context.Context, r *apptypes.RelayerIdentity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relayers (id, name, chain_id, wallet_index, address, paused, allowlisted_only, max_gas_price_cap, eip1559_enabled, deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.Name, r.ChainID, r.WalletIndex, r.Address.Hex(),
		boolToInt(r.Paused), boolToInt(r.AllowlistedOnly), bigToString(r.MaxGasPriceCap),
		boolToInt(r.EIP1559Enabled), boolToInt(r.Deleted), r.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: create relayer: %w", err)
	}
	return nil
}

// GetRelayer returns a relayer by id, including soft-deleted ones (the
// caller decides whether Deleted matters — the queue supervisor, for
// instance, must still see a deleted relayer's identity to drain it).
func (s *Store) GetRelayer(ctx context.Context, id uuid.UUID) (*apptypes.RelayerIdentity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, chain_id, wallet_index, address, paused, allowlisted_only, max_gas_price_cap, eip1559_enabled, deleted, created_at
		FROM relayers WHERE id = ?`, id.String())
	r, err := scanRelayer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrRelayerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get relayer: %w", err)
	}
	return r, nil
}

// ListRelayers returns every non-deleted relayer, used by the queue
// supervisor at startup (spec §4.5).
func (s *Store) ListRelayers(ctx context.Context) ([]*apptypes.RelayerIdentity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, chain_id, wallet_index, address, paused, allowlisted_only, max_gas_price_cap, eip1559_enabled, deleted, created_at
		FROM relayers WHERE deleted = 0`)
	if err != nil {
		return nil, fmt.Errorf("store: list relayers: %w", err)
	}
	defer rows.Close()

	var out []*apptypes.RelayerIdentity
	for rows.Next() {
		r, err := scanRelayer(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan relayer: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetPaused toggles a relayer's paused flag (spec §4.1's pause/resume op).
func (s *Store) SetPaused(ctx context.Context, id uuid.UUID, paused bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE relayers SET paused = ? WHERE id = ?`, boolToInt(paused), id.String())
	if err != nil {
		return fmt.Errorf("store: set paused: %w", err)
	}
	return requireRowAffected(res, apperrors.ErrRelayerNotFound)
}

// SoftDelete tombstones a relayer rather than removing its row, per spec
// §3's "deletion is always a soft tombstone".
func (s *Store) SoftDelete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE relayers SET deleted = 1 WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("store: soft delete relayer: %w", err)
	}
	return requireRowAffected(res, apperrors.ErrRelayerNotFound)
}

// NextWalletIndex returns the smallest wallet_index not yet used on
// chainID, so a new relayer never collides with (chain_id, wallet_index).
func (s *Store) NextWalletIndex(ctx context.Context, chainID uint64) (uint32, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(wallet_index), -1) + 1 FROM relayers WHERE chain_id = ?`, chainID)
	var next int64
	if err := row.Scan(&next); err != nil {
		return 0, fmt.Errorf("store: next wallet index: %w", err)
	}
	return uint32(next), nil
}

// AddAllowlistEntry records a permitted recipient for a relayer (spec
// §3's AllowlistEntry table).
func (s *Store) AddAllowlistEntry(ctx context.Context, relayerID uuid.UUID, addr common.Address) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO allowlist (relayer_id, address) VALUES (?, ?)`, relayerID.String(), addr.Hex())
	if err != nil {
		return fmt.Errorf("store: add allowlist entry: %w", err)
	}
	return nil
}

func (s *Store) RemoveAllowlistEntry(ctx context.Context, relayerID uuid.UUID, addr common.Address) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM allowlist WHERE relayer_id = ? AND address = ?`, relayerID.String(), addr.Hex())
	if err != nil {
		return fmt.Errorf("store: remove allowlist entry: %w", err)
	}
	return nil
}

// IsAllowlisted reports whether addr may receive funds from relayerID.
func (s *Store) IsAllowlisted(ctx context.Context, relayerID uuid.UUID, addr common.Address) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM allowlist WHERE relayer_id = ? AND address = ?`, relayerID.String(), addr.Hex())
	var one int
	err := row.Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: is allowlisted: %w", err)
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRelayer(row rowScanner) (*apptypes.RelayerIdentity, error) {
	var (
		idStr, addrStr, createdAtStr string
		maxGasCap                    sql.NullString
		paused, allowlistedOnly, eip1559Enabled, deleted int
		r                            apptypes.RelayerIdentity
	)
	if err := row.Scan(&idStr, &r.Name, &r.ChainID, &r.WalletIndex, &addrStr, &paused, &allowlistedOnly, &maxGasCap, &eip1559Enabled, &deleted, &createdAtStr); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt relayer id %q: %w", idStr, err)
	}
	r.ID = id
	r.Address = common.HexToAddress(addrStr)
	r.Paused = paused != 0
	r.AllowlistedOnly = allowlistedOnly != 0
	r.EIP1559Enabled = eip1559Enabled != 0
	r.Deleted = deleted != 0
	if maxGasCap.Valid && maxGasCap.String != "" {
		v, ok := new(big.Int).SetString(maxGasCap.String, 10)
		if !ok {
			return nil, fmt.Errorf("corrupt max_gas_price_cap %q", maxGasCap.String)
		}
		r.MaxGasPriceCap = v
	}
	createdAt, err := time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt created_at %q: %w", createdAtStr, err)
	}
	r.CreatedAt = createdAt
	return &r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func bigToString(v *big.Int) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: v.String(), Valid: true}
}

func requireRowAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
