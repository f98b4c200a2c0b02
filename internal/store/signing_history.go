package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordSignedMessage appends an entry to the text-message signing
// history (spec §4.1's SignText, audited per relayer so an operator can
// reconstruct every message a relayer's key has ever signed).
func (s *Store) RecordSignedMessage(ctx context.Context, relayerID uuid.UUID, message, signature []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signed_message_history (relayer_id, message, signature, signed_at)
		VALUES (?, ?, ?, ?)`, relayerID.String(), message, signature, time.Now().UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("store: record signed message: %w", err)
	}
	return nil
}

// SignedMessageRecord is one row of a relayer's text-signing history.
type SignedMessageRecord struct {
	Message   []byte
	Signature []byte
	SignedAt  time.Time
}

func (s *Store) ListSignedMessages(ctx context.Context, relayerID uuid.UUID, limit, offset int) ([]SignedMessageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message, signature, signed_at FROM signed_message_history
		WHERE relayer_id = ? ORDER BY id DESC LIMIT ? OFFSET ?`, relayerID.String(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list signed messages: %w", err)
	}
	defer rows.Close()

	var out []SignedMessageRecord
	for rows.Next() {
		var rec SignedMessageRecord
		var signedAt string
		if err := rows.Scan(&rec.Message, &rec.Signature, &signedAt); err != nil {
			return nil, fmt.Errorf("store: scan signed message: %w", err)
		}
		t, err := time.Parse(timeFormat, signedAt)
		if err != nil {
			return nil, fmt.Errorf("corrupt signed_at %q: %w", signedAt, err)
		}
		rec.SignedAt = t
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordSignedTypedData appends an entry to the EIP-712 signing history
// (spec §4.1's SignTypedData). Only the digest is stored, not the typed
// payload itself — reconstructing the original struct from its digest is
// the caller's responsibility and out of scope here.
func (s *Store) RecordSignedTypedData(ctx context.Context, relayerID uuid.UUID, digest [32]byte, signature []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signed_typed_data_history (relayer_id, digest, signature, signed_at)
		VALUES (?, ?, ?, ?)`, relayerID.String(), fmt.Sprintf("%x", digest), signature, time.Now().UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("store: record signed typed data: %w", err)
	}
	return nil
}

type SignedTypedDataRecord struct {
	Digest    string
	Signature []byte
	SignedAt  time.Time
}

func (s *Store) ListSignedTypedData(ctx context.Context, relayerID uuid.UUID, limit, offset int) ([]SignedTypedDataRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT digest, signature, signed_at FROM signed_typed_data_history
		WHERE relayer_id = ? ORDER BY id DESC LIMIT ? OFFSET ?`, relayerID.String(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list signed typed data: %w", err)
	}
	defer rows.Close()

	var out []SignedTypedDataRecord
	for rows.Next() {
		var rec SignedTypedDataRecord
		var signedAt string
		if err := rows.Scan(&rec.Digest, &rec.Signature, &signedAt); err != nil {
			return nil, fmt.Errorf("store: scan signed typed data: %w", err)
		}
		t, err := time.Parse(timeFormat, signedAt)
		if err != nil {
			return nil, fmt.Errorf("corrupt signed_at %q: %w", signedAt, err)
		}
		rec.SignedAt = t
		out = append(out, rec)
	}
	return out, rows.Err()
}
