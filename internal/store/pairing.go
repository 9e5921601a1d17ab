package store

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrCodeInvalid     = errors.New("store: pairing code not found")
	ErrCodeExpired     = errors.New("store: pairing code expired")
	ErrCodeUsed        = errors.New("store: pairing code already used")
	ErrTooManyAttempts = errors.New("store: pairing code attempts exhausted")
	// ErrCodeCollision means the generated code already exists; the caller
	// generates a fresh one and retries.
	ErrCodeCollision = errors.New("store: pairing code collision")
)

const (
	maxRedeemAttempts = 5
	redeemTxTimeout   = 2 * time.Second
)

// CreatePairingCode stores a freshly issued code.
func (s *Store) CreatePairingCode(ctx context.Context, code, userID string, ttl time.Duration) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pairing_codes (code, user_id, created_at, expires_at)
		VALUES (?, ?, ?, ?)`,
		code, userID, now.Unix(), now.Add(ttl).Unix())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") ||
			strings.Contains(err.Error(), "PRIMARY KEY constraint") {
			return ErrCodeCollision
		}
		return fmt.Errorf("create pairing code: %w", err)
	}
	return nil
}

type pairingRow struct {
	code      string
	userID    string
	expiresAt int64
	attempts  int
	used      bool
}

// RedeemPairing exchanges a code for an account link, atomically. Every
// denial against an existing code burns one attempt and is committed, so
// guessing cannot be rewound. Attempt exhaustion is checked before
// anything else so a burned code reports uniformly no matter why it died.
func (s *Store) RedeemPairing(ctx context.Context, code, platform, externalID, externalUsername string) (*ExternalAccount, error) {
	ctx, cancel := context.WithTimeout(ctx, redeemTxTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("redeem pairing: %w", err)
	}
	defer tx.Rollback()

	match, err := findCode(ctx, tx, code)
	if err != nil {
		return nil, fmt.Errorf("redeem pairing: %w", err)
	}
	if match == nil {
		return nil, ErrCodeInvalid
	}

	deny := func(reason error) (*ExternalAccount, error) {
		if _, err := tx.ExecContext(ctx, `
			UPDATE pairing_codes SET attempts = attempts + 1 WHERE code = ?`, match.code); err != nil {
			return nil, fmt.Errorf("redeem pairing: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("redeem pairing: %w", err)
		}
		return nil, reason
	}

	switch {
	case match.attempts >= maxRedeemAttempts:
		return deny(ErrTooManyAttempts)
	case match.used:
		return deny(ErrCodeUsed)
	case time.Now().Unix() >= match.expiresAt:
		return deny(ErrCodeExpired)
	}

	acct, err := s.createAccount(ctx, tx, ExternalAccount{
		UserID:           match.userID,
		Platform:         platform,
		ExternalID:       externalID,
		ExternalUsername: externalUsername,
	})
	if err != nil {
		// Link conflicts leave the code intact; the rollback undoes nothing.
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE pairing_codes SET used = 1 WHERE code = ?`, match.code); err != nil {
		return nil, fmt.Errorf("redeem pairing: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("redeem pairing: %w", err)
	}
	return acct, nil
}

// findCode scans all stored codes and matches constant-time, so lookup
// duration does not depend on how much of a guess is correct.
func findCode(ctx context.Context, tx *sql.Tx, code string) (*pairingRow, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT code, user_id, expires_at, attempts, used FROM pairing_codes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var match *pairingRow
	for rows.Next() {
		var r pairingRow
		if err := rows.Scan(&r.code, &r.userID, &r.expiresAt, &r.attempts, &r.used); err != nil {
			return nil, err
		}
		if subtle.ConstantTimeCompare([]byte(r.code), []byte(code)) == 1 {
			r := r
			match = &r
		}
	}
	return match, rows.Err()
}

// PurgeSpentCodes removes used and expired codes. Run periodically; safe at
// any time because redemption only consults live rows.
func (s *Store) PurgeSpentCodes(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pairing_codes WHERE used = 1 OR expires_at <= ?`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("purge pairing codes: %w", err)
	}
	return res.RowsAffected()
}
