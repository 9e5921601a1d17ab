package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrExternalIDTaken means the (platform, external id) pair is already
	// linked to some user.
	ErrExternalIDTaken = errors.New("store: external account already paired")
	// ErrPlatformLinked means the user already has an account on that
	// platform.
	ErrPlatformLinked = errors.New("store: user already linked on platform")
)

// ExternalAccount links a gateway user to one chat platform identity.
type ExternalAccount struct {
	ID               int64
	UserID           string
	Platform         string
	ExternalID       string
	ExternalUsername string
	PairedAt         time.Time
	LastMessageAt    *time.Time
}

// ConversationKey is the persistent-log key for this account's thread.
func (a ExternalAccount) ConversationKey() string {
	return fmt.Sprintf("external-%s-%s", a.Platform, a.ExternalID)
}

// CreateAccount links a platform identity to a user. Violating either
// uniqueness rule yields the matching typed error.
func (s *Store) CreateAccount(ctx context.Context, acct ExternalAccount) (*ExternalAccount, error) {
	return s.createAccount(ctx, s.db, acct)
}

// execer covers *sql.DB and *sql.Tx so account creation can run inside the
// pairing transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) createAccount(ctx context.Context, db execer, acct ExternalAccount) (*ExternalAccount, error) {
	if acct.PairedAt.IsZero() {
		acct.PairedAt = time.Now()
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO external_accounts (user_id, platform, external_id, external_username, paired_at)
		VALUES (?, ?, ?, ?, ?)`,
		acct.UserID, acct.Platform, acct.ExternalID, acct.ExternalUsername, acct.PairedAt.Unix())
	if err != nil {
		if terr := classifyAccountConflict(err); terr != nil {
			return nil, terr
		}
		return nil, fmt.Errorf("create account: %w", err)
	}
	acct.ID, err = res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// classifyAccountConflict maps sqlite UNIQUE violations to typed errors by
// the columns named in the constraint message.
func classifyAccountConflict(err error) error {
	msg := err.Error()
	if !strings.Contains(msg, "UNIQUE constraint failed") {
		return nil
	}
	if strings.Contains(msg, "external_accounts.platform, external_accounts.external_id") {
		return ErrExternalIDTaken
	}
	if strings.Contains(msg, "external_accounts.user_id, external_accounts.platform") {
		return ErrPlatformLinked
	}
	return nil
}

// GetAccountByExternalID resolves an inbound platform message to its linked
// account, or ErrNotFound.
func (s *Store) GetAccountByExternalID(ctx context.Context, platform, externalID string) (*ExternalAccount, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, platform, external_id, external_username, paired_at, last_message_at
		FROM external_accounts WHERE platform = ? AND external_id = ?`, platform, externalID)
	return scanAccount(row)
}

// ListAccounts returns the user's linked accounts, oldest pairing first.
func (s *Store) ListAccounts(ctx context.Context, userID string) ([]ExternalAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, platform, external_id, external_username, paired_at, last_message_at
		FROM external_accounts WHERE user_id = ? ORDER BY paired_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accts []ExternalAccount
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("list accounts: %w", err)
		}
		accts = append(accts, *acct)
	}
	return accts, rows.Err()
}

// DeleteAccount unlinks an account owned by userID. ErrNotFound covers both
// unknown ids and ids owned by someone else.
func (s *Store) DeleteAccount(ctx context.Context, userID string, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM external_accounts WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete account %d: %w", id, err)
	}
	return affectedOrNotFound(res)
}

// DeleteAccountByExternalID unlinks from the platform side (the /unpair
// command).
func (s *Store) DeleteAccountByExternalID(ctx context.Context, platform, externalID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM external_accounts WHERE platform = ? AND external_id = ?`, platform, externalID)
	if err != nil {
		return fmt.Errorf("delete account %s/%s: %w", platform, externalID, err)
	}
	return affectedOrNotFound(res)
}

// TouchAccount records message activity on the link.
func (s *Store) TouchAccount(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE external_accounts SET last_message_at = ? WHERE id = ?`, time.Now().Unix(), id)
	return err
}

func affectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAccount(row rowScanner) (*ExternalAccount, error) {
	var acct ExternalAccount
	var pairedAt int64
	var lastMessageAt sql.NullInt64
	err := row.Scan(&acct.ID, &acct.UserID, &acct.Platform, &acct.ExternalID,
		&acct.ExternalUsername, &pairedAt, &lastMessageAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	acct.PairedAt = time.Unix(pairedAt, 0)
	if lastMessageAt.Valid {
		t := time.Unix(lastMessageAt.Int64, 0)
		acct.LastMessageAt = &t
	}
	return &acct, nil
}
