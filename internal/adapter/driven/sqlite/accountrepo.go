package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ericfisherdev/capsuled/internal/domain/model"
	"github.com/ericfisherdev/capsuled/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.AccountStore = (*AccountRepo)(nil)

// AccountRepo is the SQLite implementation of the AccountStore port interface.
type AccountRepo struct {
	db             *DB
	starterBalance int
}

// NewAccountRepo creates a new AccountRepo backed by the given DB. Accounts
// created on first contact start with starterBalance capsules.
func NewAccountRepo(db *DB, starterBalance int) *AccountRepo {
	return &AccountRepo{db: db, starterBalance: starterBalance}
}

// Ensure returns the account bound to channelID, creating it on first
// contact. A non-empty handle replaces the stored one so renames are picked
// up; an empty handle leaves the stored value alone.
func (r *AccountRepo) Ensure(ctx context.Context, channelID int64, handle string) (*model.Account, error) {
	const query = `
		INSERT INTO accounts (channel_id, handle, tier, storage_used, capsule_balance, created_at)
		VALUES (?, ?, ?, 0, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(channel_id) DO UPDATE SET
			handle = CASE WHEN excluded.handle != '' THEN excluded.handle ELSE accounts.handle END
	`

	_, err := r.db.Writer.ExecContext(ctx, query,
		channelID, handle, string(model.TierFree), r.starterBalance)
	if err != nil {
		return nil, fmt.Errorf("ensure account for channel %d: %w", channelID, err)
	}

	acct, err := r.GetByChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, fmt.Errorf("ensure account for channel %d: row missing after upsert", channelID)
	}

	return acct, nil
}

// GetByID retrieves a single account by internal id.
// Returns nil, nil if the account does not exist.
func (r *AccountRepo) GetByID(ctx context.Context, id int64) (*model.Account, error) {
	const query = `
		SELECT id, channel_id, handle, tier, storage_used, capsule_balance, created_at
		FROM accounts
		WHERE id = ?
	`

	acct, err := scanAccount(r.db.Reader.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account %d: %w", id, err)
	}

	return acct, nil
}

// GetByChannel retrieves a single account by channel id.
// Returns nil, nil if the account does not exist.
func (r *AccountRepo) GetByChannel(ctx context.Context, channelID int64) (*model.Account, error) {
	const query = `
		SELECT id, channel_id, handle, tier, storage_used, capsule_balance, created_at
		FROM accounts
		WHERE channel_id = ?
	`

	acct, err := scanAccount(r.db.Reader.QueryRowContext(ctx, query, channelID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account for channel %d: %w", channelID, err)
	}

	return acct, nil
}

func scanAccount(s scanner) (*model.Account, error) {
	var acct model.Account
	var tier, createdAt string

	err := s.Scan(&acct.ID, &acct.ChannelID, &acct.Handle, &tier,
		&acct.StorageUsed, &acct.CapsuleBalance, &createdAt)
	if err != nil {
		return nil, err
	}

	acct.Tier = model.Tier(tier)

	acct.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	return &acct, nil
}
