package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(&pgconn.PgError{Code: "40001"}))
	assert.True(t, Retryable(fmt.Errorf("commit: %w", &pgconn.PgError{Code: "40P01"})))
	assert.False(t, Retryable(&pgconn.PgError{Code: "23505"}))
	assert.False(t, Retryable(errors.New("plain")))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, IsUniqueViolation(nil))
}

// fakeTx embeds pgx.Tx so only the methods WithTx touches need bodies.
type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if !f.committed {
		f.rolledBack = true
	}
	return nil
}

type fakeBeginner struct {
	txs  []*fakeTx
	opts []pgx.TxOptions
}

func (f *fakeBeginner) BeginTx(_ context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	tx := &fakeTx{}
	f.txs = append(f.txs, tx)
	f.opts = append(f.opts, opts)
	return tx, nil
}

func TestWithTxRetriesSerializationFailures(t *testing.T) {
	b := &fakeBeginner{}
	calls := 0
	err := WithTx(context.Background(), b, func(pgx.Tx) error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	require.Len(t, b.txs, 3)
	assert.True(t, b.txs[0].rolledBack)
	assert.True(t, b.txs[2].committed)
	assert.Equal(t, pgx.RepeatableRead, b.opts[0].IsoLevel)
}

func TestWithTxGivesUpOnOtherErrors(t *testing.T) {
	b := &fakeBeginner{}
	boom := errors.New("boom")
	err := WithTx(context.Background(), b, func(pgx.Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Len(t, b.txs, 1)
	assert.True(t, b.txs[0].rolledBack)
}

func TestWithTxStopsAfterMaxAttempts(t *testing.T) {
	b := &fakeBeginner{}
	err := WithTx(context.Background(), b, func(pgx.Tx) error { return &pgconn.PgError{Code: "40P01"} })
	assert.True(t, Retryable(err))
	assert.Len(t, b.txs, maxTxAttempts)
}
