package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInTx(t *testing.T) {
	sqldb, mk, err := sqlmock.New()
	require.NoError(t, err)
	defer sqldb.Close()
	m := &MySQL{DB: sqldb}
	ctx := context.Background()

	mk.ExpectBegin()
	mk.ExpectCommit()
	require.NoError(t, m.InTx(ctx, func(tx *sql.Tx) error { return nil }))

	boom := errors.New("boom")
	mk.ExpectBegin()
	mk.ExpectRollback()
	assert.ErrorIs(t, m.InTx(ctx, func(tx *sql.Tx) error { return boom }), boom)

	mk.ExpectBegin()
	mk.ExpectRollback()
	assert.Panics(t, func() {
		_ = m.InTx(ctx, func(tx *sql.Tx) error { panic("bad") })
	})

	assert.NoError(t, mk.ExpectationsWereMet())
}

func TestOpenRejectsBadDSN(t *testing.T) {
	_, err := Open(Options{DSN: "not a dsn"})
	assert.Error(t, err)
}
