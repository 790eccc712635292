package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// newMockGORM wires a GORM instance to a sqlmock driver so a retryer
// test can force a specific SQL error on a specific attempt, something
// a real sqlite file can't be made to do deterministically.
func newMockGORM(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	gdb, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	require.NoError(t, err)

	return gdb, mock
}

func TestRetryer_RetriesOnBusyThenSucceeds(t *testing.T) {
	gdb, mock := newMockGORM(t)

	mock.ExpectExec("UPDATE accounts").WillReturnError(errors.New("database is locked"))
	mock.ExpectExec("UPDATE accounts").WillReturnResult(sqlmock.NewResult(0, 1))

	r := &retryer{maxAttempts: 3, baseDelay: time.Millisecond, maxDelay: 5 * time.Millisecond, logger: zap.NewNop()}

	err := r.Do(context.Background(), func() error {
		return gdb.Exec("UPDATE accounts SET paused = ? WHERE id = ?", true, "acct-1").Error
	})

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryer_NonBusyErrorFailsImmediately(t *testing.T) {
	gdb, mock := newMockGORM(t)

	mock.ExpectExec("UPDATE accounts").WillReturnError(errors.New("constraint failed: UNIQUE"))

	r := &retryer{maxAttempts: 3, baseDelay: time.Millisecond, maxDelay: 5 * time.Millisecond, logger: zap.NewNop()}

	attempts := 0
	err := r.Do(context.Background(), func() error {
		attempts++
		return gdb.Exec("UPDATE accounts SET paused = ? WHERE id = ?", true, "acct-1").Error
	})

	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryer_ExhaustsMaxAttemptsOnPersistentBusy(t *testing.T) {
	gdb, mock := newMockGORM(t)

	for i := 0; i < 3; i++ {
		mock.ExpectExec("UPDATE accounts").WillReturnError(errors.New("database table is locked"))
	}

	r := &retryer{maxAttempts: 2, baseDelay: time.Millisecond, maxDelay: 5 * time.Millisecond, logger: zap.NewNop()}

	attempts := 0
	err := r.Do(context.Background(), func() error {
		attempts++
		return gdb.Exec("UPDATE accounts SET paused = ? WHERE id = ?", true, "acct-1").Error
	})

	assert.Error(t, err)
	assert.Equal(t, 3, attempts) // initial attempt + 2 retries
}
