package events

import (
	"context"
	"errors"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.Exec(`CREATE TABLE IF NOT EXISTS hook_probe (id INTEGER PRIMARY KEY, name TEXT)`).Error)
	require.NoError(t, db.Exec(`DELETE FROM hook_probe`).Error)
	return db
}

func TestRunAfterCommitFiresHooks(t *testing.T) {
	db := newTestDB(t)

	fired := 0
	err := RunAfterCommit(context.Background(), db, func(tx *gorm.DB, hooks *Hooks) error {
		if err := tx.Exec(`INSERT INTO hook_probe (id, name) VALUES (1, 'a')`).Error; err != nil {
			return err
		}
		hooks.Add(func(ctx context.Context) { fired++ })
		hooks.Add(func(ctx context.Context) { fired++ })
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, fired)

	var count int64
	require.NoError(t, db.Raw(`SELECT COUNT(*) FROM hook_probe`).Scan(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRunAfterCommitDiscardsHooksOnRollback(t *testing.T) {
	db := newTestDB(t)

	fired := 0
	err := RunAfterCommit(context.Background(), db, func(tx *gorm.DB, hooks *Hooks) error {
		if err := tx.Exec(`INSERT INTO hook_probe (id, name) VALUES (2, 'b')`).Error; err != nil {
			return err
		}
		hooks.Add(func(ctx context.Context) { fired++ })
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, 0, fired)

	var count int64
	require.NoError(t, db.Raw(`SELECT COUNT(*) FROM hook_probe`).Scan(&count).Error)
	assert.Equal(t, int64(0), count)
}
