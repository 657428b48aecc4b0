package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "portalwatch/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		require.NoError(t, err)
		assert.Nil(t, st)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "redis", Path: t.TempDir()}, logx.Nop())
	require.Error(t, err)
}

func TestFileRequiresPath(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "file"}, logx.Nop())
	require.Error(t, err)
}

func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, st.AppendEvent(ctx, EventRecord{
			At:    base.Add(time.Duration(i) * time.Minute),
			RunID: "run-1",
			Kind:  "stable",
			Value: fmt.Sprintf("v%d", i),
		}))
	}
	require.NoError(t, st.AppendEvent(ctx, EventRecord{
		At:          base.Add(10 * time.Minute),
		Kind:        "failure",
		FailureKind: "timeout",
		Detail:      "deadline exceeded",
	}))

	got, err := st.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "v3", got[0].Value)
	assert.Equal(t, "v4", got[1].Value)
	assert.Equal(t, "failure", got[2].Kind)
	assert.Equal(t, "timeout", got[2].FailureKind)
	assert.True(t, got[2].At.Equal(base.Add(10*time.Minute)))

	all, err := st.Recent(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, all, 6)

	none, err := st.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestFileStoreAppendAndRecent(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "audit", "portalwatch")}, logx.Nop())
	require.NoError(t, err)
	exerciseStore(t, st)

	require.NoError(t, st.Close())
	require.NoError(t, st.Close())
	assert.ErrorIs(t, st.AppendEvent(context.Background(), EventRecord{Kind: "stable"}), ErrClosed)
}

func TestSQLiteStoreAppendAndRecent(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "portalwatch.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	exerciseStore(t, st)
}
