package presence

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"sendflow/internal/domain"
	"sendflow/internal/store"
)

func TestHandlePollFlipsStaleUsers(t *testing.T) {
	db, err := sql.Open("sqlite", "file::memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.EnsureSchema(db))
	st := store.New(db)
	ctx := context.Background()

	stale := domain.User{TenantID: 1, Online: true, UpdatedAt: time.Now().Add(-15 * time.Minute)}
	fresh := domain.User{TenantID: 1, Online: true, UpdatedAt: time.Now()}
	require.NoError(t, st.CreateUser(ctx, &stale))
	require.NoError(t, st.CreateUser(ctx, &fresh))

	svc := New(st, nil, zerolog.Nop())
	require.NoError(t, svc.HandlePoll(ctx, nil))

	gotStale, err := st.GetUser(ctx, stale.ID)
	require.NoError(t, err)
	require.False(t, gotStale.Online)

	gotFresh, err := st.GetUser(ctx, fresh.ID)
	require.NoError(t, err)
	require.True(t, gotFresh.Online)
}
