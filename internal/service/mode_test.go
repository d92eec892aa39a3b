package service

import (
	"context"
	"strconv"
	"testing"
	"time"

	"chatgateway/internal/kv"
	"chatgateway/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModeArbiter_Defaults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mode, err := f.modes.Mode(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.ModeBot, mode)

	require.NoError(t, f.mr.Set(kv.ModeKey("r1"), "garbage"))
	mode, err = f.modes.Mode(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.ModeBot, mode, "unknown stored values read as bot")

	assert.ErrorIs(t, f.modes.SetMode(ctx, "r1", "nope"), ErrValidation)
}

func TestModeArbiter_ShouldBotReply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	f.modes.now = func() time.Time { return now }

	cases := []struct {
		name      string
		mode      string
		lastAdmin *time.Duration
		want      bool
	}{
		{"bot", models.ModeBot, nil, true},
		{"takeover", models.ModeAdminTakeover, nil, false},
		{"assist without admin", models.ModeAdminAssist, nil, true},
		{"assist admin recent", models.ModeAdminAssist, ptr(5 * time.Second), false},
		{"assist admin at boundary", models.ModeAdminAssist, ptr(30 * time.Second), true},
		{"assist admin long ago", models.ModeAdminAssist, ptr(time.Minute), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f.mr.FlushAll()
			require.NoError(t, f.modes.SetMode(ctx, "room", tc.mode))
			if tc.lastAdmin != nil {
				now = time.UnixMilli(1_700_000_000_000)
				require.NoError(t, f.modes.TouchAdmin(ctx, "room"))
				now = now.Add(*tc.lastAdmin)
			}
			got, mode, err := f.modes.ShouldBotReply(ctx, "room")
			require.NoError(t, err)
			assert.Equal(t, tc.mode, mode)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestModeArbiter_LastAdminIsUnixSeconds(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 10, 17, 9, 30, 15, 750_000_000, time.UTC)
	f.modes.now = func() time.Time { return now }

	require.NoError(t, f.modes.TouchAdmin(context.Background(), "room"))
	raw := mustGetKey(t, f, kv.LastAdminKey("room"))
	assert.Len(t, raw, 10)
	assert.Equal(t, strconv.FormatInt(now.Unix(), 10), raw)

	// a value written by another node in seconds is honoured
	require.NoError(t, f.mr.Set(kv.LastAdminKey("room"), strconv.FormatInt(now.Add(-5*time.Second).Unix(), 10)))
	require.NoError(t, f.modes.SetMode(context.Background(), "room", models.ModeAdminAssist))
	reply, _, err := f.modes.ShouldBotReply(context.Background(), "room")
	require.NoError(t, err)
	assert.False(t, reply, "admin spoke 5s ago")
}

func mustGetKey(t *testing.T, f *fixture, key string) string {
	t.Helper()
	v, err := f.mr.Get(key)
	require.NoError(t, err)
	return v
}

func ptr(d time.Duration) *time.Duration { return &d }

func TestModeArbiter_StoreDown(t *testing.T) {
	f := newFixture(t)
	f.mr.Close()
	_, _, err := f.modes.ShouldBotReply(context.Background(), "room")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.False(t, Internal(err))
}
