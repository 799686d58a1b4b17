package engine

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlertListenerFanout(t *testing.T) {
	ft := newFakeTransport()
	ctx := context.Background()
	require.NoError(t, ft.Connect(ctx))

	al := NewAlertListener(ft, slog.Default())
	require.NoError(t, al.Start(ctx, "ops"))
	require.NoError(t, al.Start(ctx, "ops"), "repeated start is a no-op")
	require.Equal(t, 1, ft.joinCount())

	var got []Alert
	al.Subscribe("banner", func(a Alert) { got = append(got, a) })

	sub := ft.topicSub(AdminAlertsTopic, 0)
	sub.handlers.OnBroadcast("alert", []byte(`{"level":"warn","title":"Maintenance","message":"relay restarting at 22:00"}`))
	sub.handlers.OnBroadcast("alert", []byte(`not json`))
	sub.handlers.OnBroadcast("other-event", []byte(`{"level":"info"}`))

	require.Len(t, got, 1, "only well-formed alert events are delivered")
	assert.Equal(t, "warn", got[0].Level)
	assert.Equal(t, "Maintenance", got[0].Title)

	al.Unsubscribe("banner")
	sub.handlers.OnBroadcast("alert", []byte(`{"level":"info","title":"x","message":"y"}`))
	assert.Len(t, got, 1)

	al.Stop(ctx)
	assert.True(t, sub.wasLeft())
}
