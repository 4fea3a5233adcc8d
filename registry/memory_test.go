package registry

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegistry_GroupPartitioning(t *testing.T) {
	c := clock.NewMock()
	reg := NewMemoryRegistry(c, time.Second*30)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, Worker{Host: "w1:1234", Group: "default", Slots: 4}))
	require.NoError(t, reg.Register(ctx, Worker{Host: "w2:1234", Group: "default", Slots: 4}))
	require.NoError(t, reg.Register(ctx, Worker{Host: "w3:1234", Group: "gpu", Slots: 1}))

	workers, err := reg.Workers(ctx, "default")
	require.NoError(t, err)
	require.Len(t, workers, 2)

	workers, err = reg.Workers(ctx, "gpu")
	require.NoError(t, err)
	require.Len(t, workers, 1)
	require.Equal(t, "w3:1234", workers[0].Host)
}

func TestMemoryRegistry_HeartbeatKeepsWorkerAlive(t *testing.T) {
	c := clock.NewMock()
	reg := NewMemoryRegistry(c, time.Second*30)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, Worker{Host: "w1:1234", Group: "default", Slots: 4}))

	c.Add(time.Second * 20)
	require.NoError(t, reg.Heartbeat(ctx, "w1:1234", 0.4))

	c.Add(time.Second * 20)

	// 40s since registration but only 20s since the heartbeat.
	workers, err := reg.Workers(ctx, "default")
	require.NoError(t, err)
	require.Len(t, workers, 1)
	require.Equal(t, 0.4, workers[0].Load)
}

func TestMemoryRegistry_StaleWorkerDisappears(t *testing.T) {
	c := clock.NewMock()
	reg := NewMemoryRegistry(c, time.Second*30)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, Worker{Host: "w1:1234", Group: "default", Slots: 4}))

	c.Add(time.Second * 31)

	workers, err := reg.Workers(ctx, "default")
	require.NoError(t, err)
	require.Empty(t, workers)
}

func TestMemoryRegistry_HeartbeatUnknownWorker(t *testing.T) {
	reg := NewMemoryRegistry(clock.NewMock(), time.Second*30)

	require.ErrorIs(t, reg.Heartbeat(context.Background(), "ghost:1234", 0.1), ErrWorkerNotFound)
}

func TestMemoryRegistry_Unregister(t *testing.T) {
	c := clock.NewMock()
	reg := NewMemoryRegistry(c, time.Second*30)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, Worker{Host: "w1:1234", Group: "default", Slots: 4}))
	require.NoError(t, reg.Unregister(ctx, "w1:1234"))

	workers, err := reg.Workers(ctx, "default")
	require.NoError(t, err)
	require.Empty(t, workers)
}
