package call

import (
	"context"
	"testing"
	"time"

	"voice-gateway/pkg/errors"
	"voice-gateway/pkg/media"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func errorsStatus(err error) int {
	return errors.SIPStatusFromError(err).Code
}

func TestManagerAddGetRemove(t *testing.T) {
	pm := media.NewPortManager(42000, 42010, quietLogger())
	peer := newPeer(t)
	m := NewManager(quietLogger())

	c := newTestCall(t, pm, offerFor(peer, media.SendRecv), nil)
	defer c.Close()

	require.NoError(t, m.Add(c))
	err := m.Add(c)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCallAlreadyExists))

	got, ok := m.Get("call-1")
	require.True(t, ok)
	assert.Same(t, c, got)
	assert.Equal(t, []string{"call-1"}, m.Keys())

	assert.Same(t, c, m.Remove("call-1"))
	assert.Nil(t, m.Remove("call-1"))
	assert.Equal(t, 0, m.Count())
}

func TestManagerCloseAll(t *testing.T) {
	pm := media.NewPortManager(42100, 42110, quietLogger())
	m := NewManager(quietLogger())

	for _, key := range []string{"a", "b", "c"} {
		peer := newPeer(t)
		c, err := New(context.Background(), Params{
			Key:    key,
			Offer:  offerFor(peer, media.SendRecv),
			Ports:  pm,
			BindIP: "127.0.0.1",
			Logger: quietLogger(),
		})
		require.NoError(t, err)
		require.NoError(t, m.Add(c))
	}
	assert.Equal(t, 3, m.Count())
	assert.NotEqual(t, pm.GetStats().TotalPorts, pm.GetStats().AvailablePorts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.CloseAll(ctx))

	assert.Equal(t, 0, m.Count())
	stats := pm.GetStats()
	assert.Equal(t, stats.TotalPorts, stats.AvailablePorts)
	assert.Equal(t, int64(3), stats.Releases)
}

func TestRegistryShards(t *testing.T) {
	r := newRegistry(3)
	assert.Len(t, r.shards, 16)

	c := &Call{key: "x"}
	assert.True(t, r.insert("x", c))
	assert.False(t, r.insert("x", c))
	assert.Equal(t, 1, r.count())
	assert.Len(t, r.snapshot(), 1)
	_, ok := r.remove("x")
	assert.True(t, ok)
	assert.Equal(t, 0, r.count())
}
