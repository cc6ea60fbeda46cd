package rds

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGroupRoutesAndGetMulti(t *testing.T) {
	var servers []ServerSpec
	var minis []*miniredis.Miniredis
	for i := 0; i < 3; i++ {
		mr := miniredis.RunT(t)
		minis = append(minis, mr)
		servers = append(servers, ServerSpec{Addr: mr.Addr(), Weight: 1})
	}

	g, err := NewGroup(servers, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	keys := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
	for _, k := range keys {
		require.NoError(t, g.Set(ctx, k, "v-"+k, -1))
	}

	got, err := g.GetMulti(ctx, keys)
	require.NoError(t, err)
	assert.Len(t, got, len(keys))
	for _, k := range keys {
		assert.Equal(t, []byte("v-"+k), got[k])
	}
}

func TestGroupWhichServerAndAllServers(t *testing.T) {
	servers := []ServerSpec{{Addr: "a:1", Weight: 1}, {Addr: "b:1", Weight: 1}}
	g, err := NewGroup(servers, zap.NewNop())
	require.NoError(t, err)

	all := g.AllServers()
	assert.ElementsMatch(t, []string{"a:1", "b:1"}, all)

	addr := g.WhichServer("some-key")
	assert.Contains(t, all, addr)
}

func TestGroupEmptyServerListRejected(t *testing.T) {
	_, err := NewGroup(nil, zap.NewNop())
	assert.Error(t, err)
}
