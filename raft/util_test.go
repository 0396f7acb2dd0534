package raft

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIdGenerator(t *testing.T) {
	now := time.Now()
	generator := newIDGenerator(3, now)

	id1 := generator.Next()
	id2 := generator.Next()
	require.Equal(t, id1+1, id2)
	require.Equal(t, uint64(3), id1>>48)

	// a restart later in time never reuses ids
	restarted := newIDGenerator(3, now.Add(time.Second))
	require.Greater(t, restarted.Next(), id2)
}

func TestLowBit(t *testing.T) {
	require.Equal(t, uint64(0xff), lowBit(0xfff, 8))
	require.Equal(t, uint64(0), lowBit(0xf00, 8))
}

func TestNotify(t *testing.T) {
	n := newNotify()
	n.Notify(proposalResult{reply: 1})
	// only the first result is kept
	n.Notify(proposalResult{reply: 2})
	ret, err := n.Wait(context.TODO(), nil)
	require.NoError(t, err)
	require.Equal(t, 1, ret.reply)

	stopped := make(chan struct{})
	close(stopped)
	_, err = newNotify().Wait(context.TODO(), stopped)
	require.ErrorIs(t, err, ErrStopped)

	ctx, cancel := context.WithCancel(context.TODO())
	cancel()
	_, err = newNotify().Wait(ctx, nil)
	require.ErrorIs(t, err, context.Canceled)
}
