// Copyright 2023 The Cuber Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package limiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiter_Session(t *testing.T) {
	l := NewLimiter(LimitConfig{SessionConcurrency: 1})

	require.NoError(t, l.AcquireSession())
	require.Equal(t, ErrLimitExceeded, l.AcquireSession())
	require.Equal(t, 1, l.Status().SessionRunning)

	l.SetSessionConcurrency(2)
	require.NoError(t, l.AcquireSession())
	l.ReleaseSession()
	l.ReleaseSession()
	require.Equal(t, 0, l.Status().SessionRunning)
	require.Equal(t, 2, l.GetConfig().SessionConcurrency)

	// unlimited
	l = NewLimiter(LimitConfig{})
	for i := 0; i < 10; i++ {
		require.NoError(t, l.AcquireSession())
	}
}

func TestLimiter_WaitN(t *testing.T) {
	l := NewLimiter(LimitConfig{MBPS: 1})
	ctx := context.TODO()

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, l.WaitN(ctx, 1<<20))
		}()
	}
	wg.Wait()
	// the bucket starts full, the second MB waits about a second
	require.True(t, time.Since(start) >= 500*time.Millisecond)

	// larger than the burst is split instead of failing
	l.SetMBPS(64)
	require.NoError(t, l.WaitN(ctx, 65<<20))

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	l = NewLimiter(LimitConfig{MBPS: 1})
	require.NoError(t, l.WaitN(ctx, 1<<20))
	require.Error(t, l.WaitN(cctx, 1<<20))

	require.NoError(t, NewLimiter(LimitConfig{}).WaitN(cctx, 1<<30))
}
