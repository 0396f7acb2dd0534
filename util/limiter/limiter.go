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
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

var ErrLimitExceeded = errors.New("limit exceeded")

type (
	// Limiter bounds a node's backfill traffic: the number of inbound
	// sessions running at once and the outbound byte rate.
	Limiter interface {
		AcquireSession() error
		ReleaseSession()
		WaitN(ctx context.Context, n int) error
		SetSessionConcurrency(value uint32)
		SetMBPS(mbps int)
		GetConfig() LimitConfig
		Status() Status
	}
	CountLimit interface {
		Running() int
		Acquire() error
		Release()
		SetLimit(limit uint32)
	}
	LimitConfig struct {
		SessionConcurrency int `json:"session_concurrency"`
		MBPS               int `json:"mbps"`
	}
	Status struct {
		Config         LimitConfig `json:"config"`
		SessionRunning int         `json:"session_running"`
		WaitMs         int         `json:"wait_ms"`
	}
	limiter struct {
		lock         sync.RWMutex
		config       LimitConfig
		sessionLimit CountLimit
		rate         *rate.Limiter
	}
)

const mb = 1 << 20

func NewLimiter(cfg LimitConfig) Limiter {
	l := &limiter{config: cfg}
	if cfg.SessionConcurrency > 0 {
		l.sessionLimit = NewCountLimit(cfg.SessionConcurrency)
	}
	if cfg.MBPS > 0 {
		l.rate = rate.NewLimiter(rate.Limit(cfg.MBPS*mb), cfg.MBPS*mb)
	}
	return l
}

func (l *limiter) AcquireSession() error {
	l.lock.RLock()
	cl := l.sessionLimit
	l.lock.RUnlock()
	if cl != nil {
		return cl.Acquire()
	}
	return nil
}

func (l *limiter) ReleaseSession() {
	l.lock.RLock()
	cl := l.sessionLimit
	l.lock.RUnlock()
	if cl != nil {
		cl.Release()
	}
}

// WaitN blocks until n bytes may be sent. A burst larger than the limiter's
// bucket is split.
func (l *limiter) WaitN(ctx context.Context, n int) error {
	l.lock.RLock()
	r := l.rate
	l.lock.RUnlock()
	if r == nil {
		return nil
	}
	for n > 0 {
		step := n
		if burst := r.Burst(); step > burst {
			step = burst
		}
		if err := r.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

func (l *limiter) SetSessionConcurrency(value uint32) {
	l.lock.Lock()
	if l.sessionLimit == nil {
		l.sessionLimit = NewCountLimit(int(value))
	} else {
		l.sessionLimit.SetLimit(value)
	}
	l.config.SessionConcurrency = int(value)
	l.lock.Unlock()
}

func (l *limiter) SetMBPS(mbps int) {
	l.lock.Lock()
	if l.rate == nil {
		l.rate = rate.NewLimiter(rate.Limit(mbps*mb), mbps*mb)
	} else {
		l.rate.SetLimit(rate.Limit(mbps * mb))
		l.rate.SetBurst(mbps * mb)
	}
	l.config.MBPS = mbps
	l.lock.Unlock()
}

func (l *limiter) GetConfig() LimitConfig {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return l.config
}

func (l *limiter) Status() Status {
	l.lock.RLock()
	defer l.lock.RUnlock()

	st := Status{Config: l.config}
	if l.sessionLimit != nil {
		st.SessionRunning = l.sessionLimit.Running()
	}
	st.WaitMs = rateWait(l.rate)
	return st
}

func rateWait(r *rate.Limiter) int {
	if r == nil {
		return 0
	}
	now := time.Now()
	reserve := r.ReserveN(now, int(r.Limit())/2)
	duration := reserve.DelayFrom(now)
	reserve.Cancel()
	return int(duration.Milliseconds())
}

const minusOne = ^uint32(0)

type countLimit struct {
	limit   uint32
	current uint32
}

func NewCountLimit(n int) CountLimit {
	return &countLimit{limit: uint32(n)}
}

func (l *countLimit) Running() int {
	return int(atomic.LoadUint32(&l.current))
}

func (l *countLimit) Acquire() error {
	if atomic.AddUint32(&l.current, 1) > atomic.LoadUint32(&l.limit) {
		atomic.AddUint32(&l.current, minusOne)
		return ErrLimitExceeded
	}
	return nil
}

func (l *countLimit) Release() {
	atomic.AddUint32(&l.current, minusOne)
}

func (l *countLimit) SetLimit(limit uint32) {
	atomic.StoreUint32(&l.limit, limit)
}
