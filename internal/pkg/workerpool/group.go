// Copyright 2016 CoreOS, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package workerpool offloads blocking syscalls (FIFO opens) onto a bounded
// set of background goroutines so the caller never blocks the thread that
// observes child-process termination.
package workerpool

import (
	"context"
	"sync"

	"github.com/coreos/pkg/multierror"
)

// Worker is run in its own goroutine by a Group.
type Worker func(context.Context) error

// Group bounds the number of concurrently running Workers and cancels the
// rest as soon as one reports an error.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc
	limit  chan struct{}

	mu     sync.Mutex
	errors multierror.Error
}

// New creates a Group that allows at most limit Workers to run at once.
func New(ctx context.Context, limit int) *Group {
	g := &Group{limit: make(chan struct{}, limit)}
	g.ctx, g.cancel = context.WithCancel(ctx)
	return g
}

func (g *Group) addErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.errors = append(g.errors, err)
	g.cancel()
}

func (g *Group) getErr() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.errors.AsError()
}

// Start launches worker, blocking until a slot is free. Returns the group's
// context error if the group has already been cancelled.
func (g *Group) Start(worker Worker) error {
	select {
	default:
	case <-g.ctx.Done():
		return g.ctx.Err()
	}
	select {
	case g.limit <- struct{}{}:
		go func() {
			if err := worker(g.ctx); err != nil {
				g.addErr(err)
			}
			<-g.limit
		}()
		return nil
	case <-g.ctx.Done():
		return g.ctx.Err()
	}
}

// Cancel releases any Worker blocked on a FIFO open by poking the group's
// context; Workers are expected to select on ctx.Done() around their
// blocking call.
func (g *Group) Cancel() {
	g.cancel()
}

// Wait blocks until every launched Worker has returned, then reports every
// error the Workers returned, combined into one (nil if none).
func (g *Group) Wait() error {
	defer g.cancel()
	for i := 0; i < cap(g.limit); i++ {
		g.limit <- struct{}{}
	}
	return g.getErr()
}
