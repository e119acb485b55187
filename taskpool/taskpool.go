/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package taskpool runs tasks on a fixed set of workers, each owning a
// private memory arena. A worker acquires its arena when it starts and
// releases it when the pool closes, so task objects can be allocated
// and freed without touching the global heap or any lock.
package taskpool

import (
	"context"
	"log"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/cloudwego/memarena/arena"
)

// Task is a unit of work. It runs on one of the pool's workers and
// receives that worker's arena. Anything allocated from the arena must
// not outlive the task unless it is Detach-ed first.
type Task func(ctx context.Context, a *arena.Arena)

// Option ...
type Option struct {
	// Workers is the number of worker goroutines, one arena each.
	// Defaults to GOMAXPROCS.
	Workers int

	// QueueBuffer is the size of the task queue. Dispatch blocks while
	// the queue is full; unlike an elastic pool we never fall back to
	// a bare goroutine, a task must run on an arena-owning worker.
	QueueBuffer int

	// ResetEachTask drops every arena allocation after each task, so
	// tasks can skip explicit Frees for their short-lived objects.
	ResetEachTask bool

	// Arena configures the per-worker arenas.
	Arena *arena.Option
}

// DefaultOption returns the default values of Option.
func DefaultOption() *Option {
	return &Option{
		Workers:     runtime.GOMAXPROCS(0),
		QueueBuffer: 128,
	}
}

type task struct {
	ctx context.Context
	f   Task
}

// Pool is a fixed-size worker pool with one arena per worker.
type Pool struct {
	name string
	opt  Option
	reg  *arena.Registry

	tasks chan task
	wg    sync.WaitGroup

	closeOnce sync.Once

	panicHandler func(ctx context.Context, r interface{})
}

// NewPool starts the workers and returns the pool. A nil Option uses
// DefaultOption. The arena options are validated up front so a worker
// can never fail to acquire its arena later.
func NewPool(name string, o *Option) (*Pool, error) {
	if o == nil {
		o = DefaultOption()
	}
	opt := *o
	if opt.Workers <= 0 {
		opt.Workers = runtime.GOMAXPROCS(0)
	}
	if opt.QueueBuffer < 0 {
		opt.QueueBuffer = 0
	}
	if _, err := arena.NewArena(opt.Arena); err != nil {
		return nil, err
	}
	p := &Pool{
		name:  name,
		opt:   opt,
		reg:   arena.NewRegistry(opt.Arena),
		tasks: make(chan task, opt.QueueBuffer),
	}
	for i := 0; i < opt.Workers; i++ {
		p.wg.Add(1)
		go p.runWorker()
	}
	return p, nil
}

// Go runs the given task on one of the workers.
func (p *Pool) Go(f Task) {
	p.CtxGo(context.Background(), f)
}

// CtxGo runs the given task on one of the workers, and passes ctx to
// the task and to the panic handler when a panic happens. It blocks
// while the queue is full and must not be called after Close.
func (p *Pool) CtxGo(ctx context.Context, f Task) {
	p.tasks <- task{ctx: ctx, f: f}
}

// SetPanicHandler sets a func for handling panic cases.
//
// The handler takes the ctx provided when calling CtxGo and the value
// returned by recover(). By default the pool uses log.Printf to record
// the panic and its stack. It's recommended to set your own handler.
func (p *Pool) SetPanicHandler(f func(ctx context.Context, r interface{})) {
	p.panicHandler = f
}

// Close stops accepting tasks, waits for the queued ones to finish and
// releases every worker arena. It is safe to call more than once.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.tasks)
	})
	p.wg.Wait()
}

// LiveArenas reports how many worker arenas are currently acquired.
// It drops to zero after Close.
func (p *Pool) LiveArenas() int {
	return p.reg.Live()
}

func (p *Pool) runWorker() {
	defer p.wg.Done()
	a, err := p.reg.Acquire()
	if err != nil {
		// options were validated in NewPool
		log.Printf("TASKPOOL: pool %s: acquire arena: %v", p.name, err)
		return
	}
	defer p.reg.Release(a)
	for t := range p.tasks {
		p.runTask(t.ctx, t.f, a)
		if p.opt.ResetEachTask {
			a.Reset()
		}
	}
}

func (p *Pool) runTask(ctx context.Context, f Task, a *arena.Arena) {
	defer func() {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(ctx, r)
			} else {
				log.Printf("TASKPOOL: panic in pool: %s: %v: %s", p.name, r, debug.Stack())
			}
		}
	}()
	f(ctx, a)
}
