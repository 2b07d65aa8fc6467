package tunepipe

import (
	"context"
	"fmt"

	"github.com/panjf2000/ants/v2"
)

// Future is the handle of a task submitted to a taskPool.
type Future interface {
	Get() (interface{}, error)
	Done() <-chan struct{}
}

type future struct {
	done  chan struct{}
	value interface{}
	err   error
}

func (f *future) Get() (interface{}, error) {
	<-f.done
	return f.value, f.err
}

func (f *future) Done() <-chan struct{} {
	return f.done
}

// taskPool bounds the number of concurrently executing tasks.
type taskPool struct {
	pool *ants.Pool
}

func newTaskPool(size int) *taskPool {
	pool, err := ants.NewPool(size)
	if err != nil {
		panic(fmt.Sprintf("create task pool of size %d: %v", size, err))
	}
	return &taskPool{pool: pool}
}

// Submit blocks until a worker slot is free, then runs task on it.
func (p *taskPool) Submit(ctx context.Context, task func() (interface{}, error)) Future {
	f := &future{done: make(chan struct{})}
	err := p.pool.Submit(func() {
		defer close(f.done)
		defer func() {
			if r := recover(); r != nil {
				f.err = NewBatchError(ErrCodeGeneral, "panic in task: %v", r)
				DefaultLogger.Error(ctx, "panic in task: %v", r)
			}
		}()
		f.value, f.err = task()
	})
	if err != nil {
		f.err = NewBatchError(ErrCodeTransient, "submit task to pool failed", err)
		close(f.done)
	}
	return f
}

func (p *taskPool) SetMaxSize(size int) {
	p.pool.Tune(size)
}

func (p *taskPool) Cap() int {
	return p.pool.Cap()
}

func (p *taskPool) Running() int {
	return p.pool.Running()
}
