package connector

import (
	"context"
	"fmt"
	"sync"
)

// Producer is the goroutine running a connector's Run loop.
type Producer struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	once   sync.Once
}

// Start spawns the producer. The goroutine exits when Run returns.
func Start(ctx context.Context, c Connector, sink Sink) *Producer {
	ctx, cancel := context.WithCancel(ctx)
	p := &Producer{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		defer func() {
			if r := recover(); r != nil {
				p.err = fmt.Errorf("connector panic: %v", r)
			}
		}()
		p.err = c.Run(ctx, sink)
	}()
	return p
}

// Stop cancels the producer and waits for it to exit. It is idempotent and
// returns the error Run finished with.
func (p *Producer) Stop() error {
	p.once.Do(p.cancel)
	<-p.done
	return p.err
}

func (p *Producer) Done() <-chan struct{} {
	return p.done
}

// Err is valid once Done is closed.
func (p *Producer) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}
