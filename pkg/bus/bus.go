package bus

import (
	"context"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

type key interface {
	comparable
}

type message interface {
	any
}

type Message[K key, M message] struct {
	Key     K
	Message M
}

type Publisher[M message] func(ctx context.Context, msg M)

type subscriber[K key, M message] struct {
	ch   chan Message[K, M]
	done chan struct{}
}

// deliver hands one message to the subscriber, giving up when either
// side is gone. It reports whether the worker should keep delivering.
func (s *subscriber[K, M]) deliver(ctx context.Context, msg Message[K, M]) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.done:
		return true
	case s.ch <- msg:
		return true
	}
}

// Bus fans messages out to keyed and global subscribers. Delivery is
// blocking: a slow subscriber applies backpressure to the publisher.
type Bus[K key, M message] struct {
	log         *zap.Logger
	concurrency int
	ready       chan struct{}

	ch         chan Message[K, M]
	keySubs    *xsync.MapOf[K, []*subscriber[K, M]]
	globalSubs *xsync.MapOf[*subscriber[K, M], struct{}]
}

func NewBus[K key, M message](logger *zap.Logger) *Bus[K, M] {
	return &Bus[K, M]{
		log:         logger,
		ready:       make(chan struct{}),
		concurrency: 1,

		ch:         make(chan Message[K, M]),
		keySubs:    xsync.NewMapOf[K, []*subscriber[K, M]](),
		globalSubs: xsync.NewMapOf[*subscriber[K, M], struct{}](),
	}
}

func (b *Bus[K, M]) Start(ctx context.Context) error {
	if b.concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}
	// TODO: thread pool?
	for i := 0; i < b.concurrency; i++ {
		b.startWorker(ctx)
	}
	close(b.ready)
	return nil
}

func (b *Bus[K, M]) startWorker(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-b.ch:
				b.process(ctx, msg)
			}
		}
	}()
}

func (b *Bus[K, M]) Ready() <-chan struct{} {
	return b.ready
}

func (b *Bus[K, M]) Publish(ctx context.Context, key K, msg M) {
	select {
	case <-ctx.Done():
		return
	case b.ch <- Message[K, M]{key, msg}:
	}
}

func (b *Bus[K, M]) CreatePublisher(key K) Publisher[M] {
	return func(ctx context.Context, msg M) {
		b.Publish(ctx, key, msg)
	}
}

func (b *Bus[K, M]) process(ctx context.Context, msg Message[K, M]) {
	b.globalSubs.Range(func(sub *subscriber[K, M], _ struct{}) bool {
		return sub.deliver(ctx, msg)
	})
	subs, ok := b.keySubs.Load(msg.Key)
	if !ok {
		return
	}
	for _, sub := range subs {
		if !sub.deliver(ctx, msg) {
			return
		}
	}
}

// Subscribe returns a channel of messages for the given keys, or for
// all keys when none are given. The subscription ends with ctx; the
// channel is left open and simply stops carrying messages, so readers
// must select on their own ctx as well.
func (b *Bus[K, M]) Subscribe(ctx context.Context, key ...K) <-chan Message[K, M] {
	sub := &subscriber[K, M]{
		ch:   make(chan Message[K, M]),
		done: make(chan struct{}),
	}
	if len(key) == 0 {
		b.globalSubs.Store(sub, struct{}{})
		go func() {
			<-ctx.Done()
			close(sub.done)
			b.globalSubs.Delete(sub)
		}()
		return sub.ch
	}
	for _, k := range key {
		b.keySubs.Compute(k, func(val []*subscriber[K, M], _ bool) ([]*subscriber[K, M], bool) {
			// copy on write: delivery ranges over the loaded slice
			// without locking
			next := make([]*subscriber[K, M], 0, len(val)+1)
			next = append(next, val...)
			next = append(next, sub)
			return next, false
		})
	}
	go func() {
		<-ctx.Done()
		close(sub.done)
		for _, k := range key {
			b.keySubs.Compute(k, func(val []*subscriber[K, M], _ bool) ([]*subscriber[K, M], bool) {
				next := make([]*subscriber[K, M], 0, len(val))
				for _, s := range val {
					if s != sub {
						next = append(next, s)
					}
				}
				return next, len(next) == 0
			})
		}
	}()
	return sub.ch
}
