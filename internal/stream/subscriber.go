package stream

import (
	"sync"

	"github.com/mavrikos/thetad/internal/metrics"
)

// subscriber is one registered update consumer. Updates are delivered
// through a bounded queue; when the consumer falls behind the oldest
// update is dropped and counted, never blocking the reader.
type subscriber struct {
	name  string
	queue chan Quote
	once  sync.Once
	done  chan struct{}
}

const subscriberQueueSize = 256

func newSubscriber(name string, fn func(Quote)) *subscriber {
	s := &subscriber{
		name:  name,
		queue: make(chan Quote, subscriberQueueSize),
		done:  make(chan struct{}),
	}
	go func() {
		for {
			select {
			case q := <-s.queue:
				fn(q)
			case <-s.done:
				return
			}
		}
	}()
	return s
}

// push enqueues an update, dropping the oldest when full.
func (s *subscriber) push(q Quote) {
	for {
		select {
		case s.queue <- q:
			return
		default:
		}
		select {
		case <-s.queue:
			metrics.UpdatesDropped.WithLabelValues(s.name).Inc()
		default:
		}
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}
