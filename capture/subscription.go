package capture

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/internal/metrics"
)

// Subscription is one consumer of a Track. Frames are queued and written to
// an internal pipe by a dedicated goroutine; when the queue is full the
// oldest frame is dropped so the track never waits for the consumer.
type Subscription struct {
	track *Track
	id    int

	pr *io.PipeReader
	pw *io.PipeWriter

	queue    chan []byte
	done     chan struct{}
	draining chan struct{}

	closeOnce sync.Once
	drainOnce sync.Once
	wg        sync.WaitGroup

	lastSlowLog atomic.Int64
	lastDropLog atomic.Int64
	dropped     atomic.Uint64
}

func newSubscription(t *Track, id, queueSize int) *Subscription {
	pr, pw := io.Pipe()
	s := &Subscription{
		track:    t,
		id:       id,
		pr:       pr,
		pw:       pw,
		queue:    make(chan []byte, queueSize),
		done:     make(chan struct{}),
		draining: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

// Read reads frame bytes in arrival order.
func (s *Subscription) Read(p []byte) (int, error) {
	return s.pr.Read(p)
}

// Drain unsubscribes and lets the frames already queued reach the reader,
// which then sees io.EOF. It does not block.
func (s *Subscription) Drain() {
	s.track.unsubscribe(s.id)
	s.finish()
}

func (s *Subscription) finish() {
	s.drainOnce.Do(func() {
		close(s.draining)
	})
}

// Close unsubscribes and releases the reader. Queued frames are discarded.
func (s *Subscription) Close() error {
	s.track.unsubscribe(s.id)
	_ = s.pr.Close()
	s.shutdown(nil)
	return nil
}

// Dropped returns the number of frames dropped for this subscriber.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) shutdown(err error) {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.pw.CloseWithError(err)
		s.wg.Wait()
	})
}

func (s *Subscription) enqueue(frame []byte) {
	if len(frame) == 0 {
		return
	}

	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.queue <- frame:
		return
	default:
	}

	// Queue full: drop the oldest frame to keep the track non-blocking.
	select {
	case <-s.queue:
		s.drop()
	default:
	}

	select {
	case s.queue <- frame:
	default:
		s.drop()
	}
}

func (s *Subscription) drop() {
	total := s.dropped.Add(1)
	metrics.FrameDropped(string(s.track.Kind))
	if logging.Every(&s.lastDropLog, time.Second) {
		s.track.log.Debug("dropped frame", "subscriber", s.id, "total", total, "queue", len(s.queue))
	}
}

func (s *Subscription) loop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case b := <-s.queue:
			if !s.write(b) {
				return
			}
		case <-s.draining:
			for {
				select {
				case b := <-s.queue:
					if !s.write(b) {
						return
					}
				default:
					_ = s.pw.Close()
					return
				}
			}
		}
	}
}

func (s *Subscription) write(b []byte) bool {
	start := time.Now()
	if _, err := s.pw.Write(b); err != nil {
		return false
	}
	d := time.Since(start)
	if d > 50*time.Millisecond && logging.Every(&s.lastSlowLog, time.Second) {
		s.track.log.Debug("slow subscriber write", "subscriber", s.id, "duration", d, "bytes", len(b), "queue", len(s.queue))
	}
	return true
}
