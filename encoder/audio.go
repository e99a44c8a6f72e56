package encoder

import (
	"io"
	"sync"
	"time"

	"go2tv.app/screenrec/capture"
)

const audioFrameInterval = 20 * time.Millisecond

// silenceReader produces s16le silence in real time.
type silenceReader struct {
	bytesPerSecond int
	chunkBytes     int
	closed         chan struct{}
	closeOnce      sync.Once
}

func newSilenceReader() *silenceReader {
	return &silenceReader{
		bytesPerSecond: capture.AudioSampleRate * capture.AudioChannels * 2,
		chunkBytes:     capture.AudioFrameSize,
		closed:         make(chan struct{}),
	}
}

func (r *silenceReader) Read(p []byte) (int, error) {
	select {
	case <-r.closed:
		return 0, io.EOF
	default:
	}
	if len(p) == 0 {
		return 0, nil
	}

	n := min(r.chunkBytes, len(p))
	clear(p[:n])

	timer := time.NewTimer(time.Duration(int64(n) * int64(time.Second) / int64(r.bytesPerSecond)))
	defer timer.Stop()
	select {
	case <-r.closed:
		return 0, io.EOF
	case <-timer.C:
		return n, nil
	}
}

func (r *silenceReader) Close() error {
	r.closeOnce.Do(func() {
		close(r.closed)
	})
	return nil
}

// relayAudio copies src to dst through a bounded queue that drops the oldest
// chunk when dst falls behind, and pads gaps in src with silence so the
// audio clock keeps running.
func relayAudio(dst io.Writer, src io.Reader, chunkSize, queueSize int) {
	ch := make(chan []byte, queueSize)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		silence := make([]byte, capture.AudioFrameSize)
		lastWrite := time.Now().Add(-time.Second)
		t := time.NewTicker(audioFrameInterval)
		defer t.Stop()

		for {
			select {
			case b, ok := <-ch:
				if !ok {
					return
				}
				if len(b) == 0 {
					continue
				}
				if _, err := dst.Write(b); err != nil {
					return
				}
				lastWrite = time.Now()
			case <-t.C:
				if time.Since(lastWrite) < 2*audioFrameInterval {
					continue
				}
				if _, err := dst.Write(silence); err != nil {
					return
				}
				lastWrite = time.Now()
			}
		}
	}()

	buf := make([]byte, chunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			b := make([]byte, n)
			copy(b, buf[:n])
			select {
			case ch <- b:
			default:
				select {
				case <-ch:
				default:
				}
				select {
				case ch <- b:
				default:
				}
			}
		}
		if err != nil {
			break
		}
	}

	close(ch)
	wg.Wait()
}
