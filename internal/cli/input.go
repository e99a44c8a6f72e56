package cli

import (
	"bufio"
	"io"
	"sync"
)

// lineInput reads its source one line at a time on a single goroutine, so
// the command loop and the save prompt can share standard input. It is an
// io.Reader for the prompt and a channel of lines for the loop.
type lineInput struct {
	src   io.Reader
	once  sync.Once
	lines chan string
	rest  []byte
}

func newLineInput(src io.Reader) *lineInput {
	return &lineInput{src: src, lines: make(chan string)}
}

func (l *lineInput) start() {
	l.once.Do(func() {
		go func() {
			defer close(l.lines)
			r := bufio.NewReader(l.src)
			for {
				s, err := r.ReadString('\n')
				if s != "" {
					l.lines <- s
				}
				if err != nil {
					return
				}
			}
		}()
	})
}

// Lines delivers input lines including the trailing newline. It is closed
// at end of input.
func (l *lineInput) Lines() <-chan string {
	l.start()
	return l.lines
}

func (l *lineInput) Read(p []byte) (int, error) {
	l.start()
	if len(l.rest) == 0 {
		s, ok := <-l.lines
		if !ok {
			return 0, io.EOF
		}
		l.rest = []byte(s)
	}
	n := copy(p, l.rest)
	l.rest = l.rest[n:]
	return n, nil
}
