package broker

import (
	"context"
	"sync"
)

// ContainerPty wraps a ContainerRuntime exec session as a PtyHandle,
// demultiplexing the hijacked stream's framing through an
// ExecStreamDemuxer on read.
type ContainerPty struct {
	runtime     ContainerRuntime
	containerID string
	stream      *ExecStream
	demux       *ExecStreamDemuxer

	mu       sync.Mutex
	killed   bool
	exited   bool
	exitOnce sync.Once
	onExit   func(code int)

	pending [][]byte
}

// NewContainerPty opens an interactive exec session and wraps it.
func NewContainerPty(ctx context.Context, runtime ContainerRuntime, containerID string, opts ExecOptions) (*ContainerPty, error) {
	stream, err := runtime.OpenExec(ctx, containerID, opts)
	if err != nil {
		return nil, err
	}
	return &ContainerPty{
		runtime:     runtime,
		containerID: containerID,
		stream:      stream,
		demux:       NewExecStreamDemuxer(false),
	}, nil
}

// Read demultiplexes frames off the hijacked stream and returns the next
// available payload bytes, reading more off the wire as needed.
func (c *ContainerPty) Read(p []byte) (int, error) {
	for {
		c.mu.Lock()
		if len(c.pending) > 0 {
			chunk := c.pending[0]
			n := copy(p, chunk)
			if n < len(chunk) {
				c.pending[0] = chunk[n:]
			} else {
				c.pending = c.pending[1:]
			}
			c.mu.Unlock()
			return n, nil
		}
		c.mu.Unlock()

		buf := make([]byte, 32*1024)
		n, err := c.stream.Reader.Read(buf)
		if n > 0 {
			chunks := c.demux.Feed(buf[:n])
			if len(chunks) > 0 {
				c.mu.Lock()
				c.pending = append(c.pending, chunks...)
				c.mu.Unlock()
				continue
			}
		}
		if err != nil {
			c.signalExit(0)
			return 0, err
		}
	}
}

func (c *ContainerPty) Write(p []byte) error {
	c.mu.Lock()
	exited := c.exited
	c.mu.Unlock()
	if exited {
		return nil
	}
	_, err := c.stream.Conn.Write(p)
	return err
}

func (c *ContainerPty) Resize(cols, rows int) error {
	return c.runtime.ResizeExec(context.Background(), c.stream.ExecID, cols, rows)
}

func (c *ContainerPty) Kill() {
	c.mu.Lock()
	if c.killed {
		c.mu.Unlock()
		return
	}
	c.killed = true
	c.mu.Unlock()
	_ = c.stream.Conn.Close()
	c.demux.Close()
	c.signalExit(0)
}

func (c *ContainerPty) OnExit(fn func(code int)) {
	c.mu.Lock()
	exited := c.exited
	if !exited {
		c.onExit = fn
	}
	c.mu.Unlock()
	if exited {
		fn(0)
	}
}

func (c *ContainerPty) signalExit(code int) {
	c.mu.Lock()
	c.exited = true
	fn := c.onExit
	c.mu.Unlock()
	c.exitOnce.Do(func() {
		if fn != nil {
			fn(code)
		}
	})
}
