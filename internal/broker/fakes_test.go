package broker

import (
	"context"
	"errors"
	"sync"
)

// fakePty is an in-memory PtyHandle used by broker tests in place of a
// real HostPty/ContainerPty. Writes are recorded; output is delivered to
// the reader by pushing chunks onto outCh from the test.
type fakePty struct {
	mu      sync.Mutex
	writes  [][]byte
	outCh   chan []byte
	killed  bool
	onExit  func(code int)
	resizes [][2]int
}

func newFakePty() *fakePty {
	return &fakePty{outCh: make(chan []byte, 64)}
}

func (p *fakePty) Read(buf []byte) (int, error) {
	chunk, ok := <-p.outCh
	if !ok {
		return 0, errors.New("pty closed")
	}
	n := copy(buf, chunk)
	return n, nil
}

func (p *fakePty) Write(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.killed {
		return nil
	}
	cp := append([]byte(nil), b...)
	p.writes = append(p.writes, cp)
	return nil
}

func (p *fakePty) Resize(cols, rows int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resizes = append(p.resizes, [2]int{cols, rows})
	return nil
}

func (p *fakePty) Kill() {
	p.mu.Lock()
	if p.killed {
		p.mu.Unlock()
		return
	}
	p.killed = true
	fn := p.onExit
	p.mu.Unlock()
	close(p.outCh)
	if fn != nil {
		fn(0)
	}
}

func (p *fakePty) OnExit(fn func(code int)) {
	p.mu.Lock()
	p.onExit = fn
	p.mu.Unlock()
}

// push delivers a chunk to the reader task, simulating shell output.
func (p *fakePty) push(b []byte) {
	p.outCh <- b
}

// fakeSpawner hands out a fresh fakePty per Spawn call and remembers
// each one so the test can push output / assert writes.
type fakeSpawner struct {
	mu       sync.Mutex
	spawned  []*fakePty
	spawnErr error
}

func (s *fakeSpawner) Spawn(opts SpawnOptions) (PtyHandle, error) {
	if s.spawnErr != nil {
		return nil, s.spawnErr
	}
	p := newFakePty()
	s.mu.Lock()
	s.spawned = append(s.spawned, p)
	s.mu.Unlock()
	return p, nil
}

func (s *fakeSpawner) last() *fakePty {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawned[len(s.spawned)-1]
}

// fakeIdentity resolves every token to a fixed userID, or fails if the
// token is not in the map.
type fakeIdentity struct {
	tokens map[string]string
}

func (f *fakeIdentity) Verify(ctx context.Context, token string) (string, error) {
	userID, ok := f.tokens[token]
	if !ok {
		return "", errors.New("unknown token")
	}
	return userID, nil
}
