package filehandler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/hostagent/internal/control"
	"github.com/sheerbytes/hostagent/internal/upload"
)

type notice struct {
	kind   string
	path   string
	index  uint64
	reason string
}

type fakePublisher struct {
	mu      sync.Mutex
	notices []notice
}

func (p *fakePublisher) ChunkRequest(path string, index uint64) {
	p.record(notice{kind: "request", path: path, index: index})
}

func (p *fakePublisher) Done(path string) {
	p.record(notice{kind: "done", path: path})
}

func (p *fakePublisher) Failed(path, reason string) {
	p.record(notice{kind: "failed", path: path, reason: reason})
}

func (p *fakePublisher) record(n notice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notices = append(p.notices, n)
}

func (p *fakePublisher) find(kind, path string) (notice, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range p.notices {
		if n.kind == kind && n.path == path {
			return n, true
		}
	}
	return notice{}, false
}

func (p *fakePublisher) count(kind string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := 0
	for _, n := range p.notices {
		if n.kind == kind {
			c++
		}
	}
	return c
}

func (p *fakePublisher) countFor(kind, path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := 0
	for _, n := range p.notices {
		if n.kind == kind && n.path == path {
			c++
		}
	}
	return c
}

func startHandler(t *testing.T, cfg Config) (*Handler, *fakePublisher) {
	t.Helper()
	pub := &fakePublisher{}
	h := New(cfg, pub, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("handler did not stop")
		}
	})
	return h, pub
}

func TestHandler_EndToEnd(t *testing.T) {
	h, pub := startHandler(t, Config{})
	ctx := context.Background()
	dest := filepath.Join(t.TempDir(), "x")
	content := []byte("hello, world")

	err := h.Register(ctx, upload.Request{
		Path:        dest,
		Hash:        xxhash.Sum64(content),
		Size:        uint64(len(content)),
		TotalChunks: 3,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return pub.count("request") == 3 }, 2*time.Second, 5*time.Millisecond)

	for _, i := range []uint64{0, 2, 1} {
		require.NoError(t, h.Deliver(ctx, control.Chunk{Path: dest, Index: i, Data: content[i*4 : i*4+4]}))
	}

	require.Eventually(t, func() bool {
		_, ok := pub.find("done", dest)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, content, got)
	require.Empty(t, h.Active())
}

func TestHandler_DuplicateRegistrationRejected(t *testing.T) {
	h, _ := startHandler(t, Config{})
	ctx := context.Background()
	dest := filepath.Join(t.TempDir(), "x")
	req := upload.Request{Path: dest, Size: 4, TotalChunks: 1}

	require.NoError(t, h.Register(ctx, req))
	err := h.Register(ctx, req)
	require.ErrorIs(t, err, ErrTransferInProgress)
	require.Equal(t, []string{dest}, h.Active())
}

func TestHandler_RegisterDirectoryFails(t *testing.T) {
	h, _ := startHandler(t, Config{})
	err := h.Register(context.Background(), upload.Request{Path: t.TempDir(), TotalChunks: 1})
	require.ErrorIs(t, err, upload.ErrFileIsDirectory)
}

func TestHandler_ZeroChunkTransfer(t *testing.T) {
	h, pub := startHandler(t, Config{})
	dest := filepath.Join(t.TempDir(), "empty")

	require.NoError(t, h.Register(context.Background(), upload.Request{
		Path: dest,
		Hash: xxhash.Sum64(nil),
	}))
	require.Eventually(t, func() bool {
		_, ok := pub.find("done", dest)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	info, err := os.Stat(dest)
	require.NoError(t, err)
	require.Zero(t, info.Size())
}

func TestHandler_HashMismatchFailsWithoutRetry(t *testing.T) {
	h, pub := startHandler(t, Config{})
	ctx := context.Background()
	dest := filepath.Join(t.TempDir(), "x")

	require.NoError(t, h.Register(ctx, upload.Request{Path: dest, Hash: 1, Size: 4, TotalChunks: 1}))
	require.NoError(t, h.Deliver(ctx, control.Chunk{Path: dest, Index: 0, Data: []byte("abcd")}))

	require.Eventually(t, func() bool {
		_, ok := pub.find("failed", dest)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	n, _ := pub.find("failed", dest)
	require.Contains(t, n.reason, upload.ErrFileHashMismatch.Error())
	require.Equal(t, 1, pub.count("request"))
	_, err := os.Stat(dest)
	require.True(t, os.IsNotExist(err))
}

func TestHandler_RetryBudgetExhausted(t *testing.T) {
	h, pub := startHandler(t, Config{SpillThreshold: 0})
	ctx := context.Background()
	dir := t.TempDir()
	// The spill directory name for this destination exceeds NAME_MAX, so
	// every out-of-order chunk fails to buffer.
	dest := filepath.Join(dir, strings.Repeat("f", 248))

	require.NoError(t, h.Register(ctx, upload.Request{Path: dest, Size: 8, TotalChunks: 2}))

	for i := 0; i < upload.MaxAttempts; i++ {
		require.NoError(t, h.Deliver(ctx, control.Chunk{Path: dest, Index: 1, Data: []byte("abcd")}))
	}
	require.Eventually(t, func() bool { return pub.count("request") == 2+upload.MaxAttempts }, 2*time.Second, 5*time.Millisecond)
	_, failed := pub.find("failed", dest)
	require.False(t, failed)
	require.Equal(t, []string{dest}, h.Active())

	require.NoError(t, h.Deliver(ctx, control.Chunk{Path: dest, Index: 1, Data: []byte("abcd")}))
	require.Eventually(t, func() bool {
		_, ok := pub.find("failed", dest)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	n, _ := pub.find("failed", dest)
	require.Contains(t, n.reason, ErrRetriesExhausted.Error())
	require.Equal(t, 2+upload.MaxAttempts, pub.count("request"))
	require.Empty(t, h.Active())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestHandler_UnknownPathIgnored(t *testing.T) {
	h, pub := startHandler(t, Config{})
	require.NoError(t, h.Deliver(context.Background(), control.Chunk{Path: "/nowhere", Index: 0, Data: []byte("x")}))

	dest := filepath.Join(t.TempDir(), "x")
	require.NoError(t, h.Register(context.Background(), upload.Request{Path: dest, Size: 1, TotalChunks: 1}))
	require.Eventually(t, func() bool { return pub.count("request") == 1 }, 2*time.Second, 5*time.Millisecond)
	_, ok := pub.find("failed", "/nowhere")
	require.False(t, ok)
}

func TestHandler_ShutdownAbortsTransfers(t *testing.T) {
	pub := &fakePublisher{}
	h := New(Config{}, pub, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.Run(ctx) }()

	dir := t.TempDir()
	dest := filepath.Join(dir, "x")
	require.NoError(t, h.Register(context.Background(), upload.Request{Path: dest, Size: 8, TotalChunks: 2}))

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not stop")
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
	require.ErrorIs(t, h.Register(context.Background(), upload.Request{Path: dest, TotalChunks: 1}), ErrStopped)
}

func TestHandler_ReregisterRightAfterCompletion(t *testing.T) {
	pub := &fakePublisher{}
	h := New(Config{MaxSlots: 1}, pub, nil, nil)
	ctx := context.Background()
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	content := []byte("abcd")
	req := func(path string) upload.Request {
		return upload.Request{Path: path, Hash: xxhash.Sum64(content), Size: 4, TotalChunks: 1}
	}
	// flow runs the scheduler over everything queued so far, in order.
	flow := func() {
		for {
			select {
			case msg := <-h.flowCh:
				h.sched.Handle(msg)
			default:
				return
			}
		}
	}

	for _, path := range []string{a, b} {
		require.NoError(t, h.open(req(path)))
		require.NoError(t, h.seed(ctx, req(path)))
	}
	flow()
	require.Equal(t, 1, pub.countFor("request", a))
	require.Equal(t, 0, pub.countFor("request", b))

	// a completes, and a new transfer to a is registered before the flow
	// loop has seen the completion.
	require.NoError(t, h.ingest(ctx, control.Chunk{Path: a, Index: 0, Data: content}))
	require.NoError(t, h.open(req(a)))
	require.NoError(t, h.seed(ctx, req(a)))
	flow()
	require.Equal(t, 1, pub.countFor("done", a))
	require.Equal(t, 1, pub.countFor("request", b))

	require.NoError(t, h.ingest(ctx, control.Chunk{Path: b, Index: 0, Data: content}))
	flow()
	require.Equal(t, 2, pub.countFor("request", a), "second transfer of a was never requested")

	require.NoError(t, h.ingest(ctx, control.Chunk{Path: a, Index: 0, Data: content}))
	flow()
	require.Equal(t, 2, pub.countFor("done", a))
	require.Equal(t, 1, pub.countFor("done", b))
	require.Empty(t, h.Active())
	require.Equal(t, 0, h.sched.Backlog())
	require.Equal(t, 1, h.sched.Available())
}

func TestHandler_ChunkCountValidatedAndSeededInOneStep(t *testing.T) {
	h, pub := startHandler(t, Config{})
	dir := t.TempDir()

	err := h.Register(context.Background(), upload.Request{Path: filepath.Join(dir, "bogus"), TotalChunks: 20_000_000})
	require.ErrorIs(t, err, upload.ErrInvalidChunkCount)

	huge := filepath.Join(dir, "huge")
	require.NoError(t, h.Register(context.Background(), upload.Request{Path: huge, Size: 1 << 40, TotalChunks: 1 << 30}))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.NoError(t, h.Register(ctx, upload.Request{Path: filepath.Join(dir, "next"), Size: 1, TotalChunks: 1}))

	require.Eventually(t, func() bool { return pub.countFor("request", huge) == 20 }, 2*time.Second, 5*time.Millisecond)
}
