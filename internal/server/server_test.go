package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/hostagent/internal/filehandler"
	"github.com/sheerbytes/hostagent/internal/metrics"
	"github.com/sheerbytes/hostagent/internal/peers"
	"github.com/sheerbytes/hostagent/internal/wsclient"
	"github.com/sheerbytes/hostagent/pkg/protocol"
)

type testAgent struct {
	ts    *httptest.Server
	wsURL string
}

func startAgent(t *testing.T, opts Options) *testAgent {
	t.Helper()
	reg := prom.NewRegistry()
	rec := metrics.NewPrometheusRecorder(reg)
	if opts.Metrics == nil {
		opts.Metrics = metrics.HTTPHandler(reg)
	}

	hub := peers.NewHub(nil)
	h := filehandler.New(filehandler.Config{}, hub, nil, rec)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Run(ctx)
	}()

	ts := httptest.NewServer(New(h, hub, nil, opts).Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-done
	})
	return &testAgent{ts: ts, wsURL: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"}
}

func dial(t *testing.T, a *testAgent, onEnv func(protocol.Envelope)) *wsclient.Conn {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	conn, err := wsclient.Dial(ctx, a.wsURL, nil)
	require.NoError(t, err)
	go func() { _ = conn.ReadLoop(ctx, onEnv) }()
	t.Cleanup(func() {
		cancel()
		_ = conn.Close()
	})
	return conn
}

func collect(t *testing.T, a *testAgent) (*wsclient.Conn, <-chan protocol.Envelope) {
	t.Helper()
	ch := make(chan protocol.Envelope, 64)
	conn := dial(t, a, func(env protocol.Envelope) { ch <- env })
	return conn, ch
}

func next(t *testing.T, ch <-chan protocol.Envelope, msgType string) protocol.Envelope {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case env := <-ch:
			if env.Type == msgType {
				return env
			}
		case <-deadline:
			t.Fatalf("no %s envelope received", msgType)
		}
	}
}

func TestServer_UploadEndToEnd(t *testing.T) {
	a := startAgent(t, Options{MaxSlots: 20})
	dest := filepath.Join(t.TempDir(), "motd")
	require.NoError(t, os.WriteFile(dest, []byte("old"), 0644))

	var up atomic.Pointer[wsclient.Uploader]
	conn := dial(t, a, func(env protocol.Envelope) {
		if u := up.Load(); u != nil {
			u.Handle(env)
		}
	})
	up.Store(wsclient.NewUploader(conn, 4))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data := []byte("welcome to the host\n")
	require.NoError(t, up.Load().Upload(ctx, dest, data, []string{"BackupExistingFile=.bak"}))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, data, got)
	backup, err := os.ReadFile(dest + ".bak")
	require.NoError(t, err)
	require.Equal(t, "old", string(backup))
}

func TestServer_HelloOnConnect(t *testing.T) {
	a := startAgent(t, Options{MaxSlots: 7})
	conn, ch := collect(t, a)

	env := next(t, ch, protocol.TypeHello)
	var hello protocol.Hello
	require.NoError(t, env.DecodePayload(&hello))
	require.Equal(t, 7, hello.MaxSlots)
	require.NotEmpty(t, hello.ConnID)

	seen, ok := conn.Hello()
	require.True(t, ok)
	require.Equal(t, hello, seen)
}

func TestServer_RegisterRejections(t *testing.T) {
	a := startAgent(t, Options{})
	conn, ch := collect(t, a)
	dest := filepath.Join(t.TempDir(), "f")

	msgID, err := conn.RegisterTransfer(protocol.RegisterTransfer{Path: "relative/f", TotalChunks: 1})
	require.NoError(t, err)
	env := next(t, ch, protocol.TypeRegisterResult)
	require.Equal(t, msgID, env.ReplyTo)
	var res protocol.RegisterResult
	require.NoError(t, env.DecodePayload(&res))
	require.False(t, res.OK)
	require.Equal(t, protocol.CodeInvalidPayload, res.Code)

	_, err = conn.RegisterTransfer(protocol.RegisterTransfer{Path: dest, TotalChunks: 1, Options: []string{"Bogus=1"}})
	require.NoError(t, err)
	require.NoError(t, next(t, ch, protocol.TypeRegisterResult).DecodePayload(&res))
	require.Equal(t, protocol.CodeInvalidPayload, res.Code)

	_, err = conn.RegisterTransfer(protocol.RegisterTransfer{Path: dest, Size: 1, TotalChunks: 1})
	require.NoError(t, err)
	require.NoError(t, next(t, ch, protocol.TypeRegisterResult).DecodePayload(&res))
	require.True(t, res.OK)

	_, err = conn.RegisterTransfer(protocol.RegisterTransfer{Path: dest, Size: 1, TotalChunks: 1})
	require.NoError(t, err)
	require.NoError(t, next(t, ch, protocol.TypeRegisterResult).DecodePayload(&res))
	require.False(t, res.OK)
	require.Equal(t, protocol.CodeTransferInProcess, res.Code)
}

func TestServer_RegisterRateLimited(t *testing.T) {
	a := startAgent(t, Options{RegisterRate: 0.001, RegisterBurst: 1})
	conn, ch := collect(t, a)
	dir := t.TempDir()

	_, err := conn.RegisterTransfer(protocol.RegisterTransfer{Path: filepath.Join(dir, "a"), Size: 1, TotalChunks: 1})
	require.NoError(t, err)
	var res protocol.RegisterResult
	require.NoError(t, next(t, ch, protocol.TypeRegisterResult).DecodePayload(&res))
	require.True(t, res.OK)

	_, err = conn.RegisterTransfer(protocol.RegisterTransfer{Path: filepath.Join(dir, "b"), Size: 1, TotalChunks: 1})
	require.NoError(t, err)
	require.NoError(t, next(t, ch, protocol.TypeRegisterResult).DecodePayload(&res))
	require.False(t, res.OK)
	require.Equal(t, protocol.CodeRateLimited, res.Code)
}

func TestServer_UnsupportedType(t *testing.T) {
	a := startAgent(t, Options{})
	conn, ch := collect(t, a)

	env, err := protocol.NewEnvelope("reboot", protocol.NewMsgID(), nil)
	require.NoError(t, err)
	require.NoError(t, conn.Send(env))

	reply := next(t, ch, protocol.TypeError)
	require.Equal(t, env.MsgID, reply.ReplyTo)
	var perr protocol.Error
	require.NoError(t, reply.DecodePayload(&perr))
	require.Equal(t, protocol.CodeUnsupportedType, perr.Code)
}

func TestServer_StatusAndHealth(t *testing.T) {
	a := startAgent(t, Options{})
	conn, ch := collect(t, a)
	dest := filepath.Join(t.TempDir(), "pending")

	_, err := conn.RegisterTransfer(protocol.RegisterTransfer{Path: dest, Size: 8, TotalChunks: 2})
	require.NoError(t, err)
	next(t, ch, protocol.TypeRegisterResult)

	req, err := protocol.NewEnvelope(protocol.TypeStatusRequest, protocol.NewMsgID(), nil)
	require.NoError(t, err)
	require.NoError(t, conn.Send(req))
	var status protocol.Status
	require.NoError(t, next(t, ch, protocol.TypeStatus).DecodePayload(&status))
	require.Equal(t, []string{dest}, status.Active)
	require.Equal(t, 1, status.Senders)

	resp, err := http.Get(a.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	require.True(t, health["ok"])

	resp2, err := http.Get(a.ts.URL + "/status")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var httpStatus protocol.Status
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&httpStatus))
	require.Equal(t, []string{dest}, httpStatus.Active)
}

func TestServer_Metrics(t *testing.T) {
	a := startAgent(t, Options{})
	conn, ch := collect(t, a)

	_, err := conn.RegisterTransfer(protocol.RegisterTransfer{Path: filepath.Join(t.TempDir(), "m"), Size: 1, TotalChunks: 1})
	require.NoError(t, err)
	next(t, ch, protocol.TypeRegisterResult)

	resp, err := http.Get(a.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "hostagent_transfers_started_total 1")
}
