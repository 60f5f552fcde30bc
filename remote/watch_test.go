package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsURL converts an httptest server URL to its websocket form.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWatcherDeliversHints(t *testing.T) {
	t.Parallel()

	hintWire := changeHintWire{
		EntityID:   "e1",
		Period:     "2026Q1",
		OrgUnit:    "clinic-7",
		Category:   "default",
		Revision:   "rev-3",
		ModifiedAt: 12345,
	}

	gotAuth := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		data, _ := json.Marshal(hintWire)
		if err := conn.Write(r.Context(), websocket.MessageText, data); err != nil {
			return
		}

		// Hold the connection open until the client goes away.
		conn.Read(r.Context()) //nolint:errcheck // read is only for liveness
	}))
	t.Cleanup(srv.Close)

	w := NewWatcher(wsURL(srv), staticToken("test-token"), testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hints := make(chan ChangeHint, 1)
	done := make(chan error, 1)

	go func() {
		done <- w.Run(ctx, hints)
	}()

	select {
	case hint := <-hints:
		assert.Equal(t, testKey("e1"), hint.Key)
		assert.Equal(t, "rev-3", hint.Revision)
		assert.Equal(t, int64(12345), hint.ModifiedAt)
	case <-time.After(5 * time.Second):
		t.Fatal("no hint delivered")
	}

	assert.Equal(t, "Bearer test-token", <-gotAuth)

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop on cancellation")
	}
}

func TestWatcherSkipsMalformedHints(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		conn.Write(r.Context(), websocket.MessageText, []byte("not json")) //nolint:errcheck

		data, _ := json.Marshal(changeHintWire{
			EntityID: "e2", Period: "2026Q1", OrgUnit: "clinic-7", Category: "default",
		})
		conn.Write(r.Context(), websocket.MessageText, data) //nolint:errcheck

		conn.Read(r.Context()) //nolint:errcheck // hold open
	}))
	t.Cleanup(srv.Close)

	w := NewWatcher(wsURL(srv), staticToken("test-token"), testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hints := make(chan ChangeHint, 1)

	go w.Run(ctx, hints) //nolint:errcheck // stopped via cancel

	select {
	case hint := <-hints:
		// The malformed frame was skipped; the valid one came through.
		assert.Equal(t, testKey("e2"), hint.Key)
	case <-time.After(5 * time.Second):
		t.Fatal("valid hint never delivered")
	}
}

func TestWatcherReconnectsAfterDrop(t *testing.T) {
	t.Parallel()

	dials := make(chan struct{}, 8)

	w := NewWatcher("ws://unused", staticToken("test-token"), testLogger(t))
	w.dialFunc = func(ctx context.Context, url string, opts *websocket.DialOptions) (*websocket.Conn, *http.Response, error) {
		dials <- struct{}{}
		return nil, nil, errors.New("connection refused")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- w.Run(ctx, make(chan ChangeHint))
	}()

	// First dial happens immediately, the second after the base backoff.
	for i := 0; i < 2; i++ {
		select {
		case <-dials:
		case <-time.After(2*watchBaseBackoff + time.Second):
			t.Fatalf("dial %d never happened", i+1)
		}
	}

	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop on cancellation")
	}
}

func TestRunOnceReportsDialOutcome(t *testing.T) {
	t.Parallel()

	// A feed that connects and then drops must report connected, so the
	// reconnect loop restarts from the base backoff instead of keeping an
	// escalated delay from before the connection.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		conn.Close(websocket.StatusNormalClosure, "")
	}))
	t.Cleanup(srv.Close)

	w := NewWatcher(wsURL(srv), staticToken("test-token"), testLogger(t))

	connected, err := w.runOnce(context.Background(), make(chan ChangeHint, 1))
	assert.True(t, connected)
	assert.Error(t, err)

	// A dial failure must not report connected.
	w.dialFunc = func(ctx context.Context, url string, opts *websocket.DialOptions) (*websocket.Conn, *http.Response, error) {
		return nil, nil, errors.New("connection refused")
	}

	connected, err = w.runOnce(context.Background(), make(chan ChangeHint, 1))
	assert.False(t, connected)
	assert.Error(t, err)
}

func TestLimiterNilIsUnlimited(t *testing.T) {
	t.Parallel()

	var l *Limiter

	assert.Nil(t, NewLimiter(0, testLogger(t)))
	assert.Nil(t, l.WrapReader(context.Background(), nil))

	r := strings.NewReader("payload")
	assert.Same(t, r, l.WrapReader(context.Background(), r))
}

func TestLimiterWrapsReads(t *testing.T) {
	t.Parallel()

	// A generous limit so the test never actually blocks.
	l := NewLimiter(1<<20, testLogger(t))
	require.NotNil(t, l)

	wrapped := l.WrapReader(context.Background(), strings.NewReader("0123456789"))

	buf := make([]byte, 4)
	n, err := wrapped.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "0123", string(buf[:n]))
}
