package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/tonimelisma/fieldsync/sync"
)

// Reconnect backoff bounds for the change feed.
const (
	watchBaseBackoff = 2 * time.Second
	watchMaxBackoff  = 2 * time.Minute
)

// ChangeHint is a lightweight remote-change notification. It names what
// changed, not the new value; the shell reacts by scheduling a download
// pass rather than applying the hint directly.
type ChangeHint struct {
	Key        sync.RecordKey
	Revision   string
	ModifiedAt int64
}

// changeHintWire is the websocket message format.
type changeHintWire struct {
	EntityID   string `json:"entity_id"`
	Period     string `json:"period"`
	OrgUnit    string `json:"org_unit"`
	Category   string `json:"category"`
	Revision   string `json:"revision"`
	ModifiedAt int64  `json:"modified_at"`
}

// Watcher maintains a websocket subscription to the server's change feed
// and forwards hints to a channel. It reconnects with exponential backoff
// and never gives up until its context is canceled; a dropped feed only
// delays hints, it never loses data, because the download pass is
// checkpoint-driven.
type Watcher struct {
	url    string
	token  TokenSource
	logger *slog.Logger

	// dialFunc is swapped in tests to avoid a real websocket server.
	dialFunc func(ctx context.Context, url string, opts *websocket.DialOptions) (*websocket.Conn, *http.Response, error)
}

// NewWatcher creates a watcher for the given websocket URL (ws:// or
// wss://).
func NewWatcher(wsURL string, token TokenSource, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		url:      wsURL,
		token:    token,
		logger:   logger,
		dialFunc: websocket.Dial,
	}
}

// Run blocks, delivering hints until ctx is canceled. The hints channel
// is never closed by Run; sends are dropped if the receiver is gone only
// via ctx cancellation.
func (w *Watcher) Run(ctx context.Context, hints chan<- ChangeHint) error {
	backoff := watchBaseBackoff

	for {
		connected, err := w.runOnce(ctx, hints)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A dial that succeeded earns a fresh backoff budget; only
		// consecutive dial failures escalate toward the cap.
		if connected {
			backoff = watchBaseBackoff
		}

		w.logger.Warn("change feed disconnected, reconnecting",
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff *= 2
		if backoff > watchMaxBackoff {
			backoff = watchMaxBackoff
		}
	}
}

// runOnce dials and reads the feed until the connection fails. The
// connected return reports whether the dial succeeded, so the caller can
// reset its reconnect backoff.
func (w *Watcher) runOnce(ctx context.Context, hints chan<- ChangeHint) (connected bool, _ error) {
	tok, err := w.token.Token()
	if err != nil {
		return false, fmt.Errorf("remote: watch token: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+tok)
	header.Set("User-Agent", userAgent)

	conn, _, err := w.dialFunc(ctx, w.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return false, fmt.Errorf("remote: watch dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	w.logger.Info("change feed connected", slog.String("url", w.url))

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return true, fmt.Errorf("remote: watch read: %w", err)
		}

		var wire changeHintWire
		if err := json.Unmarshal(data, &wire); err != nil {
			w.logger.Warn("skipping malformed change hint", slog.String("error", err.Error()))
			continue
		}

		hint := ChangeHint{
			Key:        sync.NewRecordKey(wire.EntityID, wire.Period, wire.OrgUnit, wire.Category),
			Revision:   wire.Revision,
			ModifiedAt: wire.ModifiedAt,
		}

		select {
		case hints <- hint:
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}
