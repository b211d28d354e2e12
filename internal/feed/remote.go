package feed

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/r3labs/sse/v2"
)

// maxEventSize bounds one event line; a row with many items and comparisons stays well below it
const maxEventSize = 4 << 20

// Remote consumes the change stream served at {baseURL}/api/receipts/{id}/events.
// Dropped connections are retried with backoff; a refused (non-200) connection ends the stream.
type Remote struct {
	baseURL  string
	username string
	password string
	client   *http.Client
	logger   *slog.Logger
}

// NewRemote creates a Remote; empty credentials disable basic auth
func NewRemote(baseURL, username, password string, logger *slog.Logger) *Remote {
	if logger == nil {
		logger = slog.Default()
	}
	return &Remote{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		username: username,
		password: password,
		// no timeout: the stream stays open until cancelled
		client: &http.Client{},
		logger: logger,
	}
}

// Subscribe opens the stream and returns once the first event, the current row, has arrived,
// so nothing written before the call is missed. After a reconnect the server sends the current
// row again; consumers drop it by revision.
func (r *Remote) Subscribe(ctx context.Context, receiptID string) (<-chan Event, func(), error) {
	streamCtx, cancel := context.WithCancel(ctx)

	client := sse.NewClient(r.baseURL+"/api/receipts/"+url.PathEscape(receiptID)+"/events", sse.ClientMaxBufferSize(maxEventSize))
	client.Connection = r.client
	if r.username != "" || r.password != "" {
		client.Headers["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(r.username+":"+r.password))
	}

	var refusal error
	client.ResponseValidator = func(_ *sse.Client, resp *http.Response) error {
		if resp.StatusCode == http.StatusOK {
			return nil
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		refusal = fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		// cancelling stops the reconnect loop
		cancel()
		return refusal
	}

	events := make(chan Event)
	opened := make(chan struct{})
	done := make(chan struct{})
	var openOnce sync.Once

	go func() {
		defer close(done)
		defer close(events)

		err := client.SubscribeRawWithContext(streamCtx, func(msg *sse.Event) {
			openOnce.Do(func() { close(opened) })

			var ev Event
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				r.logger.Warn("Dropping undecodable change event", "receipt_id", receiptID, "error", err)
				return
			}
			select {
			case events <- ev:
			case <-streamCtx.Done():
			}
		})
		switch {
		case refusal != nil:
			r.logger.Warn("Change stream refused", "receipt_id", receiptID, "error", refusal)
		case err != nil && streamCtx.Err() == nil:
			r.logger.Warn("Change stream ended", "receipt_id", receiptID, "error", err)
		}
	}()

	select {
	case <-opened:
		return events, cancel, nil
	case <-done:
		cancel()
		if refusal != nil {
			return nil, nil, fmt.Errorf("opening change stream: %w", refusal)
		}
		return nil, nil, errors.New("opening change stream: closed before the current row arrived")
	}
}
