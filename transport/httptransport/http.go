// Package httptransport implements the client side of the tool protocol
// over HTTP: each message is a POST of one JSON-RPC frame, answered by a
// JSON body or, for long operations, a server-sent event stream whose
// data events carry frames.
package httptransport

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolgate/transport"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolgate", "httptransport")

// Error classification markers. Network-level failures (connection
// refused, timeouts, non-2xx status) are marked ErrNetwork; syntactically
// invalid response bodies are marked ErrProtocol. Tool-reported failures
// travel as ordinary JSON-RPC error frames and are not transport errors.
var (
	ErrNetwork  = errors.New("network error")
	ErrProtocol = errors.New("protocol error")
)

// maxResponseSize bounds a single response body.
const maxResponseSize = 16 * 1024 * 1024

// Transport is a stateless client transport for one HTTP tool endpoint.
type Transport struct {
	url     string
	client  *http.Client
	headers map[string]string

	mu             sync.RWMutex
	messageHandler func(ctx context.Context, message *transport.Message)
	closeHandler   func()
	closeOnce      sync.Once
}

// New creates a transport for the given endpoint URL.
func New(url string) *Transport {
	return &Transport{
		url:     url,
		client:  http.DefaultClient,
		headers: make(map[string]string),
	}
}

// WithHTTPClient overrides the HTTP client, for timeouts or transports.
func (t *Transport) WithHTTPClient(client *http.Client) *Transport {
	t.client = client
	return t
}

// WithHeader adds a header to every request, such as authorization.
func (t *Transport) WithHeader(key, value string) *Transport {
	t.headers[key] = value
	return t
}

// Start implements transport.Transport. The transport is stateless, so
// there is nothing to establish.
func (t *Transport) Start(ctx context.Context) error {
	return nil
}

// Send implements transport.Transport: POST the frame and feed whatever
// frames come back to the message handler.
func (t *Transport) Send(ctx context.Context, message *transport.Message) error {
	bs, err := message.MarshalJSON()
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(bs))
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "endpoint %s unreachable", t.url), ErrNetwork)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.Mark(
			errors.Errorf("endpoint %s returned status %d: %s", t.url, resp.StatusCode, strings.TrimSpace(string(body))),
			ErrNetwork)
	}

	// Notifications carry no response to correlate.
	if message.Type == transport.MessageTypeNotification {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return nil
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "text/event-stream") {
		return t.consumeEventStream(ctx, resp.Body)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return errors.Mark(errors.Wrap(err, "failed to read response body"), ErrNetwork)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return errors.Mark(errors.Errorf("endpoint %s returned an empty response", t.url), ErrProtocol)
	}
	return t.deliver(ctx, body)
}

// consumeEventStream reads SSE data events, delivering each embedded
// frame. Partial results and the final response all arrive as frames;
// correlation by id routes them.
func (t *Transport) consumeEventStream(ctx context.Context, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxResponseSize)

	var data bytes.Buffer
	delivered := false
	flush := func() error {
		if data.Len() == 0 {
			return nil
		}
		defer data.Reset()
		if err := t.deliver(ctx, data.Bytes()); err != nil {
			return err
		}
		delivered = true
		return nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// event/id/retry fields are irrelevant here
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Mark(errors.Wrap(err, "event stream read failed"), ErrNetwork)
	}
	if err := flush(); err != nil {
		return err
	}
	if !delivered {
		return errors.Mark(errors.Errorf("event stream carried no frames"), ErrProtocol)
	}
	return nil
}

func (t *Transport) deliver(ctx context.Context, body []byte) error {
	msg, err := transport.Decode(body)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "malformed response"), ErrProtocol)
	}

	t.mu.RLock()
	handler := t.messageHandler
	t.mu.RUnlock()
	if handler == nil {
		logger.KV(xlog.DEBUG, "url", t.url, "reason", "no message handler")
		return nil
	}
	handler(ctx, msg)
	return nil
}

// Close implements transport.Transport: there is no connection state to
// tear down beyond idle keep-alives.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.client.CloseIdleConnections()
		t.mu.RLock()
		handler := t.closeHandler
		t.mu.RUnlock()
		if handler != nil {
			handler()
		}
	})
	return nil
}

// SetMessageHandler implements transport.Transport.
func (t *Transport) SetMessageHandler(handler func(ctx context.Context, message *transport.Message)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageHandler = handler
}

// SetErrorHandler implements transport.Transport. Every failure of this
// transport surfaces synchronously from Send, so there are no
// out-of-band errors to report.
func (t *Transport) SetErrorHandler(func(error)) {
}

// SetCloseHandler implements transport.Transport.
func (t *Transport) SetCloseHandler(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeHandler = handler
}

var _ transport.Transport = (*Transport)(nil)
