package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// Transport delivers a request to an agent and returns its response. A transport error
// means no response arrived; agent level failures travel inside Response.
type Transport interface {
	RoundTrip(ctx context.Context, req Request) (Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req Request) (Response, error)

func (f TransportFunc) RoundTrip(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// LocalTransport calls an in-process Server. The call is abandoned when ctx ends.
type LocalTransport struct {
	Server *Server
}

func NewLocalTransport(server *Server) *LocalTransport {
	return &LocalTransport{Server: server}
}

func (t *LocalTransport) RoundTrip(ctx context.Context, req Request) (Response, error) {
	if t == nil || t.Server == nil {
		return Response{}, fmt.Errorf("local agent server not configured")
	}
	done := make(chan Response, 1)
	go func() {
		done <- t.Server.Serve(ctx, req)
	}()
	select {
	case resp := <-done:
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// HTTPTransport posts JSON requests to an agent endpoint.
type HTTPTransport struct {
	URL    string
	Client *http.Client
}

func NewHTTPTransport(url string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{URL: url, Client: client}
}

func (t *HTTPTransport) RoundTrip(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode agent request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build agent request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := t.Client.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return Response{}, fmt.Errorf("agent endpoint returned %s: %s", httpResp.Status, bytes.TrimSpace(snippet))
	}
	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return Response{}, newError(ErrCodeMalformedResponse, "decode agent response", err, nil)
	}
	return resp, nil
}

// PortTransport speaks over an asynchronous message port: requests are handed to send
// and replies arrive later through Deliver, correlated by request id.
type PortTransport struct {
	send func(Request) error

	mu      sync.Mutex
	pending map[string]chan Response
}

func NewPortTransport(send func(Request) error) *PortTransport {
	return &PortTransport{
		send:    send,
		pending: make(map[string]chan Response),
	}
}

func (t *PortTransport) RoundTrip(ctx context.Context, req Request) (Response, error) {
	if req.ID == "" {
		return Response{}, fmt.Errorf("port request id required")
	}
	ch := make(chan Response, 1)
	t.mu.Lock()
	if _, exists := t.pending[req.ID]; exists {
		t.mu.Unlock()
		return Response{}, fmt.Errorf("port request %s already pending", req.ID)
	}
	t.pending[req.ID] = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, req.ID)
		t.mu.Unlock()
	}()

	if err := t.send(req); err != nil {
		return Response{}, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Deliver routes a reply to its waiting request. It reports false for late or
// uncorrelated replies, which are dropped.
func (t *PortTransport) Deliver(resp Response) bool {
	t.mu.Lock()
	ch, ok := t.pending[resp.ID]
	if ok {
		delete(t.pending, resp.ID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// Pending returns the number of requests awaiting a reply.
func (t *PortTransport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// NewStreamPort builds a PortTransport over newline delimited JSON: requests are written
// to w and replies read from r by ReadLoop.
func NewStreamPort(w io.Writer) *PortTransport {
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	return NewPortTransport(func(req Request) error {
		mu.Lock()
		defer mu.Unlock()
		return enc.Encode(req)
	})
}

// ReadLoop decodes replies from r and delivers them until r ends or ctx is done.
func (t *PortTransport) ReadLoop(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}
		t.Deliver(resp)
	}
	return scanner.Err()
}
