package loadtest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/studyhub/matchmaking/internal/protocol"
)

// Client is one simulated user: a gateway connection plus the token used for
// HTTP calls.
type Client struct {
	UserID string

	conn      net.Conn
	r         io.Reader
	token     string
	apiURL    string
	http      *http.Client
	connected chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	handlers map[string]func(json.RawMessage)

	ConnectLatency time.Duration
}

// Dial opens a gateway connection for userID. gatewayURL is the ws:// URL of
// the /ws endpoint; apiURL is the base http:// URL of the matchmaker.
func Dial(ctx context.Context, gatewayURL, apiURL, userID, token string) (*Client, error) {
	u, err := url.Parse(gatewayURL)
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	c := &Client{
		UserID:         userID,
		conn:           conn,
		r:              conn,
		token:          token,
		apiURL:         apiURL,
		http:           &http.Client{Timeout: 10 * time.Second},
		connected:      make(chan struct{}),
		done:           make(chan struct{}),
		handlers:       make(map[string]func(json.RawMessage)),
		ConnectLatency: time.Since(start),
	}
	if br != nil {
		// The connected frame can arrive in the same read as the handshake
		// response.
		c.r = br
	}
	go c.readLoop()
	return c, nil
}

// On registers the handler for frames of msgType. Handlers run on the read
// goroutine and receive the frame payload.
func (c *Client) On(msgType string, handler func(payload json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// WaitConnected blocks until the gateway confirmed the connection.
func (c *Client) WaitConnected(ctx context.Context) error {
	select {
	case <-c.connected:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed before it was confirmed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join asks the matchmaker to queue this user.
func (c *Client) Join(ctx context.Context, mode string) error {
	return c.post(ctx, "/api/matching/join", map[string]string{"match_mode": mode})
}

// Leave removes this user from the queue.
func (c *Client) Leave(ctx context.Context) error {
	return c.post(ctx, "/api/matching/leave", nil)
}

// End ends the session on behalf of this user.
func (c *Client) End(ctx context.Context, sessionID string) error {
	return c.post(ctx, "/api/matching/end", map[string]string{"sessionId": sessionID})
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}
	return nil
}

// Close closes the connection. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		data, err := wsutil.ReadServerText(struct {
			io.Reader
			io.Writer
		}{c.r, c.conn})
		if err != nil {
			return
		}

		var frame protocol.ServerFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Type == protocol.TypeConnected {
			select {
			case <-c.connected:
			default:
				close(c.connected)
			}
		}

		c.mu.Lock()
		handler := c.handlers[frame.Type]
		c.mu.Unlock()
		if handler != nil {
			handler(frame.Payload)
		}
	}
}
