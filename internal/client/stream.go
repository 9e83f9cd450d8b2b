package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/liquidation-engine/internal/live"
	"github.com/atmx/liquidation-engine/internal/model"
)

const (
	reconnectWait = 2 * time.Second
	readWait      = 90 * time.Second
)

var _ live.Subscriber = (*Client)(nil)

type dialer interface {
	DialContext(ctx context.Context, urlStr string, h http.Header) (*websocket.Conn, *http.Response, error)
}

func newDialer(h *http.Client) *websocket.Dialer {
	d := *websocket.DefaultDialer
	if h != nil && h.Transport != nil {
		if t, ok := h.Transport.(*http.Transport); ok {
			d.Proxy = t.Proxy
			d.TLSClientConfig = t.TLSClientConfig
		}
	}
	return &d
}

func (c *Client) wsURL(contractID string) (string, error) {
	u, err := url.Parse(c.baseURL + "/api/v1/ws")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if contractID != "" {
		u.RawQuery = url.Values{"contractId": {contractID}}.Encode()
	}
	return u.String(), nil
}

// Subscribe implements live.Subscriber over the service's WebSocket. The
// first connection is made before it returns; afterwards dropped connections
// are redialed until ctx is done, at which point the channel is closed.
func (c *Client) Subscribe(ctx context.Context, contractID string) (<-chan model.Contract, error) {
	target, err := c.wsURL(contractID)
	if err != nil {
		return nil, err
	}
	conn, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	out := make(chan model.Contract, 16)
	go func() {
		defer close(out)
		for {
			c.readLoop(ctx, conn, out)
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("contract stream dropped, reconnecting", "contract_id", contractID)

			for {
				select {
				case <-ctx.Done():
					return
				case <-time.After(reconnectWait):
				}
				conn, _, err = c.dialer.DialContext(ctx, target, nil)
				if err == nil {
					break
				}
				c.logger.Warn("reconnect failed", "contract_id", contractID, "error", err)
			}
		}
	}()
	return out, nil
}

// readLoop forwards snapshots from conn until it fails or ctx is done. It
// always closes conn.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- model.Contract) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
			conn.Close()
		}
	}()

	// The server pings; every ping extends the read deadline.
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	for {
		var msg live.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil && !strings.Contains(err.Error(), "use of closed network connection") {
				c.logger.Debug("contract stream read failed", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readWait))
		if msg.Type != live.MessageTypeContract || msg.Contract == nil {
			continue
		}
		select {
		case out <- *msg.Contract:
		case <-ctx.Done():
			return
		}
	}
}
