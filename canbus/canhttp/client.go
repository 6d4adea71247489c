package canhttp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/w1xm/gimbal_interface/canbus"
	"golang.org/x/sync/errgroup"
)

// Client is a canbus.Bus backed by a remote Server.
type Client struct {
	canbus.Mux

	baseURL  string
	password string
	http     *http.Client
	log      zerolog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// Dial opens the frame stream of the server at baseURL. The stream is
// reopened in the background if it drops.
func Dial(ctx context.Context, baseURL, password string, log zerolog.Logger) (*Client, error) {
	c := &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		password: password,
		http:     &http.Client{Timeout: 5 * time.Second},
		log:      log.With().Str("remote", baseURL).Logger(),
		done:     make(chan struct{}),
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	ctx, c.cancel = context.WithCancel(ctx)
	go c.reconnectLoop(ctx, conn)
	return c, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.baseURL + "/api/frames")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	header := http.Header{}
	header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(":"+c.password)))
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", u, err)
	}
	return conn, nil
}

func (c *Client) reconnectLoop(ctx context.Context, conn *websocket.Conn) {
	defer close(c.done)
	defer c.Shutdown()
	for {
		if conn != nil {
			c.log.Info().Msg("frame stream opened")
			if err := c.watch(ctx, conn); err != nil && ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("frame stream dropped")
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(1 * time.Second):
		}
		var err error
		if conn, err = c.dial(ctx); err != nil {
			c.log.Warn().Err(err).Msg("reopening frame stream")
		}
	}
}

func (c *Client) watch(ctx context.Context, conn *websocket.Conn) error {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Wait for context to be canceled, then close connection.
		<-ctx.Done()
		return conn.Close()
	})
	g.Go(func() error {
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			f, err := canbus.ParseFrame(string(msg))
			if err != nil {
				c.log.Debug().Err(err).Msg("skipping remote frame")
				continue
			}
			c.Publish(f)
		}
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Client) Transmit(ctx context.Context, f canbus.Frame) error {
	if c.IsClosed() {
		return canbus.ErrClosed
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/send", bytes.NewBufferString(f.String()))
	if err != nil {
		return err
	}
	req.SetBasicAuth("", c.password)
	req.Header.Set("Content-Type", "text/plain")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status code: %s\n%s", resp.Status, string(body))
	}
	var sendResponse SendResponse
	if err := json.Unmarshal(body, &sendResponse); err != nil {
		return err
	}
	if sendResponse.Error != "" {
		return errors.New(sendResponse.Error)
	}
	return nil
}

func (c *Client) Close() error {
	c.cancel()
	<-c.done
	return nil
}
