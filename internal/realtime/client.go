package realtime

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultAPIVersion  = "2024-10-01-preview"
	defaultEventBuffer = 256
	// 200ms of 24kHz mono PCM16.
	audioChunkBytes = 9600
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("realtime session closed")

// Config describes how to reach an Azure OpenAI realtime deployment.
type Config struct {
	Endpoint    string
	APIKey      string
	Deployment  string
	APIVersion  string
	EventBuffer int
	Dialer      *websocket.Dialer
}

// URL returns the websocket URL for the configured deployment.
func (c Config) URL() (string, error) {
	u, err := url.Parse(strings.TrimSpace(c.Endpoint))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("endpoint host is required")
	}
	if strings.TrimSpace(c.Deployment) == "" {
		return "", fmt.Errorf("deployment is required")
	}
	apiVersion := strings.TrimSpace(c.APIVersion)
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/openai/realtime"
	q := u.Query()
	q.Set("api-version", apiVersion)
	q.Set("deployment", c.Deployment)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Client is one realtime conversation session over a websocket.
type Client struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	updates   chan Update

	errMu   sync.Mutex
	readErr error
}

// Dial opens a realtime session and starts decoding server events.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	wsURL, err := cfg.URL()
	if err != nil {
		return nil, fmt.Errorf("build realtime url: %w", err)
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	headers := http.Header{}
	headers.Set("api-key", cfg.APIKey)

	conn, _, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return nil, fmt.Errorf("dial realtime websocket: %w", err)
	}

	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	c := &Client{
		conn:    conn,
		done:    make(chan struct{}),
		updates: make(chan Update, buffer),
	}
	go c.readLoop()
	return c, nil
}

// Updates yields session updates in arrival order. The channel is closed when
// the websocket closes.
func (c *Client) Updates() <-chan Update { return c.updates }

// Err returns the error that ended the read loop, or nil when the session was
// closed locally or by a normal close frame.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.readErr
}

// Configure sends the session configuration.
func (c *Client) Configure(ctx context.Context, opts SessionOptions) error {
	evt, err := newSessionUpdateEvent(opts)
	if err != nil {
		return fmt.Errorf("build session update: %w", err)
	}
	return c.writeJSON(ctx, evt)
}

// SendAudio streams PCM16 audio from r into the input audio buffer and returns
// the number of bytes sent.
func (c *Client) SendAudio(ctx context.Context, r io.Reader) (int64, error) {
	buf := make([]byte, audioChunkBytes)
	var sent int64
	for {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			evt := audioAppendEvent{
				Type:  EventInputAudioBufferAppend,
				Audio: base64.StdEncoding.EncodeToString(buf[:n]),
			}
			if werr := c.writeJSON(ctx, evt); werr != nil {
				return sent, werr
			}
			sent += int64(n)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return sent, nil
		}
		if err != nil {
			return sent, fmt.Errorf("read audio: %w", err)
		}
	}
}

// CommitAudio commits the input audio buffer as a user message.
func (c *Client) CommitAudio(ctx context.Context) error {
	return c.writeJSON(ctx, bareEvent{Type: EventInputAudioBufferCommit})
}

// AddItem appends an item to the conversation.
func (c *Client) AddItem(ctx context.Context, item Item) error {
	return c.writeJSON(ctx, itemCreateEvent{Type: EventConversationItemCreate, Item: item})
}

// StartResponse asks the model to start a new response turn.
func (c *Client) StartResponse(ctx context.Context) error {
	return c.writeJSON(ctx, bareEvent{Type: EventResponseCreate})
}

// Close closes the websocket. It is safe to call more than once.
func (c *Client) Close() error {
	var retErr error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		retErr = c.conn.Close()
	})
	return retErr
}

func (c *Client) writeJSON(ctx context.Context, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	// zero deadline clears any previous one
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteJSON(payload)
}

func (c *Client) readLoop() {
	defer close(c.updates)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.setReadErr(err)
			return
		}
		u, err := ParseServerEvent(data)
		if err != nil {
			// unsupported and malformed events are dropped
			continue
		}
		select {
		case c.updates <- u:
		case <-c.done:
			return
		}
	}
}

func (c *Client) setReadErr(err error) {
	select {
	case <-c.done:
		return
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		return
	}
	c.errMu.Lock()
	c.readErr = err
	c.errMu.Unlock()
}
