package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"roomrelay/internal/core/domain"
	"roomrelay/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type DialConfig struct {
	URL          string
	Header       http.Header
	WriteTimeout time.Duration
	Retry        retry.Config
	// Buffer is the number of decoded messages held for a slow consumer.
	Buffer int
}

// Channel is the client side of a signaling connection. Messages arrive in
// the order the router sent them; nothing is retransmitted after a drop.
type Channel struct {
	ws       *websocket.Conn
	writeMu  sync.Mutex
	writeTTL time.Duration

	messages chan Message
	done     chan struct{}
	once     sync.Once
	errMu    sync.Mutex
	err      error

	logger *zap.SugaredLogger
}

// Dial connects to the router, retrying the handshake per cfg.Retry. A
// redial is always a new, unrelated session.
func Dial(ctx context.Context, cfg DialConfig, logger *zap.SugaredLogger) (*Channel, error) {
	dialer := *websocket.DefaultDialer

	retryCfg := cfg.Retry
	retryCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Infow("signaling dial failed, retrying",
			"url", cfg.URL,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}

	ws, err := retry.RetryWithResult(ctx, retryCfg, func() (*websocket.Conn, error) {
		ws, resp, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return ws, err
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}

	return newChannel(ws, cfg, logger), nil
}

func newChannel(ws *websocket.Conn, cfg DialConfig, logger *zap.SugaredLogger) *Channel {
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	writeTTL := cfg.WriteTimeout
	if writeTTL <= 0 {
		writeTTL = 10 * time.Second
	}

	ch := &Channel{
		ws:       ws,
		writeTTL: writeTTL,
		messages: make(chan Message, buffer),
		done:     make(chan struct{}),
		logger:   logger,
	}
	go ch.readLoop()
	return ch
}

func (ch *Channel) readLoop() {
	defer close(ch.messages)

	for {
		_, frame, err := ch.ws.ReadMessage()
		if err != nil {
			ch.fail(err)
			return
		}

		msg, err := Decode(frame)
		if err != nil {
			ch.logger.Warnw("dropping undecodable signaling frame", "error", err)
			continue
		}

		select {
		case ch.messages <- msg:
		case <-ch.done:
			return
		}
	}
}

// Send writes one message. Concurrent callers are serialized so frames leave
// in call order.
func (ch *Channel) Send(msg Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}

	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()

	select {
	case <-ch.done:
		return domain.ErrChannelClosed
	default:
	}

	ch.ws.SetWriteDeadline(time.Now().Add(ch.writeTTL))
	if err := ch.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		ch.fail(err)
		return fmt.Errorf("%w: %v", domain.ErrChannelClosed, err)
	}
	return nil
}

// Messages is closed when the channel ends.
func (ch *Channel) Messages() <-chan Message {
	return ch.messages
}

func (ch *Channel) Done() <-chan struct{} {
	return ch.done
}

// Err returns why the channel ended, nil after a local Close.
func (ch *Channel) Err() error {
	ch.errMu.Lock()
	defer ch.errMu.Unlock()
	return ch.err
}

func (ch *Channel) Close() error {
	ch.writeMu.Lock()
	deadline := time.Now().Add(time.Second)
	_ = ch.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	ch.writeMu.Unlock()

	ch.fail(nil)
	return nil
}

func (ch *Channel) fail(err error) {
	ch.once.Do(func() {
		if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
			!errors.Is(err, websocket.ErrCloseSent) {
			ch.errMu.Lock()
			ch.err = err
			ch.errMu.Unlock()
		}
		close(ch.done)
		ch.ws.Close()
	})
}
