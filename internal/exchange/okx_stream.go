package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/johnayoung/go-okx-trader/internal/config"
	apperrors "github.com/johnayoung/go-okx-trader/internal/errors"
	"github.com/johnayoung/go-okx-trader/internal/models"
)

const (
	streamComponent      = "okx_stream"
	defaultPingInterval  = 20 * time.Second
	defaultStreamBackoff = 30 * time.Second
	writeWait            = 5 * time.Second
)

// CandleSubscriber streams closed candles as they are published.
type CandleSubscriber interface {
	// Subscribe blocks until ctx is done, calling fn for every confirmed
	// candle of symbol/interval.
	Subscribe(ctx context.Context, symbol, interval string, fn func(models.Candle)) error
}

// OKXStream subscribes to the OKX business websocket candle channel.
//
// gorilla/websocket allows one concurrent writer, so the subscribe message
// and keepalive pings are serialized through mu.
type OKXStream struct {
	url          string
	dialer       *websocket.Dialer
	pingInterval time.Duration
	maxBackoff   time.Duration
	initialDelay time.Duration
	logger       *slog.Logger

	// OnReconnect is called before every reconnect attempt.
	OnReconnect func()

	mu   sync.Mutex
	conn *websocket.Conn
}

var _ CandleSubscriber = (*OKXStream)(nil)

// NewOKXStream creates a stream client for cfg.WSURL.
func NewOKXStream(cfg config.ExchangeConfig, stream config.StreamConfig, logger *slog.Logger) *OKXStream {
	if logger == nil {
		logger = slog.Default()
	}
	ping := stream.PingIntervalDuration()
	if ping <= 0 {
		ping = defaultPingInterval
	}
	maxBackoff := stream.MaxBackoffDuration()
	if maxBackoff <= 0 {
		maxBackoff = defaultStreamBackoff
	}
	return &OKXStream{
		url:          cfg.WSURL,
		dialer:       &websocket.Dialer{HandshakeTimeout: cfg.TimeoutDuration()},
		pingInterval: ping,
		maxBackoff:   maxBackoff,
		initialDelay: time.Second,
		logger:       logger.With("component", streamComponent),
	}
}

type wsArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type wsRequest struct {
	Op   string  `json:"op"`
	Args []wsArg `json:"args"`
}

type wsMessage struct {
	Event string     `json:"event"`
	Code  string     `json:"code"`
	Msg   string     `json:"msg"`
	Arg   wsArg      `json:"arg"`
	Data  [][]string `json:"data"`
}

// Subscribe implements CandleSubscriber. Connection failures are retried
// with exponential backoff; a subscription error from the exchange ends the
// stream.
func (s *OKXStream) Subscribe(ctx context.Context, symbol, interval string, fn func(models.Candle)) error {
	bar, err := convertInterval(interval)
	if err != nil {
		return apperrors.New(apperrors.ErrorTypeValidation, streamComponent, "subscribe", err)
	}
	arg := wsArg{Channel: "candle" + bar, InstID: toInstID(symbol)}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.initialDelay
	bo.MaxInterval = s.maxBackoff
	bo.MaxElapsedTime = 0

	for {
		connected, err := s.session(ctx, arg, fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if apperrors.IsType(err, apperrors.ErrorTypeExchangeRejected) {
			return err
		}
		if connected {
			bo.Reset()
		}

		wait := bo.NextBackOff()
		s.logger.Warn("stream disconnected, reconnecting", "channel", arg.Channel, "inst_id", arg.InstID, "in", wait, "error", err)
		if s.OnReconnect != nil {
			s.OnReconnect()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// session runs one connection until it fails. connected reports whether the
// subscription was confirmed.
func (s *OKXStream) session(ctx context.Context, arg wsArg, fn func(models.Candle)) (connected bool, err error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, apperrors.Transport(streamComponent, "dial", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	done := make(chan struct{})
	defer func() {
		close(done)
		conn.Close()
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	if err := s.write(websocket.TextMessage, mustJSON(wsRequest{Op: "subscribe", Args: []wsArg{arg}})); err != nil {
		return false, apperrors.Transport(streamComponent, "subscribe", err)
	}

	go s.keepalive(ctx, conn, done)

	readWait := 2 * s.pingInterval
	for {
		conn.SetReadDeadline(time.Now().Add(readWait))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return connected, apperrors.Transport(streamComponent, "read", err)
		}
		if string(raw) == "pong" {
			continue
		}

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Warn("ignoring malformed stream message", "error", err)
			continue
		}

		switch msg.Event {
		case "subscribe":
			connected = true
			s.logger.Info("stream subscribed", "channel", msg.Arg.Channel, "inst_id", msg.Arg.InstID)
			continue
		case "error":
			return connected, apperrors.Rejected(streamComponent, "subscribe", msg.Code, msg.Msg)
		case "":
		default:
			continue
		}

		for _, row := range msg.Data {
			c, err := convertCandleRow(row)
			if err != nil {
				s.logger.Warn("ignoring invalid candle row", "error", err)
				continue
			}
			if !c.Confirmed {
				continue
			}
			fn(*c)
		}
	}
}

// keepalive sends a text ping every interval and closes conn when ctx ends
// so a blocked read returns.
func (s *OKXStream) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			conn.Close()
			return
		case <-ticker.C:
			if err := s.write(websocket.TextMessage, []byte("ping")); err != nil {
				s.logger.Debug("stream ping failed", "error", err)
				return
			}
		}
	}
}

func (s *OKXStream) write(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(messageType, data)
}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
