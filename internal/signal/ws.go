package signal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// WSTransport is a Transport backed by a Hub connection.
type WSTransport struct {
	url         string
	requestedID string
	log         zerolog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex
	id      string

	subs      *Fanout
	done      chan struct{}
	closeOnce sync.Once
}

// DialWS connects to a hub. Register must be called before Send.
// requestedID may be empty to let the hub assign one.
func DialWS(ctx context.Context, url, requestedID string, log zerolog.Logger) (*WSTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling hub: %w", err)
	}
	return &WSTransport{
		url:         url,
		requestedID: requestedID,
		log:         log,
		conn:        conn,
		subs:        NewFanout(),
		done:        make(chan struct{}),
	}, nil
}

func (t *WSTransport) Register(ctx context.Context) (string, error) {
	if err := t.write(ctx, Message{Type: TypeRegister, From: t.requestedID}); err != nil {
		return "", err
	}

	deadline := time.Now().Add(registerWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	t.conn.SetReadDeadline(deadline)
	var m Message
	if err := t.conn.ReadJSON(&m); err != nil {
		return "", fmt.Errorf("register: %w", err)
	}
	t.conn.SetReadDeadline(time.Time{})

	switch m.Type {
	case TypeRegistered:
		t.id = m.To
	case TypeError:
		return "", m.Err()
	default:
		return "", fmt.Errorf("register: unexpected %q", m.Type)
	}

	t.conn.SetPongHandler(func(string) error { return nil })
	go t.readLoop()
	t.log.Debug().Str("endpoint", t.id).Msg("registered with hub")
	return t.id, nil
}

func (t *WSTransport) ID() string { return t.id }

func (t *WSTransport) Send(ctx context.Context, m Message) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	m.From = t.id
	return t.write(ctx, m)
}

func (t *WSTransport) write(ctx context.Context, m Message) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteJSON(m); err != nil {
		return fmt.Errorf("signal send: %w", err)
	}
	return nil
}

func (t *WSTransport) Subscribe() (<-chan Message, func()) {
	return t.subs.Subscribe()
}

func (t *WSTransport) readLoop() {
	defer t.Close()
	for {
		var m Message
		if err := t.conn.ReadJSON(&m); err != nil {
			select {
			case <-t.done:
			default:
				t.log.Debug().Err(err).Str("endpoint", t.id).Msg("hub connection lost")
			}
			return
		}
		t.subs.Publish(m)
	}
}

func (t *WSTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.writeMu.Lock()
		t.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()
		err = t.conn.Close()
		t.subs.Close()
	})
	return err
}
