package chainrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// SignatureUpdate is one signatureSubscribe notification.
type SignatureUpdate struct {
	Slot uint64
	Err  any // nil on success
}

// Subscriber holds a single WS connection and dispatches
// signatureSubscribe notifications to per-signature callbacks.
type Subscriber struct {
	url  string
	conn *websocket.Conn

	mu       sync.Mutex
	nextID   int64
	pending  map[int64]chan subAck // subscribe-request id -> ack channel
	bySubID  map[uint64]func(SignatureUpdate)
	sigToSub map[string]uint64
}

type subAck struct {
	subID uint64
	err   error
}

// Dial opens the websocket connection and starts the read loop.
func Dial(ctx context.Context, url string) (*Subscriber, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("chainrpc: dial ws: %w", err)
	}
	s := &Subscriber{
		url:      url,
		conn:     conn,
		pending:  make(map[int64]chan subAck),
		bySubID:  make(map[uint64]func(SignatureUpdate)),
		sigToSub: make(map[string]uint64),
	}
	go s.readLoop()
	return s, nil
}

// WaitForConfirmation subscribes to a signature and invokes callback
// exactly once, on its first confirmation notification, then
// auto-unsubscribes.
func (s *Subscriber) WaitForConfirmation(signature string, callback func(SignatureUpdate)) error {
	id := atomic.AddInt64(&s.nextID, 1)
	ack := make(chan subAck, 1)

	s.mu.Lock()
	s.pending[id] = ack
	s.mu.Unlock()

	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "signatureSubscribe",
		"params":  []any{signature, map[string]any{"commitment": "confirmed"}},
	}
	if err := s.conn.WriteJSON(req); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return err
	}

	result := <-ack
	if result.err != nil {
		return result.err
	}

	s.mu.Lock()
	s.bySubID[result.subID] = callback
	s.sigToSub[signature] = result.subID
	s.mu.Unlock()

	log.Debug().Str("sig", truncate(signature, 12)).Uint64("subID", result.subID).Msg("waiting for tx confirmation")
	return nil
}

// Close closes the underlying connection.
func (s *Subscriber) Close() error {
	return s.conn.Close()
}

func (s *Subscriber) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Msg("chainrpc subscriber read loop exiting")
			return
		}
		s.handleMessage(data)
	}
}

func (s *Subscriber) handleMessage(data []byte) {
	var envelope struct {
		ID     *int64          `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
		Method string          `json:"method"`
		Params struct {
			Subscription uint64          `json:"subscription"`
			Result       json.RawMessage `json:"result"`
		} `json:"params"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		log.Warn().Err(err).Msg("chainrpc: failed to parse ws message")
		return
	}

	if envelope.ID != nil {
		s.mu.Lock()
		ack, ok := s.pending[*envelope.ID]
		delete(s.pending, *envelope.ID)
		s.mu.Unlock()
		if !ok {
			return
		}
		if envelope.Error != nil {
			ack <- subAck{err: envelope.Error}
			return
		}
		var subID uint64
		_ = json.Unmarshal(envelope.Result, &subID)
		ack <- subAck{subID: subID}
		return
	}

	if envelope.Method == "signatureNotification" {
		var notif struct {
			Context struct {
				Slot uint64 `json:"slot"`
			} `json:"context"`
			Value struct {
				Err any `json:"err"`
			} `json:"value"`
		}
		if err := json.Unmarshal(envelope.Params.Result, &notif); err != nil {
			log.Warn().Err(err).Msg("chainrpc: failed to parse signature notification")
			return
		}

		s.mu.Lock()
		cb, ok := s.bySubID[envelope.Params.Subscription]
		delete(s.bySubID, envelope.Params.Subscription)
		s.mu.Unlock()
		if ok {
			go cb(SignatureUpdate{Slot: notif.Context.Slot, Err: notif.Value.Err})
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
