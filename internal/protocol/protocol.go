package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hiveward/hiveward/internal/bus"
)

const (
	defaultConfirmTimeout = 30 * time.Second
	defaultStaleAfter     = 5 * time.Minute

	// Bounded retention for duplicate suppression by message id.
	seenLimit = 512
)

// Handler processes one inbound message. An error marks the message failed in
// its confirmation; it is never propagated further.
type Handler func(ctx context.Context, msg *Message) error

// SendOpts tunes one send.
type SendOpts struct {
	TTL                  time.Duration
	RequiresConfirmation bool
	// OnTimeout fires when no confirmation lands before the confirmation
	// timeout. Retrying is the caller's decision; the protocol never does.
	OnTimeout func(messageID string)
}

// Protocol provides priority-ordered, at-least-once messaging with optional
// acknowledgement on top of the KV store. One instance per agent process.
type Protocol struct {
	client *bus.Client
	kv     *bus.KV
	selfID string
	team   string

	ConfirmTimeout time.Duration
	StaleAfter     time.Duration

	mu              sync.Mutex
	handlers        map[MessageType]Handler
	queue           *inboxQueue
	seen            map[string]struct{}
	seenOrder       []string
	pendingConfirms map[string]*pendingConfirm
	pendingRequests map[string]chan json.RawMessage

	wake      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	stops     []func()
	wg        sync.WaitGroup
}

type pendingConfirm struct {
	timer     *time.Timer
	onTimeout func(messageID string)
}

func New(client *bus.Client, selfID, team string) *Protocol {
	return &Protocol{
		client:          client,
		kv:              client.KV(),
		selfID:          selfID,
		team:            team,
		ConfirmTimeout:  defaultConfirmTimeout,
		StaleAfter:      defaultStaleAfter,
		handlers:        make(map[MessageType]Handler),
		queue:           newInboxQueue(),
		seen:            make(map[string]struct{}),
		pendingConfirms: make(map[string]*pendingConfirm),
		pendingRequests: make(map[string]chan json.RawMessage),
		wake:            make(chan struct{}, 1),
		closed:          make(chan struct{}),
	}
}

// OnMessage registers the handler for one message type. Exactly one handler
// per type; the last registration wins.
func (p *Protocol) OnMessage(typ MessageType, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[typ] = handler
}

// Start attaches the inbox watchers (direct, team, system, confirmations) and
// the drain loop. Watchers stop when ctx is cancelled or Close is called.
func (p *Protocol) Start(ctx context.Context) error {
	keys := []string{bus.KeyInbox(p.selfID), bus.KeySystemInbox}
	if p.team != "" {
		keys = append(keys, bus.KeyTeamInbox(p.team))
	}

	for _, key := range keys {
		updates, stop, err := p.kv.Watch(ctx, key)
		if err != nil {
			p.Close()
			return fmt.Errorf("watch %s: %w", key, err)
		}
		p.stops = append(p.stops, stop)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for entry := range updates {
				p.receive(ctx, entry.Value)
			}
		}()
	}

	confirms, stop, err := p.kv.Watch(ctx, bus.KeyConfirmations(p.selfID))
	if err != nil {
		p.Close()
		return fmt.Errorf("watch confirmations: %w", err)
	}
	p.stops = append(p.stops, stop)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for entry := range confirms {
			p.receiveConfirmation(entry.Value)
		}
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.drain(ctx)
	}()

	return nil
}

// Close stops all watchers, pending timers and the drain loop. It does not
// require the Start context to be cancelled: queued messages are flushed and
// Close returns once every goroutine has exited.
func (p *Protocol) Close() {
	p.closeOnce.Do(func() { close(p.closed) })
	for _, stop := range p.stops {
		stop()
	}
	p.stops = nil

	p.mu.Lock()
	for id, pc := range p.pendingConfirms {
		pc.timer.Stop()
		delete(p.pendingConfirms, id)
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// SendDirect writes a message to one agent's inbox and returns its id.
// Delivery is not awaited; with opts.RequiresConfirmation a confirmation
// timer is armed and its expiry reported through opts.OnTimeout.
func (p *Protocol) SendDirect(to string, typ MessageType, payload any, priority Priority, opts *SendOpts) (string, error) {
	msg, err := p.newMessage(typ, payload, priority, opts)
	if err != nil {
		return "", err
	}
	msg.To = to
	if err := p.kv.PutJSON(bus.KeyInbox(to), msg); err != nil {
		return "", err
	}
	p.armConfirmation(msg, opts)
	return msg.ID, nil
}

// SendTeam broadcasts to every member of a team except the sender.
func (p *Protocol) SendTeam(team string, typ MessageType, payload any, priority Priority, opts *SendOpts) (string, error) {
	msg, err := p.newMessage(typ, payload, priority, opts)
	if err != nil {
		return "", err
	}
	msg.Team = team
	if err := p.kv.PutJSON(bus.KeyTeamInbox(team), msg); err != nil {
		return "", err
	}
	p.armConfirmation(msg, opts)
	return msg.ID, nil
}

// SendSystem broadcasts to every agent except the sender.
func (p *Protocol) SendSystem(typ MessageType, payload any, priority Priority, opts *SendOpts) (string, error) {
	msg, err := p.newMessage(typ, payload, priority, opts)
	if err != nil {
		return "", err
	}
	if err := p.kv.PutJSON(bus.KeySystemInbox, msg); err != nil {
		return "", err
	}
	p.armConfirmation(msg, opts)
	return msg.ID, nil
}

// SendRequest sends a direct message carrying a fresh correlation id and
// blocks until a reply with the same correlation id arrives, the timeout
// expires, or ctx is cancelled.
func (p *Protocol) SendRequest(ctx context.Context, to string, typ MessageType, payload any, timeout time.Duration) (json.RawMessage, error) {
	corrID := uuid.New().String()
	replyCh := make(chan json.RawMessage, 1)

	p.mu.Lock()
	p.pendingRequests[corrID] = replyCh
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pendingRequests, corrID)
		p.mu.Unlock()
	}()

	msg, err := p.newMessage(typ, payload, PriorityHigh, &SendOpts{RequiresConfirmation: true})
	if err != nil {
		return nil, err
	}
	msg.To = to
	msg.CorrelationID = corrID
	if err := p.kv.PutJSON(bus.KeyInbox(to), msg); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("request %s to %s timed out after %s", corrID, to, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendResponse is the reply primitive pairing with SendRequest.
func (p *Protocol) SendResponse(to, correlationID string, payload any) error {
	msg, err := p.newMessage(MsgCoordinationResponse, payload, PriorityHigh, nil)
	if err != nil {
		return err
	}
	msg.To = to
	msg.CorrelationID = correlationID
	return p.kv.PutJSON(bus.KeyInbox(to), msg)
}

func (p *Protocol) newMessage(typ MessageType, payload any, priority Priority, opts *SendOpts) (*Message, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		raw = data
	}
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      typ,
		From:      p.selfID,
		Priority:  priority,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}
	if opts != nil {
		msg.RequiresConfirmation = opts.RequiresConfirmation
		if opts.TTL > 0 {
			msg.TTLMs = opts.TTL.Milliseconds()
		}
	}
	return msg, nil
}

func (p *Protocol) armConfirmation(msg *Message, opts *SendOpts) {
	if opts == nil || !opts.RequiresConfirmation {
		return
	}
	id := msg.ID
	pc := &pendingConfirm{onTimeout: opts.OnTimeout}
	pc.timer = time.AfterFunc(p.ConfirmTimeout, func() {
		p.mu.Lock()
		_, still := p.pendingConfirms[id]
		delete(p.pendingConfirms, id)
		p.mu.Unlock()
		if !still {
			return
		}
		slog.Warn("message delivery timeout", "message_id", id, "type", msg.Type, "to", msg.To)
		if pc.onTimeout != nil {
			pc.onTimeout(id)
		}
	})
	p.mu.Lock()
	p.pendingConfirms[id] = pc
	p.mu.Unlock()
}

// receive is the inbound pipeline: validate, TTL check, self-filter, duplicate
// suppression, received-confirmation, then enqueue for the drain loop.
func (p *Protocol) receive(ctx context.Context, raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		slog.Debug("dropping undecodable message", "agent", p.selfID, "error", err)
		return
	}

	now := time.Now().UTC()
	if err := msg.Validate(now, p.StaleAfter); err != nil {
		slog.Debug("dropping invalid message", "agent", p.selfID, "error", err)
		return
	}
	if msg.Expired(now) {
		slog.Debug("dropping expired message", "agent", p.selfID, "message_id", msg.ID, "ttl_ms", msg.TTLMs)
		return
	}
	if msg.From == p.selfID {
		return
	}
	if msg.To != "" && msg.To != p.selfID {
		return
	}

	p.mu.Lock()
	if _, dup := p.seen[msg.ID]; dup {
		p.mu.Unlock()
		return
	}
	p.markSeenLocked(msg.ID)

	// A reply to an outstanding request resolves the caller directly and
	// bypasses typed dispatch.
	if msg.CorrelationID != "" {
		if replyCh, ok := p.pendingRequests[msg.CorrelationID]; ok {
			delete(p.pendingRequests, msg.CorrelationID)
			p.mu.Unlock()
			replyCh <- msg.Payload
			if msg.RequiresConfirmation {
				p.confirm(&msg, ConfirmProcessed, "")
			}
			return
		}
	}
	p.mu.Unlock()

	if msg.RequiresConfirmation {
		p.confirm(&msg, ConfirmReceived, "")
	}

	p.mu.Lock()
	p.queue.push(&msg)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Protocol) markSeenLocked(id string) {
	p.seen[id] = struct{}{}
	p.seenOrder = append(p.seenOrder, id)
	if len(p.seenOrder) > seenLimit {
		oldest := p.seenOrder[0]
		p.seenOrder = p.seenOrder[1:]
		delete(p.seen, oldest)
	}
}

// drain pops queued messages strictly by descending priority and invokes the
// registered handler for each. One failing handler is terminal for that
// message only. Close flushes whatever is queued before the loop exits;
// context cancellation abandons the queue.
func (p *Protocol) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.closed:
			p.drainQueued(ctx)
			return
		case <-p.wake:
		}

		p.drainQueued(ctx)
	}
}

func (p *Protocol) drainQueued(ctx context.Context) {
	for {
		p.mu.Lock()
		msg, ok := p.queue.pop()
		if !ok {
			p.mu.Unlock()
			return
		}
		handler := p.handlers[msg.Type]
		p.mu.Unlock()

		p.dispatch(ctx, msg, handler)
	}
}

func (p *Protocol) dispatch(ctx context.Context, msg *Message, handler Handler) {
	if handler == nil {
		slog.Debug("no handler for message type", "agent", p.selfID, "type", msg.Type)
		if msg.RequiresConfirmation {
			p.confirm(msg, ConfirmFailed, fmt.Sprintf("no handler for %s", msg.Type))
		}
		return
	}

	err := p.invoke(ctx, msg, handler)
	if err != nil {
		slog.Warn("message handler failed", "agent", p.selfID, "type", msg.Type, "message_id", msg.ID, "error", err)
		if msg.RequiresConfirmation {
			p.confirm(msg, ConfirmFailed, err.Error())
		}
		return
	}
	if msg.RequiresConfirmation {
		p.confirm(msg, ConfirmProcessed, "")
	}
}

func (p *Protocol) invoke(ctx context.Context, msg *Message, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, msg)
}

func (p *Protocol) confirm(msg *Message, status ConfirmStatus, errText string) {
	c := Confirmation{
		MessageID: msg.ID,
		AgentID:   p.selfID,
		Status:    status,
		Timestamp: time.Now().UTC(),
		Error:     errText,
	}
	if err := p.kv.PutJSON(bus.KeyConfirmations(msg.From), c); err != nil {
		slog.Warn("failed to write confirmation", "agent", p.selfID, "message_id", msg.ID, "error", err)
	}
}

func (p *Protocol) receiveConfirmation(raw []byte) {
	var c Confirmation
	if err := json.Unmarshal(raw, &c); err != nil {
		slog.Debug("dropping undecodable confirmation", "agent", p.selfID, "error", err)
		return
	}

	p.mu.Lock()
	pc, ok := p.pendingConfirms[c.MessageID]
	if ok {
		pc.timer.Stop()
		delete(p.pendingConfirms, c.MessageID)
	}
	p.mu.Unlock()

	if c.Status == ConfirmFailed {
		slog.Warn("message processing failed at receiver",
			"agent", p.selfID, "message_id", c.MessageID, "receiver", c.AgentID, "error", c.Error)
	}
}
