// Package chatclient drives one chat conversation against the gateway. The
// Consumer is a small state machine: a turn moves from loading to streaming
// to a terminal state, and every transition is published as a Snapshot.
package chatclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prime399/study-flow-kiro-sub000/internal/chaterr"
	"github.com/prime399/study-flow-kiro-sub000/internal/ledger"
	"github.com/prime399/study-flow-kiro-sub000/internal/provider"
	"github.com/prime399/study-flow-kiro-sub000/internal/routing"
	"github.com/prime399/study-flow-kiro-sub000/internal/stream"
)

var (
	ErrBusy           = errors.New("a chat turn is already in flight")
	ErrEmptyInput     = errors.New("message is empty")
	ErrNothingToRetry = errors.New("no user message to retry")
)

const (
	DefaultCoinCost = 5

	chargeReason      = "chat message"
	byokNotice        = "Your own API key was used, so no coins were charged."
	sideEffectTimeout = 10 * time.Second
)

type Options struct {
	Transport  Transport
	Ledger     Ledger
	Store      SessionStore
	Logger     *slog.Logger
	CoinCost   int64
	UserName   string
	StudyStats *routing.StudyStats
}

// turn is one request in flight. done flips exactly once, under the
// consumer lock, and whoever flips it owns the terminal transition.
type turn struct {
	cancel      context.CancelFunc
	assistantID string
	done        bool
	err         *chaterr.Error
}

type Consumer struct {
	transport Transport
	ledger    Ledger
	store     SessionStore
	logger    *slog.Logger
	cost      int64
	userName  string
	stats     *routing.StudyStats

	mu           sync.Mutex
	session      Session
	active       *turn
	loading      bool
	streaming    bool
	model        string
	err          *chaterr.Error
	partial      string
	notice       string
	pending      int64
	pendingID    string
	balance      int64
	balanceKnown bool
	observers    []func(Snapshot)
}

// NewConsumer restores the saved session, if any. Messages left streaming by
// an interrupted process are closed, and empty ones dropped.
func NewConsumer(ctx context.Context, opts Options) (*Consumer, error) {
	c := &Consumer{
		transport: opts.Transport,
		ledger:    opts.Ledger,
		store:     opts.Store,
		logger:    opts.Logger,
		cost:      opts.CoinCost,
		userName:  opts.UserName,
		stats:     opts.StudyStats,
	}
	if c.cost <= 0 {
		c.cost = DefaultCoinCost
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}

	if c.store != nil {
		s, err := c.store.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load session: %w", err)
		}
		if s != nil {
			c.session.ModelID = s.ModelID
			for _, m := range s.Messages {
				if m.Role == RoleAssistant && m.Content == "" {
					continue
				}
				m.IsStreaming = false
				c.session.Messages = append(c.session.Messages, m)
			}
		}
	}
	return c, nil
}

// OnChange registers fn to receive a snapshot after every transition.
func (c *Consumer) OnChange(fn func(Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

func (c *Consumer) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// SetModel selects the model for later turns; empty or "auto" routes.
func (c *Consumer) SetModel(id string) {
	c.mu.Lock()
	c.session.ModelID = id
	c.mu.Unlock()
}

// RefreshBalance loads the balance used for the local affordability check.
func (c *Consumer) RefreshBalance(ctx context.Context) (int64, error) {
	balance, err := c.ledger.Balance(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load balance: %w", err)
	}
	c.apply(nil, func() {
		c.balance, c.balanceKnown = balance, true
	})
	return balance, nil
}

// Submit sends input as a new user turn and blocks until the turn ends. The
// returned error is ErrEmptyInput, ErrBusy, or the turn's *chaterr.Error.
func (c *Consumer) Submit(ctx context.Context, input string) error {
	text := strings.TrimSpace(input)
	if text == "" {
		return ErrEmptyInput
	}
	return c.run(ctx, text)
}

// Retry resubmits the last user message after dropping the assistant reply
// that followed it, if one is still there.
func (c *Consumer) Retry(ctx context.Context) error {
	return c.run(ctx, "")
}

// Stop cancels the turn in flight and ends it at once. Partial content is
// discarded and the pre-deduction refunded. It reports whether a turn was
// running.
func (c *Consumer) Stop() bool {
	c.mu.Lock()
	t := c.active
	c.mu.Unlock()
	if t == nil {
		return false
	}
	t.cancel()
	c.fail(context.Background(), t, chaterr.New(chaterr.KindCancelled))
	return true
}

// Clear forgets the conversation, locally and in the session store.
func (c *Consumer) Clear(ctx context.Context) error {
	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		return ErrBusy
	}
	c.session.Messages = nil
	c.err, c.partial, c.notice = nil, "", ""
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)

	if c.store == nil {
		return nil
	}
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// run executes one turn. An empty text means retry.
func (c *Consumer) run(ctx context.Context, text string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	t := &turn{cancel: cancel}

	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		return ErrBusy
	}
	if c.balanceKnown && c.balance < c.cost {
		cerr := chaterr.New(chaterr.KindInsufficientFunds)
		c.err, c.partial, c.notice = cerr, "", ""
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.notify(snap)
		return cerr
	}
	keep := len(c.session.Messages)
	if text == "" {
		var ok bool
		if keep, ok = c.retryLenLocked(); !ok {
			c.mu.Unlock()
			return ErrNothingToRetry
		}
	}
	c.active = t
	c.loading = true
	c.streaming = false
	c.err, c.partial, c.notice = nil, "", ""
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)

	receipt, err := c.ledger.Charge(ctx, c.cost, chargeReason)
	if err != nil {
		cerr := chaterr.From(err)
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			cerr = chaterr.Wrap(chaterr.KindInsufficientFunds, err)
		}
		c.fail(ctx, t, cerr)
		return c.result(t)
	}

	c.mu.Lock()
	if t.done {
		// Stopped while the charge was in flight.
		c.mu.Unlock()
		c.refund(ctx, receipt.ChargeID)
		return c.result(t)
	}
	c.pending, c.pendingID = c.cost, receipt.ChargeID
	c.balance, c.balanceKnown = receipt.Balance, true
	// The reply being retried is only replaced once the new turn is paid for.
	c.session.Messages = c.session.Messages[:keep]
	if text != "" {
		c.session.Messages = append(c.session.Messages, newMessage(RoleUser, text))
	}
	req := c.requestLocked()
	placeholder := newMessage(RoleAssistant, "")
	placeholder.IsStreaming = true
	t.assistantID = placeholder.ID
	c.session.Messages = append(c.session.Messages, placeholder)
	snap = c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
	c.save(ctx)

	body, err := c.transport.Stream(ctx, req)
	if err != nil {
		c.fail(ctx, t, chaterr.From(err))
		return c.result(t)
	}
	defer body.Close()

	c.consume(ctx, t, stream.NewDecoder(body))
	return c.result(t)
}

func (c *Consumer) consume(ctx context.Context, t *turn, d *stream.Decoder) {
	for {
		e, err := d.Next()
		switch {
		case errors.Is(err, io.EOF):
			c.fail(ctx, t, chaterr.New(chaterr.KindNetworkInterrupted))
			return
		case errors.Is(err, stream.ErrMalformedEvent):
			c.fail(ctx, t, chaterr.Wrap(chaterr.KindUnrecognized, err))
			return
		case err != nil:
			c.fail(ctx, t, chaterr.From(err))
			return
		}

		switch e := e.(type) {
		case stream.MessageStart:
			c.apply(t, func() {
				c.streaming = true
				c.model = e.Model
			})
		case stream.TextDelta:
			c.apply(t, func() {
				c.loading = false
				if m := c.messageLocked(t.assistantID); m != nil {
					m.Content += e.Text
				}
			})
		case stream.MessageStop:
			c.complete(ctx, t, e)
			return
		case stream.Error:
			c.fail(ctx, t, e.Taxonomy())
			return
		}
	}
}

// complete ends t successfully. A BYOK turn costs nothing, so its
// pre-deduction goes back; otherwise the charge stands.
func (c *Consumer) complete(ctx context.Context, t *turn, e stream.MessageStop) {
	c.mu.Lock()
	if t.done {
		c.mu.Unlock()
		return
	}
	c.finishLocked(t)
	if e.Model != "" {
		c.model = e.Model
	}
	if m := c.messageLocked(t.assistantID); m != nil {
		m.IsStreaming = false
	}
	var refund string
	if e.IsBYOK {
		refund = c.takePendingLocked()
		c.notice = byokNotice
	} else {
		c.pending, c.pendingID = 0, ""
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)
	c.refund(ctx, refund)
	c.save(ctx)
}

// fail ends t with cerr. Partial content survives errors but not a cancel,
// and an assistant message that never got content is removed.
func (c *Consumer) fail(ctx context.Context, t *turn, cerr *chaterr.Error) {
	c.mu.Lock()
	if t.done {
		c.mu.Unlock()
		return
	}
	c.finishLocked(t)
	t.err = cerr

	cancelled := cerr.Kind == chaterr.KindCancelled
	if m := c.messageLocked(t.assistantID); m != nil {
		if cancelled || m.Content == "" {
			c.removeLocked(t.assistantID)
		} else {
			m.IsStreaming = false
			c.partial = m.Content
		}
	}
	if !cancelled {
		c.err = cerr
	}
	refund := c.takePendingLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)
	c.refund(ctx, refund)
	c.save(ctx)
}

func (c *Consumer) finishLocked(t *turn) {
	t.done = true
	if c.active == t {
		c.active = nil
	}
	c.loading, c.streaming = false, false
}

// takePendingLocked hands the outstanding charge to exactly one caller.
func (c *Consumer) takePendingLocked() string {
	id := c.pendingID
	c.pending, c.pendingID = 0, ""
	return id
}

func (c *Consumer) refund(ctx context.Context, chargeID string) {
	if chargeID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()

	balance, err := c.ledger.Refund(ctx, chargeID, chargeReason)
	if err != nil {
		c.logger.Warn("coin refund failed", slog.String("charge_id", chargeID), slog.Any("error", err))
		return
	}
	c.apply(nil, func() {
		c.balance, c.balanceKnown = balance, true
	})
}

func (c *Consumer) save(ctx context.Context) {
	if c.store == nil {
		return
	}
	c.mu.Lock()
	s := &Session{Messages: cloneMessages(c.session.Messages), ModelID: c.session.ModelID}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if err := c.store.Save(ctx, s); err != nil {
		c.logger.Warn("failed to save chat session", slog.Any("error", err))
	}
}

// apply mutates state for t, unless t already ended. A nil t always applies.
func (c *Consumer) apply(t *turn, fn func()) {
	c.mu.Lock()
	if t != nil && t.done {
		c.mu.Unlock()
		return
	}
	fn()
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
}

func (c *Consumer) notify(s Snapshot) {
	c.mu.Lock()
	observers := append(([]func(Snapshot))(nil), c.observers...)
	c.mu.Unlock()
	for _, fn := range observers {
		fn(s)
	}
}

func (c *Consumer) result(t *turn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.err == nil {
		return nil
	}
	return t.err
}

// retryLenLocked reports how many messages remain once one trailing
// assistant reply is dropped, and whether the last of them is a user
// message to resend.
func (c *Consumer) retryLenLocked() (int, bool) {
	n := len(c.session.Messages)
	if n > 0 && c.session.Messages[n-1].Role == RoleAssistant {
		n--
	}
	if n == 0 || c.session.Messages[n-1].Role != RoleUser {
		return 0, false
	}
	return n, true
}

func (c *Consumer) requestLocked() *Request {
	msgs := make([]provider.Message, 0, len(c.session.Messages))
	for _, m := range c.session.Messages {
		if m.Content == "" {
			continue
		}
		msgs = append(msgs, provider.Message{Role: m.Role, Content: m.Content})
	}
	model := c.session.ModelID
	if model == "" {
		model = routing.AutoModel
	}
	return &Request{
		Messages:   msgs,
		ModelID:    model,
		UserName:   c.userName,
		StudyStats: c.stats,
	}
}

func (c *Consumer) messageLocked(id string) *Message {
	if id == "" {
		return nil
	}
	for i := range c.session.Messages {
		if c.session.Messages[i].ID == id {
			return &c.session.Messages[i]
		}
	}
	return nil
}

func (c *Consumer) removeLocked(id string) {
	for i, m := range c.session.Messages {
		if m.ID == id {
			c.session.Messages = append(c.session.Messages[:i], c.session.Messages[i+1:]...)
			return
		}
	}
}

func (c *Consumer) snapshotLocked() Snapshot {
	s := Snapshot{
		Loading:        c.loading,
		Streaming:      c.streaming,
		Messages:       cloneMessages(c.session.Messages),
		Model:          c.model,
		PartialContent: c.partial,
		Notice:         c.notice,
		PendingCharge:  c.pending,
		Balance:        c.balance,
		BalanceKnown:   c.balanceKnown,
	}
	switch {
	case c.streaming:
		s.State = StateStreaming
	case c.active != nil:
		s.State = StateLoading
	case c.err != nil:
		s.State = StateError
	default:
		s.State = StateIdle
	}
	if c.err != nil {
		f := c.err.Formatted()
		s.Error = &f
		s.ErrorKind = c.err.Kind
	}
	return s
}

func newMessage(role, content string) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

func cloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	return append([]Message(nil), msgs...)
}
