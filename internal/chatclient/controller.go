// Package chatclient mirrors one open coaching conversation on the consuming
// side: optimistic sends, rollback, and a guard against results that land
// after the user has moved to another coach.
package chatclient

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"coach-chat/internal/domain"
)

const (
	defaultDailyLimit = 10
	localIDPrefix     = "local-"
)

var errNotPersisted = errors.New("exchange not persisted")

type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateSending State = "sending"
	StateError   State = "error"
)

// ExchangeStatus is where a single send ended up.
type ExchangeStatus string

const (
	ExchangeOptimistic ExchangeStatus = "optimistic"
	ExchangeConfirmed  ExchangeStatus = "confirmed"
	ExchangeRolledBack ExchangeStatus = "rolled_back"
	// ExchangeDiscarded means the result arrived for a coach that is no
	// longer open; the current view was left alone.
	ExchangeDiscarded ExchangeStatus = "discarded"
)

// Exchange describes one Send call.
type Exchange struct {
	LocalTurnID string
	Status      ExchangeStatus
	Reply       string
	Persisted   bool
}

// target identifies one Open call. Reopening the same coach yields a new seq.
type target struct {
	coachID string
	seq     uint64
}

func sameTarget(captured, current target) bool {
	return captured == current
}

// Snapshot is a copy of the controller's view.
type Snapshot struct {
	CoachID        string
	ConversationID string
	State          State
	Turns          []domain.Turn
	Err            *Error
	MessageCount   int
	Limit          int
	Entitled       bool
	Sending        bool
}

// Controller holds the local view of the open conversation. The mutex guards
// view state only and is never held across a call to the API.
type Controller struct {
	api API
	now func() time.Time

	mu             sync.Mutex
	target         target
	conversationID string
	turns          []domain.Turn
	state          State
	err            *Error
	messageCount   int
	limit          int
	entitled       bool
	sending        bool
	localSeq       int
}

func NewController(api API) (*Controller, error) {
	if api == nil {
		return nil, errors.New("chatclient: api must not be nil")
	}
	return &Controller{
		api:   api,
		now:   time.Now,
		state: StateIdle,
		limit: defaultDailyLimit,
	}, nil
}

// Open switches the view to coachID. History is cleared before any network
// call so turns from the previous coach never show under the new one.
func (c *Controller) Open(ctx context.Context, coachID string) error {
	coachID = strings.TrimSpace(coachID)
	if coachID == "" {
		return &Error{Kind: KindBadRequest, Message: "coach id is required"}
	}

	c.mu.Lock()
	c.target = target{coachID: coachID, seq: c.target.seq + 1}
	captured := c.target
	c.conversationID = ""
	c.turns = nil
	c.err = nil
	c.state = StateLoading
	c.mu.Unlock()

	conv, err := c.api.ResolveConversation(ctx, coachID)

	c.mu.Lock()
	if !c.current(captured) {
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		e := c.failLocked(err)
		c.mu.Unlock()
		return e
	}
	if !conv.Exists() {
		c.state = c.restingStateLocked()
		c.mu.Unlock()
		return nil
	}
	c.conversationID = conv.ID
	c.mu.Unlock()

	turns, err := c.api.ListTurns(ctx, conv.ID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(captured) {
		return nil
	}
	if err != nil {
		return c.failLocked(err)
	}
	c.turns = turns
	c.state = c.restingStateLocked()
	return nil
}

// Send posts text to the open coach. The user turn shows immediately and is
// rolled back if the exchange fails.
func (c *Controller) Send(ctx context.Context, text string) (Exchange, error) {
	text = strings.TrimSpace(text)

	c.mu.Lock()
	switch {
	case c.sending:
		c.mu.Unlock()
		return Exchange{}, ErrSendInFlight
	case c.target.coachID == "":
		c.mu.Unlock()
		return Exchange{}, ErrNoConversation
	case c.state == StateLoading:
		c.mu.Unlock()
		return Exchange{}, ErrLoading
	case text == "":
		c.mu.Unlock()
		return Exchange{}, &Error{Kind: KindBadRequest, Message: "message is empty"}
	case !c.entitled && c.messageCount >= c.limit:
		// The server check stays authoritative; this only saves a round trip.
		e := &Error{Kind: KindQuotaExceeded, Message: "Daily message limit reached.", MessageCount: c.messageCount}
		c.err = e
		c.state = StateError
		c.mu.Unlock()
		return Exchange{}, e
	}

	captured := c.target
	prior := append([]domain.Turn(nil), c.turns...)
	localID := c.nextLocalIDLocked()
	c.turns = append(c.turns, domain.Turn{
		ID:             localID,
		ConversationID: c.conversationID,
		Role:           domain.RoleUser,
		Content:        text,
		CreatedAt:      c.now(),
	})
	req := SendRequest{CoachID: captured.coachID, Message: text, ChatID: c.conversationID}
	c.sending = true
	c.err = nil
	c.state = StateSending
	c.mu.Unlock()

	ex := Exchange{LocalTurnID: localID, Status: ExchangeOptimistic}
	res, err := c.api.Send(ctx, req)

	c.mu.Lock()
	if !c.current(captured) {
		c.sending = false
		c.settleLocked()
		c.mu.Unlock()
		ex.Status = ExchangeDiscarded
		if err != nil {
			return ex, asError(err)
		}
		ex.Reply, ex.Persisted = res.Reply, res.Persisted
		return ex, nil
	}
	if err != nil {
		c.turns = prior
		c.sending = false
		e := c.failLocked(err)
		if e.Kind == KindQuotaExceeded && e.MessageCount > c.messageCount {
			c.messageCount = e.MessageCount
		}
		c.mu.Unlock()
		ex.Status = ExchangeRolledBack
		return ex, e
	}
	if res.ChatID != "" {
		c.conversationID = res.ChatID
	}
	if res.MessageCount > 0 {
		c.messageCount = res.MessageCount
	}
	conversationID := c.conversationID
	c.mu.Unlock()

	ex.Status = ExchangeConfirmed
	ex.Reply, ex.Persisted = res.Reply, res.Persisted

	// An unpersisted exchange is not in the store yet, so only the local copy
	// can show it.
	var turns []domain.Turn
	fetchErr := errNotPersisted
	if res.Persisted {
		turns, fetchErr = c.api.ListTurns(ctx, conversationID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sending = false
	if !c.current(captured) {
		c.settleLocked()
		ex.Status = ExchangeDiscarded
		return ex, nil
	}
	if fetchErr != nil {
		if !errors.Is(fetchErr, errNotPersisted) {
			slog.Warn("refetch turns after send", "conversation_id", conversationID, "err", fetchErr)
		}
		c.turns = append(c.turns, domain.Turn{
			ID:             c.nextLocalIDLocked(),
			ConversationID: conversationID,
			Role:           domain.RoleAssistant,
			Content:        res.Reply,
			CreatedAt:      c.now(),
		})
	} else {
		c.turns = turns
	}
	c.state = StateIdle
	return ex, nil
}

// LoadUsage pulls today's count and the entitlement flag from the service.
func (c *Controller) LoadUsage(ctx context.Context) error {
	u, err := c.api.Usage(ctx)
	if err != nil {
		return asError(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageCount = u.MessageCount
	if u.Limit > 0 {
		c.limit = u.Limit
	}
	c.entitled = u.Entitled
	return nil
}

// RefreshEntitlement asks the service to re-read billing and adopts the result.
func (c *Controller) RefreshEntitlement(ctx context.Context) (bool, error) {
	entitled, err := c.api.RefreshEntitlement(ctx)
	if err != nil {
		return false, asError(err)
	}
	c.SetEntitled(entitled)
	return entitled, nil
}

// SetEntitled records an entitlement change reported by the billing SDK.
func (c *Controller) SetEntitled(entitled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entitled = entitled
	if entitled && c.err != nil && c.err.Kind == KindQuotaExceeded {
		c.err = nil
		c.state = c.restingStateLocked()
	}
}

func (c *Controller) ClearError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = nil
	if c.state == StateError {
		c.state = StateIdle
	}
}

// Sending reports whether a send is in flight, so input can be disabled.
func (c *Controller) Sending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sending
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		CoachID:        c.target.coachID,
		ConversationID: c.conversationID,
		State:          c.state,
		Turns:          append([]domain.Turn(nil), c.turns...),
		Err:            c.err,
		MessageCount:   c.messageCount,
		Limit:          c.limit,
		Entitled:       c.entitled,
		Sending:        c.sending,
	}
}

func (c *Controller) current(captured target) bool {
	if sameTarget(captured, c.target) {
		return true
	}
	slog.Debug("discarding stale result", "coach_id", captured.coachID, "current_coach_id", c.target.coachID)
	return false
}

func (c *Controller) failLocked(err error) *Error {
	e := asError(err)
	c.err = e
	c.state = StateError
	return e
}

// settleLocked drops a sending state left behind by a send whose coach was
// closed mid-flight.
func (c *Controller) settleLocked() {
	if c.state == StateSending {
		c.state = StateIdle
	}
}

func (c *Controller) restingStateLocked() State {
	if c.sending {
		return StateSending
	}
	return StateIdle
}

func (c *Controller) nextLocalIDLocked() string {
	c.localSeq++
	return localIDPrefix + strconv.Itoa(c.localSeq)
}
