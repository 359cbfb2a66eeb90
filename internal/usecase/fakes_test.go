package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"coach-chat/internal/catalog"
	"coach-chat/internal/domain"
)

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

const (
	prebuiltCoachID = "coach-zen"
	tokenAlice      = "token-alice"
	tokenBob        = "token-bob"
)

type fakeAuth struct {
	users map[string]string
	err   error
}

func (a *fakeAuth) Authenticate(_ context.Context, credential string) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	uid, ok := a.users[credential]
	if !ok {
		return "", fmt.Errorf("fake auth: %w", domain.ErrInvalidCredential)
	}
	return uid, nil
}

// countingLimiter allows the first n requests per key.
type countingLimiter struct {
	n    int
	seen map[string]int
}

func (l *countingLimiter) Allow(key string) bool {
	if l.seen == nil {
		l.seen = make(map[string]int)
	}
	l.seen[key]++
	return l.seen[key] <= l.n
}

// memStore is an in-memory stand-in for the DynamoDB repository that counts
// reads and writes.
type memStore struct {
	mu sync.Mutex

	convs       map[string]domain.Conversation
	turns       map[string][]domain.Turn
	usage       map[string]int
	entitled    map[string]bool
	profiles    map[string]domain.ProfileContext
	personas    map[string]domain.Persona
	nextID      int
	clock       time.Time
	createCalls int
	appendCalls int
	usageReads  int
	usageWrites int

	appendErr    error
	createErr    error
	incrementErr error
	usageErr     error
}

func newMemStore() *memStore {
	return &memStore{
		convs:    map[string]domain.Conversation{},
		turns:    map[string][]domain.Turn{},
		usage:    map[string]int{},
		entitled: map[string]bool{},
		profiles: map[string]domain.ProfileContext{},
		personas: map[string]domain.Persona{},
		clock:    fixedNow,
	}
}

func usageKey(owner string, day time.Time) string {
	return owner + "|" + day.UTC().Format("2006-01-02")
}

func (m *memStore) id(prefix string) string {
	m.nextID++
	return fmt.Sprintf("%s-%d", prefix, m.nextID)
}

func (m *memStore) GetConversation(_ context.Context, id string) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return domain.Conversation{}, domain.ErrNotFound
	}
	return c, nil
}

func (m *memStore) FindConversation(_ context.Context, owner, coach string) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.convs {
		if c.OwnerID == owner && c.CoachID == coach {
			return c, nil
		}
	}
	return domain.Conversation{}, domain.ErrNotFound
}

func (m *memStore) CreateConversation(_ context.Context, owner, coach string) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	if m.createErr != nil {
		return domain.Conversation{}, m.createErr
	}
	c := domain.Conversation{ID: m.id("conv"), OwnerID: owner, CoachID: coach, CreatedAt: m.clock, LastActivity: m.clock}
	m.convs[c.ID] = c
	return c, nil
}

func (m *memStore) ListConversations(_ context.Context, owner string) ([]domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Conversation
	for _, c := range m.convs {
		if c.OwnerID == owner {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) AppendExchange(_ context.Context, conv domain.Conversation, userText, assistantText string) ([]domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendCalls++
	if m.appendErr != nil {
		return nil, m.appendErr
	}
	m.clock = m.clock.Add(time.Second)
	pair := []domain.Turn{
		{ID: m.id("turn"), ConversationID: conv.ID, Role: domain.RoleUser, Content: userText, CreatedAt: m.clock},
		{ID: m.id("turn"), ConversationID: conv.ID, Role: domain.RoleAssistant, Content: assistantText, CreatedAt: m.clock.Add(time.Nanosecond)},
	}
	m.turns[conv.ID] = append(m.turns[conv.ID], pair...)
	c := m.convs[conv.ID]
	c.LastActivity = m.clock
	m.convs[conv.ID] = c
	return pair, nil
}

func (m *memStore) RecentTurns(_ context.Context, id string, limit int) ([]domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.turns[id]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]domain.Turn(nil), all...), nil
}

func (m *memStore) ListTurns(_ context.Context, id string) ([]domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Turn(nil), m.turns[id]...), nil
}

func (m *memStore) LastTurn(_ context.Context, id string) (*domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.turns[id]
	if len(all) == 0 {
		return nil, nil
	}
	t := all[len(all)-1]
	return &t, nil
}

func (m *memStore) GetUsage(_ context.Context, owner string, day time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usageReads++
	if m.usageErr != nil {
		return 0, m.usageErr
	}
	return m.usage[usageKey(owner, day)], nil
}

func (m *memStore) IncrementUsage(_ context.Context, owner string, day time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usageWrites++
	if m.incrementErr != nil {
		return 0, m.incrementErr
	}
	m.usage[usageKey(owner, day)]++
	return m.usage[usageKey(owner, day)], nil
}

func (m *memStore) GetEntitlement(_ context.Context, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entitled[owner], nil
}

func (m *memStore) PutEntitlement(_ context.Context, owner string, unlimited bool, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entitled[owner] = unlimited
	return nil
}

func (m *memStore) GetPersona(_ context.Context, id string) (domain.Persona, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.personas[id]
	if !ok {
		return domain.Persona{}, domain.ErrNotFound
	}
	return p, nil
}

func (m *memStore) ListPersonasByCreator(_ context.Context, creator string) ([]domain.Persona, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Persona
	for _, p := range m.personas {
		if p.CreatorID == creator {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) CreatePersona(_ context.Context, p domain.Persona) (domain.Persona, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = m.id("persona")
	p.CreatedAt = m.clock
	m.personas[p.ID] = p
	return p, nil
}

func (m *memStore) GetProfile(_ context.Context, owner string) (domain.ProfileContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[owner]
	if !ok {
		return domain.ProfileContext{}, domain.ErrNotFound
	}
	return p, nil
}

func (m *memStore) PutProfile(_ context.Context, owner string, p domain.ProfileContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[owner] = p
	return nil
}

func (m *memStore) seedTurns(convID string, n int) {
	for i := 0; i < n; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		m.turns[convID] = append(m.turns[convID], domain.Turn{
			ID:             fmt.Sprintf("seed-%d", i),
			ConversationID: convID,
			Role:           role,
			Content:        fmt.Sprintf("message %d", i),
			CreatedAt:      fixedNow.Add(time.Duration(i) * time.Minute),
		})
	}
}

// spyGateway records every call.
type spyGateway struct {
	mu       sync.Mutex
	reply    string
	err      error
	block    bool
	calls    int
	model    string
	system   string
	messages []domain.ChatMessage
}

func (g *spyGateway) Generate(ctx context.Context, model, system string, messages []domain.ChatMessage) (string, error) {
	g.mu.Lock()
	g.calls++
	g.model = model
	g.system = system
	g.messages = messages
	g.mu.Unlock()
	if g.block {
		<-ctx.Done()
		return "", fmt.Errorf("gateway: %w", ctx.Err())
	}
	return g.reply, g.err
}

type fakeBilling struct {
	entitled bool
	err      error
}

func (b *fakeBilling) HasEntitlement(_ context.Context, _ string) (bool, error) {
	return b.entitled, b.err
}

type statusErr struct{ code int }

func (e *statusErr) Error() string       { return fmt.Sprintf("status %d", e.code) }
func (e *statusErr) HTTPStatusCode() int { return e.code }

const testCatalog = `
coaches:
  - id: coach-zen
    name: Zen
    specialty: focus
    instruction: You are Zen, a focus coach.
  - id: coach-max
    name: Max Flow
    specialty: productivity
    instruction: You are Max Flow, a productivity coach.
`

type fixture struct {
	svc     *ChatService
	auth    *fakeAuth
	store   *memStore
	gateway *spyGateway
	billing *fakeBilling
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat, err := catalog.Parse([]byte(testCatalog))
	require.NoError(t, err)

	store := newMemStore()
	gw := &spyGateway{reply: "Let's break that down."}
	bill := &fakeBilling{}
	auth := &fakeAuth{users: map[string]string{tokenAlice: "alice", tokenBob: "bob"}}
	svc, err := NewChatService(Deps{
		Auth:          auth,
		Conversations: store,
		Quota:         store,
		Entitlements:  store,
		Personas:      store,
		Profiles:      store,
		Gateway:       gw,
		Billing:       bill,
		Catalog:       cat,
	}, Config{
		StandardModel: "claude-standard",
		PremiumModel:  "claude-premium",
		ModelTimeout:  200 * time.Millisecond,
	})
	require.NoError(t, err)
	svc.now = func() time.Time { return fixedNow }
	return &fixture{svc: svc, auth: auth, store: store, gateway: gw, billing: bill}
}

func requireCode(t *testing.T, err error, code ErrorCode) *Error {
	t.Helper()
	require.Error(t, err)
	var ue *Error
	require.True(t, errors.As(err, &ue), "expected *usecase.Error, got %T: %v", err, err)
	require.Equal(t, code, ue.Code, "reason=%s", ue.Reason)
	return ue
}
