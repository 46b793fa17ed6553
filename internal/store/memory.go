package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paperhub/chat-platform/internal/model"
)

// Memory is an in-process Store for development and tests.
type Memory struct {
	mu            sync.RWMutex
	users         map[string]*model.User
	usersByEmail  map[string]string
	conversations map[model.ConversationRef]*model.Conversation
	pairs         map[string]string
	messages      map[string]*model.Message
	timeline      map[model.ConversationRef][]string
	receipts      map[string]map[string]*model.Receipt
	sessions      map[string]*model.ChatSession

	// FailSave makes SaveMessage fail; used to exercise persistence errors.
	FailSave error
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:         make(map[string]*model.User),
		usersByEmail:  make(map[string]string),
		conversations: make(map[model.ConversationRef]*model.Conversation),
		pairs:         make(map[string]string),
		messages:      make(map[string]*model.Message),
		timeline:      make(map[model.ConversationRef][]string),
		receipts:      make(map[string]map[string]*model.Receipt),
		sessions:      make(map[string]*model.ChatSession),
	}
}

// AddUser registers a user directly. Used for fixtures.
func (s *Memory) AddUser(u model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := u
	s.users[u.ID] = &cp
	if u.Email != "" {
		s.usersByEmail[u.Email] = u.ID
	}
}

func (s *Memory) EnsureUser(_ context.Context, u model.User) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.usersByEmail[u.Email]; ok {
		cp := *s.users[id]
		return &cp, nil
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	cp := u
	s.users[u.ID] = &cp
	s.usersByEmail[u.Email] = u.ID
	return &u, nil
}

func (s *Memory) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, errUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Memory) CreatePrivateChat(_ context.Context, creatorID, otherID string, now time.Time) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(creatorID, otherID)
	if _, ok := s.pairs[key]; ok {
		return nil, errChatExists
	}
	c := &model.Conversation{
		ID:           uuid.NewString(),
		Kind:         model.KindPrivate,
		CreatedBy:    creatorID,
		Participants: []string{creatorID, otherID},
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.pairs[key] = c.ID
	s.conversations[c.Ref()] = c
	return cloneConversation(c), nil
}

func (s *Memory) CreateGroup(_ context.Context, g *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	g.Kind = model.KindGroup
	s.conversations[g.Ref()] = cloneConversation(g)
	return nil
}

func (s *Memory) GetConversation(_ context.Context, ref model.ConversationRef) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[ref]
	if !ok {
		return nil, notFoundFor(ref.Kind)
	}
	return cloneConversation(c), nil
}

func (s *Memory) DeleteConversation(_ context.Context, ref model.ConversationRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[ref]
	if !ok {
		return notFoundFor(ref.Kind)
	}
	if c.Kind == model.KindPrivate && len(c.Participants) == 2 {
		delete(s.pairs, pairKey(c.Participants[0], c.Participants[1]))
	}
	for _, id := range s.timeline[ref] {
		delete(s.messages, id)
		delete(s.receipts, id)
	}
	delete(s.timeline, ref)
	delete(s.conversations, ref)
	return nil
}

func (s *Memory) ListConversations(_ context.Context, userID string, messageLimit int) ([]model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Conversation
	for ref, c := range s.conversations {
		if ref.Kind == model.KindSession || !c.HasParticipant(userID) {
			continue
		}
		cp := cloneConversation(c)
		cp.Messages = s.recentLocked(ref, messageLimit)
		out = append(out, *cp)
	}
	sortByActivity(out)
	return out, nil
}

func (s *Memory) AddMembers(_ context.Context, groupID string, userIDs []string, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.conversations[model.GroupRef(groupID)]
	if !ok {
		return nil, errGroupNotFound
	}
	var changed []string
	for _, id := range userIDs {
		m := g.Membership(id)
		switch {
		case m == nil:
			g.Members = append(g.Members, model.Membership{UserID: id, GroupID: groupID, JoinedAt: now, IsActive: true})
		case !m.Effective():
			m.IsActive = true
			m.LeftAt = nil
			m.JoinedAt = now
		default:
			continue
		}
		changed = append(changed, id)
	}
	return changed, nil
}

func (s *Memory) RemoveMembers(_ context.Context, groupID string, userIDs []string, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.conversations[model.GroupRef(groupID)]
	if !ok {
		return nil, errGroupNotFound
	}
	var changed []string
	for _, id := range userIDs {
		m := g.Membership(id)
		if m == nil || !m.Effective() {
			continue
		}
		m.IsActive = false
		left := now
		m.LeftAt = &left
		changed = append(changed, id)
	}
	return changed, nil
}

func (s *Memory) SaveMessage(_ context.Context, msg *model.Message, recipients []string) ([]model.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSave != nil {
		return nil, s.FailSave
	}
	ref := msg.Conversation
	c, ok := s.conversations[ref]
	if !ok && ref.Kind != model.KindSession {
		return nil, notFoundFor(ref.Kind)
	}
	if ref.Kind == model.KindSession {
		if _, ok := s.sessions[ref.ID]; !ok {
			return nil, errSessionNotFound
		}
	}

	cp := *msg
	s.messages[msg.ID] = &cp
	s.timeline[ref] = append(s.timeline[ref], msg.ID)
	if c != nil {
		at := msg.CreatedAt
		c.LastMessageAt = &at
	}

	receipts := make([]model.Receipt, 0, len(recipients))
	byUser := make(map[string]*model.Receipt, len(recipients))
	for _, uid := range recipients {
		r := model.Receipt{MessageID: msg.ID, UserID: uid}
		byUser[uid] = &r
		receipts = append(receipts, r)
	}
	s.receipts[msg.ID] = byUser
	return receipts, nil
}

func (s *Memory) GetMessage(_ context.Context, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, errMessageNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Memory) UpdateMessageStatus(_ context.Context, msg *model.Message, prev model.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[msg.ID]
	if !ok {
		return false, errMessageNotFound
	}
	if m.Status != prev {
		return false, nil
	}
	m.Status = msg.Status
	m.DeletedAt = msg.DeletedAt
	return true, nil
}

func (s *Memory) RecentMessages(_ context.Context, ref model.ConversationRef, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recentLocked(ref, limit), nil
}

func (s *Memory) BotExchanges(_ context.Context, ref model.ConversationRef, botID string, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.timeline[ref]
	var out []model.Message
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		m := s.messages[ids[i]]
		if m != nil && isBotExchange(*m, botID) {
			out = append(out, *m)
		}
	}
	reverse(out)
	return out, nil
}

func (s *Memory) MarkReceiptDelivered(_ context.Context, messageID, userID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[messageID][userID]
	if !ok {
		return errReceiptNotFound
	}
	r.MarkDelivered(now)
	return nil
}

func (s *Memory) MarkReceiptRead(_ context.Context, messageID, userID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byUser := s.receipts[messageID]
	r, ok := byUser[userID]
	if !ok {
		return false, errReceiptNotFound
	}
	r.MarkRead(now)
	for _, other := range byUser {
		if other.ReadAt == nil {
			return false, nil
		}
	}
	return true, nil
}

func (s *Memory) Receipts(_ context.Context, messageID string) ([]model.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Receipt
	for _, r := range s.receipts[messageID] {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *Memory) CreateSession(_ context.Context, cs model.ChatSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cs
	s.sessions[cs.ID] = &cp
	return nil
}

func (s *Memory) GetSession(_ context.Context, id string) (*model.ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.sessions[id]
	if !ok {
		return nil, errSessionNotFound
	}
	cp := *cs
	return &cp, nil
}

func (s *Memory) ListSessions(_ context.Context, ownerID string) ([]model.ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.ChatSession
	for _, cs := range s.sessions {
		if cs.OwnerID == ownerID {
			out = append(out, *cs)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Memory) Ping(context.Context) error { return nil }

func (s *Memory) recentLocked(ref model.ConversationRef, limit int) []model.Message {
	ids := s.timeline[ref]
	if limit > 0 && len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}
	out := make([]model.Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.messages[id]; ok {
			out = append(out, *m)
		}
	}
	return out
}

func cloneConversation(c *model.Conversation) *model.Conversation {
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)
	cp.Members = append([]model.Membership(nil), c.Members...)
	cp.Messages = nil
	return &cp
}

// sortByActivity orders by last message time, newest first, conversations
// without messages last.
func sortByActivity(cs []model.Conversation) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i].LastMessageAt, cs[j].LastMessageAt
		switch {
		case a == nil && b == nil:
			return cs[i].CreatedAt.After(cs[j].CreatedAt)
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
}

func reverse(ms []model.Message) {
	for i, j := 0, len(ms)-1; i < j; i, j = i+1, j-1 {
		ms[i], ms[j] = ms[j], ms[i]
	}
}
