// Package memchat provides an in-memory ChatStore for tests. It mirrors the
// single-document atomicity the real stores provide: every method takes the
// store lock and copies entities on the way in and out.
package memchat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/convohq/chat-service/internal/model"
	"github.com/convohq/chat-service/internal/registry/store"
	"github.com/google/uuid"
)

type Store struct {
	mu    sync.Mutex
	convs map[uuid.UUID]*model.Conversation
	msgs  map[uuid.UUID]*model.Message
}

var _ store.ChatStore = (*Store)(nil)

func New() *Store {
	return &Store{
		convs: map[uuid.UUID]*model.Conversation{},
		msgs:  map[uuid.UUID]*model.Message{},
	}
}

func copyConv(c *model.Conversation) *model.Conversation {
	dup := *c
	dup.Participants = append([]model.Participant(nil), c.Participants...)
	if c.LastMessage != nil {
		s := *c.LastMessage
		dup.LastMessage = &s
	}
	return &dup
}

func copyMsg(m *model.Message) *model.Message {
	dup := *m
	dup.Reactions = map[string]model.Reaction{}
	for k, v := range m.Reactions {
		dup.Reactions[k] = v
	}
	dup.ReadBy = map[string]time.Time{}
	for k, v := range m.ReadBy {
		dup.ReadBy[k] = v
	}
	return &dup
}

func (s *Store) InsertConversation(_ context.Context, conv *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv.DirectKey != nil {
		for _, c := range s.convs {
			if c.DirectKey != nil && *c.DirectKey == *conv.DirectKey {
				return &store.ConflictError{Message: "direct conversation already exists", Code: "DIRECT_EXISTS"}
			}
		}
	}
	s.convs[conv.ID] = copyConv(conv)
	return nil
}

func (s *Store) GetConversation(_ context.Context, id uuid.UUID) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, &store.NotFoundError{Resource: "conversation", ID: id.String()}
	}
	return copyConv(c), nil
}

func (s *Store) FindDirectConversation(_ context.Context, a, b string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := model.DirectPairKey(a, b)
	for _, c := range s.convs {
		if c.DirectKey != nil && *c.DirectKey == key {
			return copyConv(c), nil
		}
	}
	return nil, &store.NotFoundError{Resource: "conversation", ID: key}
}

func (s *Store) ListConversationsForUser(_ context.Context, userID string, page, limit int) ([]model.Conversation, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []model.Conversation
	for _, c := range s.convs {
		for _, p := range c.Participants {
			if p.UserID == userID {
				all = append(all, *copyConv(c))
				break
			}
		}
	}
	sort.Slice(all, func(i, j int) bool {
		li, lj := all[i].LastMessage, all[j].LastMessage
		switch {
		case li == nil && lj == nil:
			return all[i].CreatedAt.After(all[j].CreatedAt)
		case li == nil:
			return false
		case lj == nil:
			return true
		default:
			return li.Timestamp.After(lj.Timestamp)
		}
	})
	total := int64(len(all))
	start := (page - 1) * limit
	if start >= len(all) {
		return nil, total, nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

func (s *Store) SaveConversation(_ context.Context, conv *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[conv.ID] = copyConv(conv)
	return nil
}

func (s *Store) DeleteConversation(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[id]; !ok {
		return &store.NotFoundError{Resource: "conversation", ID: id.String()}
	}
	delete(s.convs, id)
	return nil
}

func (s *Store) InsertMessage(_ context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[msg.ID] = copyMsg(msg)
	return nil
}

func (s *Store) GetMessage(_ context.Context, id uuid.UUID) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return nil, &store.NotFoundError{Resource: "message", ID: id.String()}
	}
	return copyMsg(m), nil
}

func (s *Store) visible(convID uuid.UUID) []*model.Message {
	var out []*model.Message
	for _, m := range s.msgs {
		if m.ConversationID == convID && !m.IsDeleted {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (s *Store) ListMessages(_ context.Context, convID uuid.UUID, page, limit int) ([]model.Message, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.visible(convID)
	total := int64(len(all))
	start := (page - 1) * limit
	if start >= len(all) {
		return nil, total, nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	out := make([]model.Message, 0, end-start)
	for _, m := range all[start:end] {
		out = append(out, *copyMsg(m))
	}
	return out, total, nil
}

func (s *Store) SaveMessage(_ context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[msg.ID] = copyMsg(msg)
	return nil
}

func (s *Store) SetReaction(_ context.Context, id uuid.UUID, userID string, r model.Reaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return &store.NotFoundError{Resource: "message", ID: id.String()}
	}
	if m.Reactions == nil {
		m.Reactions = map[string]model.Reaction{}
	}
	m.Reactions[userID] = r
	return nil
}

func (s *Store) RemoveReaction(_ context.Context, id uuid.UUID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return &store.NotFoundError{Resource: "message", ID: id.String()}
	}
	delete(m.Reactions, userID)
	return nil
}

func (s *Store) MarkRead(_ context.Context, id uuid.UUID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return &store.NotFoundError{Resource: "message", ID: id.String()}
	}
	if _, exists := m.ReadBy[userID]; exists {
		return nil
	}
	if m.ReadBy == nil {
		m.ReadBy = map[string]time.Time{}
	}
	m.ReadBy[userID] = at
	return nil
}

func (s *Store) DeleteMessagesByConversation(_ context.Context, convID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, m := range s.msgs {
		if m.ConversationID == convID {
			delete(s.msgs, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) LatestVisibleMessage(_ context.Context, convID uuid.UUID) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.visible(convID)
	if len(all) == 0 {
		return nil, &store.NotFoundError{Resource: "message", ID: convID.String()}
	}
	return copyMsg(all[0]), nil
}

func (s *Store) Close(context.Context) error { return nil }
