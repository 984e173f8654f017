// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package conversation keeps chat histories in memory. Conversations are
// evicted least recently used first and every conversation is serialized by
// its own lock. A conversation that is evicted while a turn holds or waits
// for it stays reachable until the last of them releases it, so a later
// Acquire of the same id still waits for that turn and sees its commit.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/stacklok/mcp-assistant/pkg/assistant"
	"github.com/stacklok/mcp-assistant/pkg/assistant/metrics"
	thverrors "github.com/stacklok/mcp-assistant/pkg/errors"
	"github.com/stacklok/mcp-assistant/pkg/logger"
)

// MaxIDLength bounds client supplied conversation ids.
const MaxIDLength = 128

// Conversation is one chat history.
type Conversation struct {
	ID        string
	CreatedAt time.Time

	// turn is held by the Handle that owns the conversation.
	turn chan struct{}
	// refs counts handles holding or waiting for turn. Guarded by Store.mu.
	refs int

	mu       sync.RWMutex
	messages []assistant.Message
}

func newConversation(id string) *Conversation {
	return &Conversation{
		ID:        id,
		CreatedAt: time.Now(),
		turn:      make(chan struct{}, 1),
	}
}

// Messages returns a copy of the history.
func (c *Conversation) Messages() []assistant.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.messages)
}

// Len returns the number of messages in the history.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// append adds msgs and trims the history to limit. A system message at the
// head of the history is pinned and never trimmed. Tool results left at the
// head without the assistant message that requested them are dropped too.
func (c *Conversation) append(limit int, msgs ...assistant.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.messages = append(c.messages, msgs...)
	if limit <= 0 || len(c.messages) <= limit {
		return
	}

	pinned := 0
	if c.messages[0].Role == assistant.RoleSystem {
		pinned = 1
	}
	excess := len(c.messages) - limit
	if excess > len(c.messages)-pinned {
		excess = len(c.messages) - pinned
	}
	for pinned+excess < len(c.messages) && c.messages[pinned+excess].Role == assistant.RoleTool {
		excess++
	}
	c.messages = slices.Delete(c.messages, pinned, pinned+excess)
}

func (c *Conversation) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
}

// Store holds conversations.
type Store struct {
	maxMessages int
	metrics     *metrics.Metrics
	log         *slog.Logger

	mu    sync.Mutex
	cache *lru.Cache[string, *Conversation]
	// active holds every conversation with a nonzero refs, including
	// evicted ones.
	active map[string]*Conversation
}

// Option configures a Store.
type Option func(*Store)

// WithMetrics records the number of stored conversations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// New creates a Store holding at most maxConversations conversations of at
// most maxMessages messages each.
func New(maxConversations, maxMessages int, opts ...Option) (*Store, error) {
	s := &Store{
		maxMessages: maxMessages,
		log:         logger.Component("conversation"),
		active:      make(map[string]*Conversation),
	}
	for _, opt := range opts {
		opt(s)
	}

	cache, err := lru.NewWithEvict(maxConversations, func(id string, _ *Conversation) {
		s.log.Debug("conversation evicted", "conversation", id)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: conversation store: %v", assistant.ErrInvalidConfig, err)
	}
	s.cache = cache
	return s, nil
}

// Acquire locks the conversation id for a turn, creating it when it does not
// exist. An empty id creates a conversation with a fresh id. Acquire waits for
// the current holder; when ctx expires first it fails with ConversationBusy.
func (s *Store) Acquire(ctx context.Context, id string) (*Handle, error) {
	if len(id) > MaxIDLength {
		return nil, thverrors.NewInvalidArgumentError(
			fmt.Sprintf("conversation id longer than %d characters", MaxIDLength), nil)
	}
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	conv, ok := s.cache.Get(id)
	if !ok {
		if conv, ok = s.active[id]; !ok {
			conv = newConversation(id)
		}
		s.cache.Add(id, conv)
	}
	conv.refs++
	s.active[id] = conv
	n := s.cache.Len()
	s.mu.Unlock()
	s.metrics.SetConversations(n)

	h, err := lock(ctx, conv, s.maxMessages)
	if err != nil {
		s.release(conv)
		return nil, err
	}
	h.store = s
	return h, nil
}

func (s *Store) release(conv *Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv.refs--
	if conv.refs == 0 && s.active[conv.ID] == conv {
		delete(s.active, conv.ID)
	}
}

// Ephemeral returns a locked conversation that is not stored. It is used for
// one-shot turns.
func (s *Store) Ephemeral(ctx context.Context) (*Handle, error) {
	return lock(ctx, newConversation(uuid.NewString()), s.maxMessages)
}

// Get returns the stored conversation id without touching its recency.
func (s *Store) Get(id string) (*Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.cache.Peek(id); ok {
		return conv, true
	}
	conv, ok := s.active[id]
	return conv, ok
}

// Messages returns a copy of the history of id.
func (s *Store) Messages(id string) ([]assistant.Message, bool) {
	conv, ok := s.Get(id)
	if !ok {
		return nil, false
	}
	return conv.Messages(), true
}

// Delete removes id and clears its history. A turn in progress keeps the
// conversation locked and may still commit to it. Deleting an unknown id is a
// no-op; the result reports whether a stored conversation was removed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	conv, ok := s.cache.Peek(id)
	if !ok {
		conv, ok = s.active[id]
	}
	removed := s.cache.Remove(id)
	n := s.cache.Len()
	s.mu.Unlock()
	s.metrics.SetConversations(n)

	if ok {
		conv.clear()
	}
	return removed
}

// Len returns the number of stored conversations.
func (s *Store) Len() int {
	return s.cache.Len()
}

func lock(ctx context.Context, conv *Conversation, limit int) (*Handle, error) {
	select {
	case conv.turn <- struct{}{}:
		return &Handle{conv: conv, limit: limit}, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, thverrors.NewConversationBusyError(
				fmt.Sprintf("conversation %s is busy with another turn", conv.ID), ctx.Err())
		}
		return nil, ctx.Err()
	}
}

// Handle is exclusive access to a conversation for one turn.
type Handle struct {
	conv  *Conversation
	store *Store
	limit int
	once  sync.Once
}

// ID returns the conversation id.
func (h *Handle) ID() string {
	return h.conv.ID
}

// Messages returns a copy of the history.
func (h *Handle) Messages() []assistant.Message {
	return h.conv.Messages()
}

// Append commits msgs to the history and applies the history bound.
func (h *Handle) Append(msgs ...assistant.Message) {
	h.conv.append(h.limit, msgs...)
}

// Release unlocks the conversation. It is safe to call more than once.
func (h *Handle) Release() {
	h.once.Do(func() {
		<-h.conv.turn
		if h.store != nil {
			h.store.release(h.conv)
		}
	})
}
