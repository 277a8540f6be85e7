package chat

import (
	"cmp"
	"slices"
	"sync"

	"parley/internal/models"
)

type ChangeKind int

const (
	ChangeMessages ChangeKind = iota
	ChangeConversations
)

// Change describes one store mutation, reported through Config.OnChange.
type Change struct {
	Kind ChangeKind
	Pair models.PairKey
}

type StoreConfig struct {
	// Self is the local user id.
	Self       int64
	MaxRecords int
	OnChange   func(Change)
}

// Store holds every conversation and timeline of one session. Timelines are
// keyed by participant pair, conversations are also indexed by server id.
type Store struct {
	self       int64
	maxRecords int
	onChange   func(Change)

	conversations map[models.PairKey]*models.Conversation
	byID          map[int64]models.PairKey
	chats         map[models.PairKey]*Chat
	active        models.PairKey
	hasActive     bool

	mu sync.RWMutex
}

func NewStore(config StoreConfig) *Store {
	return &Store{
		self:          config.Self,
		maxRecords:    config.MaxRecords,
		onChange:      config.OnChange,
		conversations: make(map[models.PairKey]*models.Conversation),
		byID:          make(map[int64]models.PairKey),
		chats:         make(map[models.PairKey]*Chat),
	}
}

func (s *Store) notify(changes ...Change) {
	if s.onChange == nil {
		return
	}
	for _, c := range changes {
		s.onChange(c)
	}
}

func (s *Store) chatFor(pair models.PairKey) *Chat {
	c, ok := s.chats[pair]
	if !ok {
		c = New(Config{Pair: pair, Self: s.self, MaxRecords: s.maxRecords})
		s.chats[pair] = c
	}
	return c
}

// resolve finds the timeline a message belongs to. A known conversation id
// wins over the participant pair when the two disagree.
func (s *Store) resolve(msg models.Message) (models.PairKey, bool) {
	if msg.ConversationID != 0 {
		if pair, ok := s.byID[msg.ConversationID]; ok {
			return pair, true
		}
	}
	pair := msg.PairKey()
	if _, ok := s.conversations[pair]; ok {
		return pair, true
	}
	if s.hasActive && s.active == pair {
		return pair, true
	}
	return models.PairKey{}, false
}

// Resolve reports whether msg belongs to a known or active conversation.
func (s *Store) Resolve(msg models.Message) (models.PairKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolve(msg)
}

// conversationFor returns the conversation for pair, creating a local
// placeholder when none is known yet.
func (s *Store) conversationFor(pair models.PairKey, id int64) *models.Conversation {
	conv, ok := s.conversations[pair]
	if !ok {
		conv = &models.Conversation{Participants: [2]int64{pair.Low, pair.High}}
		s.conversations[pair] = conv
	}
	if conv.ID == 0 && id != 0 {
		conv.ID = id
		s.byID[id] = pair
	}
	return conv
}

func (s *Store) touch(conv *models.Conversation, msg models.Message, pair models.PairKey, countUnread bool) {
	conv.LastMessage = msg.Body
	if msg.Kind == models.KindImage {
		conv.LastMessage = "[image]"
	}
	if !msg.CreatedAt.IsZero() {
		conv.LastMessageAt = msg.CreatedAt
	}
	switch {
	case s.hasActive && s.active == pair:
		conv.UnreadCount = 0
	case countUnread && msg.SenderID != s.self && !msg.Read:
		conv.UnreadCount++
	}
}

// AppendOptimistic inserts a locally created message in pending state.
func (s *Store) AppendOptimistic(msg models.Message) models.Message {
	s.mu.Lock()
	pair := msg.PairKey()
	if p, ok := s.resolve(msg); ok {
		pair = p
	}
	conv := s.conversationFor(pair, msg.ConversationID)
	if msg.ConversationID == 0 {
		msg.ConversationID = conv.ID
	}
	msg = s.chatFor(pair).AppendOptimistic(msg)
	s.touch(conv, msg, pair, false)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessages, Pair: pair}, Change{Kind: ChangeConversations, Pair: pair})
	return msg
}

// MergeConfirmed folds a confirmed message into its conversation. It returns
// false when the message matches no known or active conversation; the store
// is left untouched in that case.
func (s *Store) MergeConfirmed(msg models.Message) (models.Message, MergeResult, bool) {
	return s.merge(msg, true)
}

// MergeRefreshed merges a message that arrived before its conversation was
// known. The refreshed conversation list already counts it as unread.
func (s *Store) MergeRefreshed(msg models.Message) (models.Message, MergeResult, bool) {
	return s.merge(msg, false)
}

func (s *Store) merge(msg models.Message, countUnread bool) (models.Message, MergeResult, bool) {
	s.mu.Lock()
	pair, ok := s.resolve(msg)
	if !ok {
		s.mu.Unlock()
		return msg, MergeAppended, false
	}
	conv := s.conversationFor(pair, msg.ConversationID)
	if msg.ConversationID == 0 {
		msg.ConversationID = conv.ID
	}
	merged, result := s.chatFor(pair).MergeConfirmed(msg)
	if last, ok := s.chats[pair].Last(); ok && last.Key() == merged.Key() {
		s.touch(conv, merged, pair, countUnread && result == MergeAppended)
	} else if s.hasActive && s.active == pair {
		conv.UnreadCount = 0
	}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessages, Pair: pair}, Change{Kind: ChangeConversations, Pair: pair})
	return merged, result, true
}

// MarkFailed flips the pending message with transientID to failed.
func (s *Store) MarkFailed(transientID int64) (models.Message, bool) {
	s.mu.Lock()
	var (
		failed models.Message
		pair   models.PairKey
		found  bool
	)
	for p, c := range s.chats {
		if failed, found = c.MarkFailed(transientID); found {
			pair = p
			break
		}
	}
	s.mu.Unlock()

	if found {
		s.notify(Change{Kind: ChangeMessages, Pair: pair})
	}
	return failed, found
}

// MarkPending flips a failed message back to pending so it can be resent.
func (s *Store) MarkPending(transientID int64) (models.Message, bool) {
	s.mu.Lock()
	var (
		msg   models.Message
		pair  models.PairKey
		found bool
	)
	for p, c := range s.chats {
		if msg, found = c.MarkPending(transientID); found {
			pair = p
			break
		}
	}
	s.mu.Unlock()

	if found {
		s.notify(Change{Kind: ChangeMessages, Pair: pair})
	}
	return msg, found
}

func (s *Store) empty() bool {
	for _, c := range s.chats {
		if c.Len() > 0 {
			return false
		}
	}
	return true
}

// Empty reports whether no conversation holds any message.
func (s *Store) Empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.empty()
}

// ApplyHistory loads the session snapshot, oldest first. It only applies
// while the store holds no messages at all, so messages that arrived live
// before the snapshot are never duplicated or dropped.
func (s *Store) ApplyHistory(msgs []models.Message) bool {
	s.mu.Lock()
	if !s.empty() {
		s.mu.Unlock()
		return false
	}

	touched := make(map[models.PairKey]struct{})
	for _, msg := range msgs {
		pair, ok := s.resolve(msg)
		if !ok {
			if !msg.PairKey().Has(s.self) {
				continue
			}
			pair = msg.PairKey()
		}
		s.applyConfirmed(pair, msg)
		touched[pair] = struct{}{}
	}
	s.mu.Unlock()

	for pair := range touched {
		s.notify(Change{Kind: ChangeMessages, Pair: pair})
	}
	s.notify(Change{Kind: ChangeConversations})
	return true
}

// ApplyBootstrap loads one conversation's messages fetched over REST. It only
// applies while that timeline is empty.
func (s *Store) ApplyBootstrap(pair models.PairKey, msgs []models.Message) bool {
	s.mu.Lock()
	if c, ok := s.chats[pair]; ok && c.Len() > 0 {
		s.mu.Unlock()
		return false
	}
	for _, msg := range msgs {
		s.applyConfirmed(pair, msg)
	}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessages, Pair: pair}, Change{Kind: ChangeConversations, Pair: pair})
	return true
}

func (s *Store) applyConfirmed(pair models.PairKey, msg models.Message) {
	conv := s.conversationFor(pair, msg.ConversationID)
	if msg.ConversationID == 0 {
		msg.ConversationID = conv.ID
	}
	merged, _ := s.chatFor(pair).MergeConfirmed(msg)
	conv.LastMessage = merged.Body
	if merged.Kind == models.KindImage {
		conv.LastMessage = "[image]"
	}
	if !merged.CreatedAt.IsZero() {
		conv.LastMessageAt = merged.CreatedAt
	}
}

// Upsert adds or updates a conversation coming from the server. Unread count
// of the active conversation stays at zero.
func (s *Store) Upsert(conv models.Conversation) models.PairKey {
	s.mu.Lock()
	pair := s.upsert(conv)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeConversations, Pair: pair})
	return pair
}

func (s *Store) upsert(conv models.Conversation) models.PairKey {
	pair := conv.PairKey()
	old, ok := s.conversations[pair]
	if ok && old.ID != 0 && old.ID != conv.ID {
		delete(s.byID, old.ID)
	}
	if ok {
		conv = keepNewer(conv, *old)
	}
	if s.hasActive && s.active == pair {
		conv.UnreadCount = 0
	}
	if conv.ID != 0 {
		s.byID[conv.ID] = pair
	}
	c := conv
	s.conversations[pair] = &c
	return pair
}

// keepNewer keeps the local preview, timestamp and unread count when they
// are more recent than the server copy, which may come from a cache.
func keepNewer(server, local models.Conversation) models.Conversation {
	if local.LastMessageAt.After(server.LastMessageAt) {
		server.LastMessage = local.LastMessage
		server.LastMessageAt = local.LastMessageAt
		server.UnreadCount = local.UnreadCount
	}
	return server
}

// ReplaceConversations swaps in the server conversation list. Local
// conversations that already hold messages but are missing from the list
// are kept.
func (s *Store) ReplaceConversations(list []models.Conversation) {
	s.mu.Lock()
	old := s.conversations
	s.conversations = make(map[models.PairKey]*models.Conversation, len(list))
	s.byID = make(map[int64]models.PairKey, len(list))
	for _, conv := range list {
		if prev, ok := old[conv.PairKey()]; ok {
			conv = keepNewer(conv, *prev)
		}
		s.upsert(conv)
	}
	for pair, conv := range old {
		if _, ok := s.conversations[pair]; ok {
			continue
		}
		if c, ok := s.chats[pair]; ok && c.Len() > 0 {
			s.upsert(*conv)
		}
	}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeConversations})
}

// SetActive marks the conversation with pair as the open one and clears its
// unread count.
func (s *Store) SetActive(pair models.PairKey) {
	s.mu.Lock()
	s.active = pair
	s.hasActive = true
	if conv, ok := s.conversations[pair]; ok {
		conv.UnreadCount = 0
	}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeConversations, Pair: pair})
}

func (s *Store) ClearActive() {
	s.mu.Lock()
	s.hasActive = false
	s.active = models.PairKey{}
	s.mu.Unlock()
}

func (s *Store) Active() (models.PairKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active, s.hasActive
}

func (s *Store) Conversation(pair models.PairKey) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[pair]
	if !ok {
		return models.Conversation{}, false
	}
	return *conv, true
}

func (s *Store) ConversationByID(id int64) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pair, ok := s.byID[id]
	if !ok {
		return models.Conversation{}, false
	}
	return *s.conversations[pair], true
}

// Conversations returns all conversations, most recent activity first.
func (s *Store) Conversations() []models.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		result = append(result, *conv)
	}
	slices.SortFunc(result, func(a, b models.Conversation) int {
		if c := b.LastMessageAt.Compare(a.LastMessageAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return result
}

// Messages returns a copy of the timeline for pair, oldest first.
func (s *Store) Messages(pair models.PairKey) []models.Message {
	s.mu.RLock()
	c, ok := s.chats[pair]
	s.mu.RUnlock()
	if !ok {
		return []models.Message{}
	}
	return c.GetRecords()
}

// Failed returns every message whose send failed.
func (s *Store) Failed() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []models.Message
	for _, c := range s.chats {
		for _, m := range c.GetRecords() {
			if m.Delivery == models.DeliveryFailed {
				result = append(result, m)
			}
		}
	}
	slices.SortFunc(result, func(a, b models.Message) int {
		return cmp.Compare(a.TransientID, b.TransientID)
	})
	return result
}
