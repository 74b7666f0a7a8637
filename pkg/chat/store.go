package chat

import (
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/jinzhu/copier"
)

// Op names the kind of mutation a Change describes.
type Op string

const (
	OpReplaced  Op = "replaced"
	OpPrepended Op = "prepended"
	OpAppended  Op = "appended"
	OpUpdated   Op = "updated"
	OpRemoved   Op = "removed"
	OpEvicted   Op = "evicted"
	OpNoop      Op = "noop"
)

// Change is emitted to subscribers after every effective store mutation.
type Change struct {
	ConversationID string   `json:"conversation_id"`
	Op             Op       `json:"op"`
	Key            string   `json:"key,omitempty"`
	Message        *Message `json:"message,omitempty"`
	Count          int      `json:"count,omitempty"`
}

// Patch is a targeted mutation. Nil fields are left untouched.
type Patch struct {
	Body        *string
	Attachments []Attachment
	EditedAt    *time.Time
	Reactions   map[string]int
	MyReactions []string
	PinnedBy    *UserSummary
	Unpin       bool
	Status      Status
	DeletedAt   *time.Time
	ReplyCount  *int
}

type thread struct {
	messages     []Message
	conversation *Conversation
}

// Store holds, per conversation, the ordered message list. Every mutation goes
// through the operations below so ordering and identity rules stay in one place.
type Store struct {
	mu      sync.RWMutex
	threads map[string]*thread

	subsMu  sync.RWMutex
	subs    map[int]func(Change)
	nextSub int
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		threads: make(map[string]*thread),
		subs:    make(map[int]func(Change)),
	}
}

// Subscribe registers fn for every Change. The returned func unregisters it.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

func (s *Store) publish(ch Change) {
	s.subsMu.RLock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subsMu.RUnlock()

	for _, fn := range fns {
		fn(ch)
	}
}

// thread must be called with mu held for writing.
func (s *Store) thread(conversationID string) *thread {
	t, ok := s.threads[conversationID]
	if !ok {
		t = &thread{}
		s.threads[conversationID] = t
	}
	return t
}

// ReplacePage replaces the list of a conversation with the given page.
// Provisional rows the server has not confirmed yet are carried over at their
// created_at position, so a send in flight survives a reload.
func (s *Store) ReplacePage(conversationID string, messages []Message) {
	s.replace(conversationID, messages, nil)
}

// ReplaceLatest replaces the list with the newest unfiltered page. Confirmed
// rows newer than the page are kept as well: they arrived live while the page
// was in flight. When the page is empty, since marks what counts as newer.
func (s *Store) ReplaceLatest(conversationID string, messages []Message, since time.Time) {
	s.replace(conversationID, messages, &since)
}

func (s *Store) replace(conversationID string, messages []Message, since *time.Time) {
	list := normalizePage(conversationID, messages)

	var cutoff time.Time
	if since != nil {
		cutoff = *since
		if n := len(list); n > 0 {
			cutoff = list[n-1].CreatedAt
		}
	}
	inPage := make(map[string]struct{}, len(list)*2)
	for _, m := range list {
		if m.ID != "" {
			inPage[m.ID] = struct{}{}
		}
		if m.LocalID != "" {
			inPage["local:"+m.LocalID] = struct{}{}
		}
	}

	s.mu.Lock()
	t := s.thread(conversationID)
	for _, m := range t.messages {
		switch {
		case m.Provisional():
			if _, ok := inPage["local:"+m.LocalID]; ok {
				continue
			}
		case since != nil && m.ID != "" && m.CreatedAt.After(cutoff):
			if _, ok := inPage[m.ID]; ok {
				continue
			}
		default:
			continue
		}
		list = insertOrdered(list, m, false)
	}
	t.messages = list
	s.mu.Unlock()

	s.publish(Change{ConversationID: conversationID, Op: OpReplaced, Count: len(list)})
}

// PrependOlder merges an older page. Messages already present keep their
// current copy; only unknown ones are inserted. Returns how many were inserted.
func (s *Store) PrependOlder(conversationID string, messages []Message) int {
	incoming := normalizePage(conversationID, messages)

	s.mu.Lock()
	t := s.thread(conversationID)
	known := make(map[string]struct{}, len(t.messages)*2)
	for _, m := range t.messages {
		if m.ID != "" {
			known[m.ID] = struct{}{}
		}
		if m.LocalID != "" {
			known["local:"+m.LocalID] = struct{}{}
		}
	}

	fresh := make([]Message, 0, len(incoming))
	for _, m := range incoming {
		if _, ok := known[m.ID]; ok && m.ID != "" {
			continue
		}
		if _, ok := known["local:"+m.LocalID]; ok && m.LocalID != "" {
			continue
		}
		fresh = append(fresh, m)
	}

	// incoming is ascending, so inserting newest-first keeps each insert at the head
	// for a genuinely older page.
	for i := len(fresh) - 1; i >= 0; i-- {
		t.messages = insertOrdered(t.messages, fresh[i], true)
	}
	s.mu.Unlock()

	if len(fresh) > 0 {
		s.publish(Change{ConversationID: conversationID, Op: OpPrepended, Count: len(fresh)})
	}
	return len(fresh)
}

// AppendOrUpsert applies a live or confirmed message. An existing row with the
// same id is merged in place; a provisional row with the same local id is
// replaced in its slot; anything else is inserted in created_at order.
// Empty incoming fields never clear stored state, so a replayed event is a no-op.
func (s *Store) AppendOrUpsert(conversationID string, m Message) Change {
	return s.upsert(conversationID, m, merge)
}

// UpsertServer is AppendOrUpsert for an authoritative server copy (a send or
// edit response, a resync page). Pin, reactions and attachments are taken as
// the server reports them, including when it reports none.
func (s *Store) UpsertServer(conversationID string, m Message) Change {
	return s.upsert(conversationID, m, mergeServer)
}

func (s *Store) upsert(conversationID string, m Message, mergeFn func(existing, incoming Message) Message) Change {
	in := normalize(conversationID, m)

	s.mu.Lock()
	t := s.thread(conversationID)
	idIdx, localIdx := -1, -1
	if in.ID != "" {
		idIdx = indexOf(t.messages, func(x Message) bool { return x.ID == in.ID })
	}
	if in.LocalID != "" {
		localIdx = indexOf(t.messages, func(x Message) bool { return x.LocalID == in.LocalID })
	}

	ch := Change{ConversationID: conversationID, Key: in.Key()}
	switch {
	case idIdx >= 0 && localIdx >= 0 && idIdx != localIdx:
		// The confirmed copy arrived over the socket before the send response:
		// keep the provisional slot and drop the duplicate row.
		merged := mergeFn(merge(t.messages[localIdx], t.messages[idIdx]), in)
		t.messages[localIdx] = merged
		t.messages = append(t.messages[:idIdx], t.messages[idIdx+1:]...)
		ch.Op = OpUpdated
		ch.Message = &merged
	case idIdx >= 0 || localIdx >= 0:
		idx := idIdx
		if idx < 0 {
			idx = localIdx
		}
		merged := mergeFn(t.messages[idx], in)
		if reflect.DeepEqual(merged, t.messages[idx]) {
			ch.Op = OpNoop
			break
		}
		t.messages[idx] = merged
		ch.Op = OpUpdated
		ch.Message = &merged
	default:
		t.messages = insertOrdered(t.messages, in, false)
		ch.Op = OpAppended
		ch.Message = &in
	}
	s.mu.Unlock()

	if ch.Op != OpNoop {
		out := ch.Message.clone()
		ch.Message = &out
		s.publish(ch)
	}
	return ch
}

// Patch applies a targeted mutation to the row matching key (id or local id).
// It never reorders the list. Returns false when no row matches.
func (s *Store) Patch(conversationID, key string, p Patch) bool {
	s.mu.Lock()
	t, ok := s.threads[conversationID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	idx := indexByKey(t.messages, key)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}

	before := t.messages[idx]
	after := applyPatch(before, p)
	changed := !reflect.DeepEqual(before, after)
	if changed {
		t.messages[idx] = after
	}
	s.mu.Unlock()

	if changed {
		out := after.clone()
		s.publish(Change{ConversationID: conversationID, Op: OpUpdated, Key: after.Key(), Message: &out})
	}
	return true
}

// Restore puts back a previously read copy of a row, matched by its key, in
// the same slot. Used to roll back a failed optimistic edit. A row deleted in
// the meantime stays deleted.
func (s *Store) Restore(conversationID string, m Message) bool {
	s.mu.Lock()
	t, ok := s.threads[conversationID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	idx := indexByKey(t.messages, m.Key())
	if idx < 0 || t.messages[idx].IsTombstone() {
		s.mu.Unlock()
		return false
	}
	restored := normalize(conversationID, m)
	restored.Status = t.messages[idx].Status
	t.messages[idx] = restored
	s.mu.Unlock()

	out := restored.clone()
	s.publish(Change{ConversationID: conversationID, Op: OpUpdated, Key: restored.Key(), Message: &out})
	return true
}

// Remove hard-deletes a row. Used for local cleanup only; server deletes are
// tombstones applied through Patch.
func (s *Store) Remove(conversationID, key string) bool {
	s.mu.Lock()
	t, ok := s.threads[conversationID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	idx := indexByKey(t.messages, key)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	t.messages = append(t.messages[:idx], t.messages[idx+1:]...)
	s.mu.Unlock()

	s.publish(Change{ConversationID: conversationID, Op: OpRemoved, Key: key})
	return true
}

// Evict drops everything cached for a conversation.
func (s *Store) Evict(conversationID string) {
	s.mu.Lock()
	_, ok := s.threads[conversationID]
	delete(s.threads, conversationID)
	s.mu.Unlock()

	if ok {
		s.publish(Change{ConversationID: conversationID, Op: OpEvicted})
	}
}

// PutConversation stores conversation metadata.
func (s *Store) PutConversation(c Conversation) {
	s.mu.Lock()
	cp := c
	s.thread(c.ID).conversation = &cp
	s.mu.Unlock()
}

// Conversation returns the stored metadata for a conversation.
func (s *Store) Conversation(conversationID string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[conversationID]
	if !ok || t.conversation == nil {
		return Conversation{}, false
	}
	return *t.conversation, true
}

// Messages returns the display projection of a conversation, oldest first.
func (s *Store) Messages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[conversationID]
	if !ok {
		return []Message{}
	}
	out := make([]Message, len(t.messages))
	for i, m := range t.messages {
		out[i] = m.Display()
	}
	return out
}

// Get returns the stored copy of a message by id or local id.
func (s *Store) Get(conversationID, key string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[conversationID]
	if !ok {
		return Message{}, false
	}
	idx := indexByKey(t.messages, key)
	if idx < 0 {
		return Message{}, false
	}
	return t.messages[idx].clone(), true
}

// Pinned returns the pinned subset in list order.
func (s *Store) Pinned(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Message{}
	t, ok := s.threads[conversationID]
	if !ok {
		return out
	}
	for _, m := range t.messages {
		if m.IsPinned() {
			out = append(out, m.Display())
		}
	}
	return out
}

func (s *Store) Len(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if t, ok := s.threads[conversationID]; ok {
		return len(t.messages)
	}
	return 0
}

// ConfirmedLen counts rows the server knows about; pagination offsets are
// computed from it.
func (s *Store) ConfirmedLen(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[conversationID]
	if !ok {
		return 0
	}
	n := 0
	for _, m := range t.messages {
		if m.ID != "" {
			n++
		}
	}
	return n
}

// LastKey returns the key of the newest rendered row, or "" when empty.
func (s *Store) LastKey(conversationID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[conversationID]
	if !ok || len(t.messages) == 0 {
		return ""
	}
	return t.messages[len(t.messages)-1].Key()
}

// Newest returns the newest confirmed message of a conversation.
func (s *Store) Newest(conversationID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[conversationID]
	if !ok {
		return Message{}, false
	}
	for i := len(t.messages) - 1; i >= 0; i-- {
		if t.messages[i].ID != "" {
			return t.messages[i].clone(), true
		}
	}
	return Message{}, false
}

func normalize(conversationID string, m Message) Message {
	out := m.clone()
	if out.ConversationID == "" {
		out.ConversationID = conversationID
	}
	if out.Kind == "" {
		out.Kind = KindNormal
	}
	if out.DeletedAt != nil {
		out.Kind = KindTombstone
	}
	return out
}

func normalizePage(conversationID string, messages []Message) []Message {
	seen := make(map[string]struct{}, len(messages))
	list := make([]Message, 0, len(messages))
	for _, m := range messages {
		k := m.Key()
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		list = append(list, normalize(conversationID, m))
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

// insertOrdered places m after the last row not newer than it. When head is
// true the search starts from the front, which is the common case for older pages.
func insertOrdered(list []Message, m Message, head bool) []Message {
	pos := len(list)
	if head {
		pos = 0
		for pos < len(list) && !list[pos].CreatedAt.After(m.CreatedAt) {
			pos++
		}
	} else {
		for pos > 0 && list[pos-1].CreatedAt.After(m.CreatedAt) {
			pos--
		}
	}
	list = append(list, Message{})
	copy(list[pos+1:], list[pos:])
	list[pos] = m
	return list
}

func indexOf(list []Message, match func(Message) bool) int {
	for i := len(list) - 1; i >= 0; i-- {
		if match(list[i]) {
			return i
		}
	}
	return -1
}

func indexByKey(list []Message, key string) int {
	if key == "" {
		return -1
	}
	return indexOf(list, func(m Message) bool { return m.ID == key || m.LocalID == key })
}

// merge folds incoming onto existing. Non-empty incoming fields win; the local
// id, the tombstone state and the delivery status never move backwards.
func merge(existing, incoming Message) Message {
	out := existing.clone()
	if existing.IsTombstone() {
		if out.ID == "" {
			out.ID = incoming.ID
		}
		if incoming.ReplyCount > out.ReplyCount {
			out.ReplyCount = incoming.ReplyCount
		}
		return out
	}

	_ = copier.CopyWithOption(&out, &incoming, copier.Option{IgnoreEmpty: true})

	if existing.LocalID != "" {
		// a row that started provisional keeps its local id and timestamp so
		// its slot does not move when the server clock disagrees
		out.LocalID = existing.LocalID
		if !existing.CreatedAt.IsZero() {
			out.CreatedAt = existing.CreatedAt
		}
	}
	if existing.Status != "" && !existing.Status.CanAdvance(incoming.Status) {
		out.Status = existing.Status
	}
	if incoming.Kind == KindNormal && existing.Kind != "" {
		out.Kind = existing.Kind
	}
	return out
}

// mergeServer is merge for an authoritative copy: fields the server can clear
// are replaced outright. my_reactions is only replaced when reported; otherwise
// it is narrowed to symbols that still have a count.
func mergeServer(existing, incoming Message) Message {
	out := merge(existing, incoming)
	if out.IsTombstone() {
		return out
	}

	out.PinnedBy = nil
	if incoming.PinnedBy != nil {
		u := *incoming.PinnedBy
		out.PinnedBy = &u
	}
	out.Attachments = nil
	if len(incoming.Attachments) > 0 {
		out.Attachments = append([]Attachment(nil), incoming.Attachments...)
	}
	out.Reactions = nil
	for k, v := range incoming.Reactions {
		if v <= 0 {
			continue
		}
		if out.Reactions == nil {
			out.Reactions = make(map[string]int, len(incoming.Reactions))
		}
		out.Reactions[k] = v
	}

	if incoming.MyReactions != nil {
		out.MyReactions = append([]string{}, incoming.MyReactions...)
		return out
	}
	var mine []string
	for _, sym := range existing.MyReactions {
		if out.Reactions[sym] > 0 {
			mine = append(mine, sym)
		}
	}
	out.MyReactions = mine
	return out
}

func applyPatch(m Message, p Patch) Message {
	out := m.clone()

	if p.DeletedAt != nil && !out.IsTombstone() {
		t := *p.DeletedAt
		out.Kind = KindTombstone
		out.DeletedAt = &t
		out.Body = ""
		out.Attachments = nil
	}
	if !out.IsTombstone() {
		if p.Body != nil {
			out.Body = *p.Body
		}
		if p.Attachments != nil {
			out.Attachments = append([]Attachment(nil), p.Attachments...)
		}
		if p.EditedAt != nil {
			t := *p.EditedAt
			out.EditedAt = &t
		}
	}
	if p.Reactions != nil {
		out.Reactions = make(map[string]int, len(p.Reactions))
		for k, v := range p.Reactions {
			if v > 0 {
				out.Reactions[k] = v
			}
		}
	}
	if p.MyReactions != nil {
		out.MyReactions = append([]string{}, p.MyReactions...)
	}
	if p.Unpin {
		out.PinnedBy = nil
	} else if p.PinnedBy != nil {
		u := *p.PinnedBy
		out.PinnedBy = &u
	}
	if out.Status.CanAdvance(p.Status) {
		out.Status = p.Status
	}
	if p.ReplyCount != nil {
		out.ReplyCount = *p.ReplyCount
	}
	return out
}
