package engine

import (
	"sort"

	"chatsync/pkg/models"
)

// MessageStore is the ordered, deduplicated message list for one
// conversation. It is a pure state machine: no I/O, every transition is a
// method call, and the same call sequence always yields the same state.
//
// Invariants: ids are unique; entries ascend by CreatedAt with stable
// insertion order breaking ties; an upsert for a known id replaces the entry
// in place (a pending local message and its server echo collapse to one).
type MessageStore struct {
	entries []storeEntry
	index   map[string]int
	hasMore bool
	nextSeq uint64
}

type storeEntry struct {
	msg models.Message
	seq uint64 // insertion order, the CreatedAt tie-break
}

// NewMessageStore returns an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{index: map[string]int{}}
}

// SetInitial replaces the store with a fetched page. Page order is
// irrelevant; the store normalizes to ascending.
func (s *MessageStore) SetInitial(page []models.Message, hasMore bool) {
	s.entries = s.entries[:0]
	s.index = map[string]int{}
	s.hasMore = hasMore
	// oldest-first so insertion seq follows chronology inside the page
	sorted := append([]models.Message(nil), page...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt < sorted[j].CreatedAt })
	for _, m := range sorted {
		if _, dup := s.index[m.ID]; dup {
			continue
		}
		s.nextSeq++
		s.entries = append(s.entries, storeEntry{msg: m, seq: s.nextSeq})
		s.index[m.ID] = len(s.entries) - 1
	}
}

// PrependOlder merges a historical page before the current head,
// de-duplicated by id.
func (s *MessageStore) PrependOlder(page []models.Message) {
	for _, m := range page {
		if _, dup := s.index[m.ID]; dup {
			continue
		}
		s.nextSeq++
		s.entries = append(s.entries, storeEntry{msg: m, seq: s.nextSeq})
		s.index[m.ID] = len(s.entries) - 1
	}
	s.resort()
}

// Upsert inserts m, or replaces the entry sharing its id in place. Applying
// the same insert twice is a no-op beyond the first.
func (s *MessageStore) Upsert(m models.Message) {
	if i, ok := s.index[m.ID]; ok {
		moved := s.entries[i].msg.CreatedAt != m.CreatedAt
		s.entries[i].msg = m
		if moved {
			s.resort()
		}
		return
	}
	s.nextSeq++
	s.entries = append(s.entries, storeEntry{msg: m, seq: s.nextSeq})
	s.resort()
}

// UpdateFields applies a partial patch to the entry with the given id,
// leaving every other field untouched. Unknown ids are ignored.
func (s *MessageStore) UpdateFields(id string, patch models.MessagePatch) {
	i, ok := s.index[id]
	if !ok {
		return
	}
	before := s.entries[i].msg.CreatedAt
	patch.Apply(&s.entries[i].msg)
	if s.entries[i].msg.CreatedAt != before {
		s.resort()
	}
}

// Rekey moves the entry at oldID under newID, used when a retry re-submits
// a failed message under a fresh client id.
func (s *MessageStore) Rekey(oldID, newID string, m models.Message) {
	if i, ok := s.index[oldID]; ok {
		delete(s.index, oldID)
		s.entries[i].msg = m
		s.index[newID] = i
		s.resort()
		return
	}
	s.Upsert(m)
}

// Get returns the message with the given id.
func (s *MessageStore) Get(id string) (models.Message, bool) {
	if i, ok := s.index[id]; ok {
		return s.entries[i].msg, true
	}
	return models.Message{}, false
}

// Messages returns a copy of the ordered list.
func (s *MessageStore) Messages() []models.Message {
	out := make([]models.Message, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.msg
	}
	return out
}

// Len returns the number of entries.
func (s *MessageStore) Len() int { return len(s.entries) }

// HasMore reports whether older history exists past the loaded head.
func (s *MessageStore) HasMore() bool { return s.hasMore }

// SetHasMore records whether older pages remain after a prepend.
func (s *MessageStore) SetHasMore(v bool) { s.hasMore = v }

// OldestTS returns the CreatedAt of the oldest loaded entry, 0 when empty.
// Pagination uses it as the beforeTS cursor.
func (s *MessageStore) OldestTS() int64 {
	if len(s.entries) == 0 {
		return 0
	}
	return s.entries[0].msg.CreatedAt
}

// resort restores ascending (CreatedAt, insertion seq) order and rebuilds
// the id index. The slice is nearly sorted already, so this stays cheap.
func (s *MessageStore) resort() {
	sort.SliceStable(s.entries, func(i, j int) bool {
		if s.entries[i].msg.CreatedAt != s.entries[j].msg.CreatedAt {
			return s.entries[i].msg.CreatedAt < s.entries[j].msg.CreatedAt
		}
		return s.entries[i].seq < s.entries[j].seq
	})
	for i := range s.entries {
		s.index[s.entries[i].msg.ID] = i
	}
}
