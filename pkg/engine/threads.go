package engine

import (
	"sort"

	"chatsync/pkg/models"
)

// ThreadList is the sibling reducer for conversation summaries across all
// threads, sorted by most-recent-activity descending. Like MessageStore it
// performs no I/O; the engine feeds it events and fetch results.
type ThreadList struct {
	rows    []models.Thread
	index   map[string]int // participant id -> position
	loading bool
	loaded  bool
}

// NewThreadList returns an empty list.
func NewThreadList() *ThreadList {
	return &ThreadList{index: map[string]int{}}
}

// SetAll replaces the list with a full fetch result.
func (t *ThreadList) SetAll(rows []models.Thread) {
	t.rows = append(t.rows[:0], rows...)
	t.loaded = true
	t.loading = false
	t.resort()
}

// UpsertThread inserts or updates a summary row and restores ordering.
func (t *ThreadList) UpsertThread(th models.Thread) {
	if i, ok := t.index[th.Participant]; ok {
		t.rows[i] = th
	} else {
		t.rows = append(t.rows, th)
	}
	t.resort()
}

// UpdateThreadMessage updates only the preview/unread fields of the row for
// participantID. It reports whether the row existed; a miss means the
// message came from a participant with no row yet and the caller should
// schedule a merge fetch.
func (t *ThreadList) UpdateThreadMessage(participantID string, msg models.Message, incrementUnread bool) bool {
	i, ok := t.index[participantID]
	if !ok {
		return false
	}
	m := msg
	t.rows[i].LastMessage = &m
	if msg.CreatedAt > t.rows[i].UpdatedTS {
		t.rows[i].UpdatedTS = msg.CreatedAt
	}
	if incrementUnread && !msg.SenderIsSelf {
		t.rows[i].UnreadCount++
	}
	t.resort()
	return true
}

// MergeNewThreads merges a full refetch, keeping existing rows (their
// unread counts are authoritative locally) and adding only genuinely new
// ones. Returns how many rows were added.
func (t *ThreadList) MergeNewThreads(rows []models.Thread) int {
	added := 0
	for _, th := range rows {
		if _, dup := t.index[th.Participant]; dup {
			continue
		}
		t.rows = append(t.rows, th)
		t.index[th.Participant] = len(t.rows) - 1
		added++
	}
	if added > 0 {
		t.resort()
	}
	return added
}

// MarkRead zeroes the unread count for participantID.
func (t *ThreadList) MarkRead(participantID string) {
	if i, ok := t.index[participantID]; ok {
		t.rows[i].UnreadCount = 0
	}
}

// SetAnonymous flips the anonymity flag of one row. Only proximity checks
// call this; nothing else may touch the flag.
func (t *ThreadList) SetAnonymous(participantID string, anonymous bool) {
	if i, ok := t.index[participantID]; ok {
		t.rows[i].Anonymous = anonymous
	}
}

// Known reports whether a row exists for participantID.
func (t *ThreadList) Known(participantID string) bool {
	_, ok := t.index[participantID]
	return ok
}

// Threads returns a copy of the ordered rows.
func (t *ThreadList) Threads() []models.Thread {
	return append([]models.Thread(nil), t.rows...)
}

// Len returns the number of rows.
func (t *ThreadList) Len() int { return len(t.rows) }

// SetLoading marks a blocking load; used only for the first load or an
// explicit refresh, never for incremental updates.
func (t *ThreadList) SetLoading(v bool) { t.loading = v }

// Loading reports whether a blocking load is in flight.
func (t *ThreadList) Loading() bool { return t.loading }

// Loaded reports whether the list has completed its first load.
func (t *ThreadList) Loaded() bool { return t.loaded }

func (t *ThreadList) resort() {
	sort.SliceStable(t.rows, func(i, j int) bool {
		return t.rows[i].UpdatedTS > t.rows[j].UpdatedTS
	})
	// rebuild from scratch so rows dropped by a full replace don't leave
	// stale positions behind
	t.index = make(map[string]int, len(t.rows))
	for i := range t.rows {
		t.index[t.rows[i].Participant] = i
	}
}
