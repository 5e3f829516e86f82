// Package pebblestore is the pebble-backed reference implementation of the
// persistence collaborator. It powers the dev relay and integration tests;
// production deployments talk to their own backend through persist.Service.
package pebblestore

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/persist"
)

// Store wraps a pebble DB with the key layout used for conversations.
//
// Key layout:
//
//	conv:<conv>:msg:<unix_nano_padded>-<seq>  message JSON, sortable by time
//	msgid:<conv>:<id>                         -> message key above
//	threadrow:<user>:<participant>            thread summary JSON
//	profile:<id>                              participant profile JSON
type Store struct {
	db   *pebble.DB
	path string
	seq  uint64
}

// Open opens (or creates) a pebble database at path.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, err
	}
	logger.Info("pebble_opened", "path", path)
	return &Store{db: db, path: path}, nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	logger.Info("pebble_closed", "path", s.path)
	return err
}

func msgKey(conv string, ts int64, seq uint64) []byte {
	return []byte(fmt.Sprintf("conv:%s:msg:%020d-%06d", conv, ts, seq))
}

func msgPrefix(conv string) []byte {
	return []byte(fmt.Sprintf("conv:%s:msg:", conv))
}

func idKey(conv, id string) []byte {
	return []byte("msgid:" + conv + ":" + id)
}

// SaveMessage appends m under a sortable timestamp key and indexes it by id.
// A message re-saved under an existing id overwrites the original entry in
// place, preserving its position (echoes reconcile, they never duplicate).
func (s *Store) SaveMessage(m models.Message) error {
	if m.ID == "" || m.Conversation == "" {
		return fmt.Errorf("pebblestore: message requires id and conversation")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("pebblestore: marshal message: %w", err)
	}
	// reuse the original key when the id is already known
	if existing, closer, err := s.db.Get(idKey(m.Conversation, m.ID)); err == nil {
		key := append([]byte(nil), existing...)
		closer.Close()
		return s.db.Set(key, data, pebble.Sync)
	}
	key := msgKey(m.Conversation, m.CreatedAt, atomic.AddUint64(&s.seq, 1))
	b := s.db.NewBatch()
	if err := b.Set(key, data, nil); err != nil {
		return err
	}
	if err := b.Set(idKey(m.Conversation, m.ID), key, nil); err != nil {
		return err
	}
	if err := s.db.Apply(b, pebble.Sync); err != nil {
		logger.Error("save_message_failed", "conv", m.Conversation, "id", m.ID, "error", err)
		return err
	}
	logger.Debug("message_saved", "conv", m.Conversation, "id", m.ID)
	return nil
}

// GetMessage looks a message up by conversation and id.
func (s *Store) GetMessage(conv, id string) (models.Message, error) {
	var m models.Message
	key, closer, err := s.db.Get(idKey(conv, id))
	if err != nil {
		return m, persist.ErrNotFound
	}
	k := append([]byte(nil), key...)
	closer.Close()
	v, closer2, err := s.db.Get(k)
	if err != nil {
		return m, persist.ErrNotFound
	}
	defer closer2.Close()
	if err := json.Unmarshal(v, &m); err != nil {
		return m, fmt.Errorf("pebblestore: invalid message JSON: %w", err)
	}
	return m, nil
}

// UpdateMessage applies a patch to the stored message and returns the result.
func (s *Store) UpdateMessage(conv, id string, patch models.MessagePatch) (models.Message, error) {
	m, err := s.GetMessage(conv, id)
	if err != nil {
		return m, err
	}
	patch.Apply(&m)
	return m, s.SaveMessage(m)
}

// ListMessages returns up to limit messages of conv created strictly before
// beforeTS, newest first, plus whether older entries remain. beforeTS <= 0
// means "newest page".
func (s *Store) ListMessages(conv string, limit int, beforeTS int64) ([]models.Message, bool, error) {
	if limit <= 0 {
		limit = 50
	}
	prefix := msgPrefix(conv)
	upper := append(append([]byte(nil), prefix...), 0xff)
	if beforeTS > 0 {
		// keys for beforeTS itself carry a "-seq" suffix and sort above the
		// bare padded timestamp, so this bound is strict.
		upper = []byte(fmt.Sprintf("conv:%s:msg:%020d", conv, beforeTS))
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, false, err
	}
	defer iter.Close()

	var out []models.Message
	for ok := iter.Last(); ok && len(out) < limit; ok = iter.Prev() {
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			logger.Warn("list_messages_bad_json", "conv", conv, "key", string(iter.Key()))
			continue
		}
		out = append(out, m)
	}
	hasMore := iter.Valid()
	return out, hasMore, iter.Error()
}

// SaveThreadRow stores the conversation summary row of participant as seen
// by user.
func (s *Store) SaveThreadRow(user string, th models.Thread) error {
	data, err := json.Marshal(th)
	if err != nil {
		return err
	}
	return s.db.Set([]byte("threadrow:"+user+":"+th.Participant), data, pebble.Sync)
}

// ListThreadRows returns every thread summary stored for user.
func (s *Store) ListThreadRows(user string) ([]models.Thread, error) {
	prefix := []byte("threadrow:" + user + ":")
	upper := append(append([]byte(nil), prefix...), 0xff)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Thread
	for ok := iter.First(); ok; ok = iter.Next() {
		var th models.Thread
		if err := json.Unmarshal(iter.Value(), &th); err != nil {
			continue
		}
		out = append(out, th)
	}
	return out, iter.Error()
}

// SaveProfile stores a participant profile.
func (s *Store) SaveProfile(p models.ParticipantProfile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.db.Set([]byte("profile:"+p.ID), data, pebble.Sync)
}

// GetProfile returns the stored profile for id, or ErrNotFound.
func (s *Store) GetProfile(id string) (models.ParticipantProfile, error) {
	var p models.ParticipantProfile
	v, closer, err := s.db.Get([]byte("profile:" + id))
	if err != nil {
		return p, persist.ErrNotFound
	}
	defer closer.Close()
	if err := json.Unmarshal(v, &p); err != nil {
		return p, err
	}
	return p, nil
}
