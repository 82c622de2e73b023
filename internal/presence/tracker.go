// Package presence keeps ephemeral online and typing state in memory.
// Nothing here is persisted: a restart forgets everyone, and readers should
// treat the answers as approximate.
package presence

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"
)

const shardCount = 16

// Status is a point-in-time copy of a user's presence.
type Status struct {
	UserID   int64     `json:"user_id"`
	IsOnline bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen,omitempty"`
	Known    bool      `json:"-"`
}

type shard struct {
	mu     sync.RWMutex
	users  map[int64]Status
	typing map[int64]map[int64]time.Time // conversationID -> userID -> since
}

// Tracker is safe for concurrent use. State is split into shards keyed by
// user id (online state) and conversation id (typing state) so unrelated
// connections do not contend on a single lock.
type Tracker struct {
	shards [shardCount]*shard
	now    func() time.Time
}

func NewTracker() *Tracker {
	t := &Tracker{now: time.Now}
	for i := range t.shards {
		t.shards[i] = &shard{
			users:  make(map[int64]Status),
			typing: make(map[int64]map[int64]time.Time),
		}
	}
	return t
}

func (t *Tracker) shardFor(id int64) *shard {
	h := fnv.New32a()
	h.Write([]byte(strconv.FormatInt(id, 10)))
	return t.shards[h.Sum32()%shardCount]
}

func (t *Tracker) SetOnline(userID int64) {
	s := t.shardFor(userID)
	s.mu.Lock()
	s.users[userID] = Status{UserID: userID, IsOnline: true, LastSeen: t.now(), Known: true}
	s.mu.Unlock()
}

func (t *Tracker) SetOffline(userID int64, lastSeen time.Time) {
	s := t.shardFor(userID)
	s.mu.Lock()
	s.users[userID] = Status{UserID: userID, IsOnline: false, LastSeen: lastSeen, Known: true}
	s.mu.Unlock()
}

// Status returns the user's presence. Unknown users come back offline with
// Known=false.
func (t *Tracker) Status(userID int64) Status {
	s := t.shardFor(userID)
	s.mu.RLock()
	st, ok := s.users[userID]
	s.mu.RUnlock()
	if !ok {
		return Status{UserID: userID}
	}
	return st
}

func (t *Tracker) IsOnline(userID int64) bool {
	return t.Status(userID).IsOnline
}

// LastSeenText renders presence the way chat headers show it.
func (t *Tracker) LastSeenText(userID int64) string {
	st := t.Status(userID)
	if st.IsOnline {
		return "Online"
	}
	if !st.Known || st.LastSeen.IsZero() {
		return "Offline"
	}
	return FormatLastSeen(t.now().Sub(st.LastSeen))
}

// FormatLastSeen turns an elapsed duration into "N min ago", "N hours ago"
// or "N days ago".
func FormatLastSeen(elapsed time.Duration) string {
	switch {
	case elapsed < time.Minute:
		return "Just now"
	case elapsed < time.Hour:
		return fmt.Sprintf("%d min ago", int(elapsed/time.Minute))
	case elapsed < 24*time.Hour:
		return plural(int(elapsed/time.Hour), "hour")
	default:
		return plural(int(elapsed/(24*time.Hour)), "day")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s ago", unit)
	}
	return fmt.Sprintf("%d %ss ago", n, unit)
}

// SetTyping marks userID as typing in conversationID. It reports whether
// the user was not already typing there.
func (t *Tracker) SetTyping(conversationID, userID int64) bool {
	s := t.shardFor(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	users, ok := s.typing[conversationID]
	if !ok {
		users = make(map[int64]time.Time)
		s.typing[conversationID] = users
	}
	_, already := users[userID]
	users[userID] = t.now()
	return !already
}

// ClearTyping reports whether the user had been typing.
func (t *Tracker) ClearTyping(conversationID, userID int64) bool {
	s := t.shardFor(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	users, ok := s.typing[conversationID]
	if !ok {
		return false
	}
	if _, was := users[userID]; !was {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(s.typing, conversationID)
	}
	return true
}

// TypingUsers returns a copy of the users currently typing.
func (t *Tracker) TypingUsers(conversationID int64) []int64 {
	s := t.shardFor(conversationID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := s.typing[conversationID]
	out := make([]int64, 0, len(users))
	for id := range users {
		out = append(out, id)
	}
	return out
}
