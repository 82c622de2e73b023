package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_UnknownUserIsOffline(t *testing.T) {
	tr := NewTracker()

	st := tr.Status(404)
	assert.False(t, st.IsOnline)
	assert.False(t, st.Known)
	assert.Equal(t, "Offline", tr.LastSeenText(404))
}

func TestTracker_OnlineOffline(t *testing.T) {
	tr := NewTracker()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	tr.SetOnline(1)
	assert.True(t, tr.IsOnline(1))
	assert.Equal(t, "Online", tr.LastSeenText(1))

	tr.SetOffline(1, now.Add(-5*time.Minute))
	assert.False(t, tr.IsOnline(1))
	assert.Equal(t, "5 min ago", tr.LastSeenText(1))
}

func TestFormatLastSeen(t *testing.T) {
	cases := map[time.Duration]string{
		10 * time.Second:   "Just now",
		59 * time.Minute:   "59 min ago",
		time.Hour:          "1 hour ago",
		3 * time.Hour:      "3 hours ago",
		25 * time.Hour:     "1 day ago",
		72 * time.Hour:     "3 days ago",
	}
	for d, want := range cases {
		assert.Equal(t, want, FormatLastSeen(d), d.String())
	}
	assert.Equal(t, "23 hours ago", FormatLastSeen(23*time.Hour+59*time.Minute))
}

func TestTracker_Typing(t *testing.T) {
	tr := NewTracker()

	assert.True(t, tr.SetTyping(7, 1))
	assert.False(t, tr.SetTyping(7, 1), "second start is not a transition")
	assert.True(t, tr.SetTyping(7, 2))
	assert.ElementsMatch(t, []int64{1, 2}, tr.TypingUsers(7))

	assert.True(t, tr.ClearTyping(7, 1))
	assert.False(t, tr.ClearTyping(7, 1))
	assert.Equal(t, []int64{2}, tr.TypingUsers(7))

	assert.False(t, tr.ClearTyping(99, 1))
	assert.Empty(t, tr.TypingUsers(99))
}

func TestTracker_ConcurrentAccess(t *testing.T) {
	tr := NewTracker()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.SetOnline(id)
				tr.SetTyping(id%5, id)
				_ = tr.LastSeenText(id)
				_ = tr.TypingUsers(id % 5)
				tr.ClearTyping(id%5, id)
				tr.SetOffline(id, time.Now())
			}
		}(int64(i))
	}
	wg.Wait()

	for i := int64(0); i < 5; i++ {
		require.Empty(t, tr.TypingUsers(i))
	}
}
