package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campus-chat/internal/apperror"
)

func TestEnsureConversation_SamePairBothOrders(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	ab, err := repo.EnsureConversation(ctx, UserToUser, alice, ptr(bob))
	require.NoError(t, err)
	ba, err := repo.EnsureConversation(ctx, UserToUser, bob, ptr(alice))
	require.NoError(t, err)
	assert.Equal(t, ab.ID, ba.ID)
	assert.True(t, ab.IsActive)

	found, err := repo.FindConversation(ctx, UserToUser, bob, ptr(alice))
	require.NoError(t, err)
	assert.Equal(t, ab.ID, found.ID)

	a1, err := repo.EnsureConversation(ctx, UserToAssistant, alice, nil)
	require.NoError(t, err)
	a2, err := repo.EnsureConversation(ctx, UserToAssistant, alice, nil)
	require.NoError(t, err)
	assert.Equal(t, a1.ID, a2.ID)
	assert.NotEqual(t, ab.ID, a1.ID)
	assert.Nil(t, a1.User2ID)
}

func TestEnsureConversation_Concurrent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	ids := make(chan int64, 20)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := alice, bob
			if i%2 == 0 {
				a, b = b, a
			}
			c, err := repo.EnsureConversation(ctx, UserToUser, a, &b)
			if assert.NoError(t, err) {
				ids <- c.ID
			}
		}(i)
	}
	wg.Wait()
	close(ids)

	var first int64
	for id := range ids {
		if first == 0 {
			first = id
		}
		assert.Equal(t, first, id)
	}
}

func TestFindConversation_Missing(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.FindConversation(context.Background(), UserToUser, alice, ptr(bob))
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestAppendMessage_PartsAndOrder(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	conv, err := repo.EnsureConversation(ctx, UserToUser, alice, ptr(bob))
	require.NoError(t, err)

	msg, err := repo.AppendMessage(ctx, &NewMessage{
		ConversationID: conv.ID,
		Sender:         HumanSender(alice),
		TextContent:    ptr("see attached"),
		Contents: []MessageContent{
			{ContentType: ContentImage, FileURL: ptr("/uploads/a.png"), FileName: ptr("a.png"), Width: ptr(10), Height: ptr(20)},
			{ContentType: ContentFile, FileURL: ptr("/uploads/b.pdf"), FileName: ptr("b.pdf"), FileSize: ptr(int64(42))},
		},
	})
	require.NoError(t, err)
	assert.NotZero(t, msg.ID)
	require.Len(t, msg.Contents, 2)
	assert.Equal(t, 0, msg.Contents[0].Order)
	assert.Equal(t, 1, msg.Contents[1].Order)

	got, err := repo.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, got.Contents, 2)
	assert.Equal(t, "a.png", *got.Contents[0].FileName)
	assert.Equal(t, 20, *got.Contents[0].Height)
	assert.Equal(t, int64(42), *got.Contents[1].FileSize)
	assert.True(t, got.Sender.Is(alice))
	assert.False(t, got.Sender.IsAssistant())
}

func TestAppendMessage_AtomicOnPartFailure(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	conv, err := repo.EnsureConversation(ctx, UserToUser, alice, ptr(bob))
	require.NoError(t, err)

	_, err = repo.AppendMessage(ctx, &NewMessage{
		ConversationID: conv.ID,
		Sender:         HumanSender(alice),
		TextContent:    ptr("broken"),
		Contents: []MessageContent{
			{ContentType: ContentText, TextContent: ptr("ok")},
			{ContentType: ContentType("video")},
		},
	})
	require.Error(t, err)

	msgs, err := repo.ListMessages(ctx, conv.ID, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestAppendMessage_MissingConversation(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.AppendMessage(context.Background(), &NewMessage{
		ConversationID: 404, Sender: HumanSender(alice), TextContent: ptr("x"),
	})
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestAppendMessage_OrderingNeverRegresses(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	conv, err := repo.EnsureConversation(ctx, UserToUser, alice, ptr(bob))
	require.NoError(t, err)

	first, err := repo.AppendMessage(ctx, &NewMessage{ConversationID: conv.ID, Sender: HumanSender(alice), TextContent: ptr("1")})
	require.NoError(t, err)

	// A writer whose clock lags must still sort after the newest message.
	repo.now = func() time.Time { return first.CreatedAt.Add(-time.Hour) }
	second, err := repo.AppendMessage(ctx, &NewMessage{ConversationID: conv.ID, Sender: HumanSender(bob), TextContent: ptr("2")})
	require.NoError(t, err)
	assert.False(t, second.CreatedAt.Before(first.CreatedAt))

	msgs, err := repo.ListMessages(ctx, conv.ID, 1, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, second.ID, msgs[0].ID)
	assert.Equal(t, first.ID, msgs[1].ID)
}

func TestAppendMessage_ConcurrentWriters(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	conv, err := repo.EnsureConversation(ctx, UserToUser, alice, ptr(bob))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := alice
			if i%2 == 1 {
				sender = bob
			}
			_, err := repo.AppendMessage(ctx, &NewMessage{
				ConversationID: conv.ID, Sender: HumanSender(sender), TextContent: ptr(fmt.Sprint(i)),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	msgs, err := repo.ListMessages(ctx, conv.ID, 1, 100)
	require.NoError(t, err)
	require.Len(t, msgs, 30)
	for i := 1; i < len(msgs); i++ {
		prev, cur := msgs[i-1], msgs[i]
		ordered := prev.CreatedAt.After(cur.CreatedAt) || (prev.CreatedAt.Equal(cur.CreatedAt) && prev.ID > cur.ID)
		assert.True(t, ordered, "message %d out of order", cur.ID)
		// Commit order follows id order.
		assert.Greater(t, prev.ID, cur.ID)
	}
}

func TestListMessages_PagingAndSoftDelete(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	conv, err := repo.EnsureConversation(ctx, UserToUser, alice, ptr(bob))
	require.NoError(t, err)

	var ids []int64
	for i := 0; i < 5; i++ {
		m, err := repo.AppendMessage(ctx, &NewMessage{ConversationID: conv.ID, Sender: HumanSender(alice), TextContent: ptr(fmt.Sprint(i))})
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	page1, err := repo.ListMessages(ctx, conv.ID, 1, 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, ids[4], page1[0].ID)
	assert.Equal(t, ids[3], page1[1].ID)

	page3, err := repo.ListMessages(ctx, conv.ID, 3, 2)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Equal(t, ids[0], page3[0].ID)

	changed, err := repo.SoftDelete(ctx, ids[4])
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = repo.SoftDelete(ctx, ids[4])
	require.NoError(t, err)
	assert.False(t, changed)

	all, err := repo.ListMessages(ctx, conv.ID, 1, 10)
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.Equal(t, ids[3], all[0].ID)

	// Deleted rows stay for audit.
	m, err := repo.GetMessage(ctx, ids[4])
	require.NoError(t, err)
	assert.True(t, m.IsDeleted)
}

func TestSearch_ScopeCapAndEscaping(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	ab, err := repo.EnsureConversation(ctx, UserToUser, alice, ptr(bob))
	require.NoError(t, err)
	bc, err := repo.EnsureConversation(ctx, UserToUser, bob, ptr(carol))
	require.NoError(t, err)

	for i := 0; i < SearchLimit+5; i++ {
		_, err := repo.AppendMessage(ctx, &NewMessage{ConversationID: ab.ID, Sender: HumanSender(alice), TextContent: ptr(fmt.Sprintf("Homework %d", i))})
		require.NoError(t, err)
	}
	secret, err := repo.AppendMessage(ctx, &NewMessage{ConversationID: bc.ID, Sender: HumanSender(carol), TextContent: ptr("homework secret")})
	require.NoError(t, err)
	pct, err := repo.AppendMessage(ctx, &NewMessage{ConversationID: ab.ID, Sender: HumanSender(bob), TextContent: ptr("scored 100% on it")})
	require.NoError(t, err)

	hits, err := repo.Search(ctx, alice, "HOMEWORK", nil)
	require.NoError(t, err)
	assert.Len(t, hits, SearchLimit)
	for _, h := range hits {
		assert.Equal(t, ab.ID, h.ConversationID)
		assert.NotEqual(t, secret.ID, h.ID)
	}
	assert.Equal(t, "Homework 54", *hits[0].TextContent)

	hits, err = repo.Search(ctx, bob, "homework", &bc.ID)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, secret.ID, hits[0].ID)

	hits, err = repo.Search(ctx, alice, "100%", nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, pct.ID, hits[0].ID)

	_, err = repo.SoftDelete(ctx, pct.ID)
	require.NoError(t, err)
	hits, err = repo.Search(ctx, alice, "100%", nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearch_FoldsNonASCIICase(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	ab, err := repo.EnsureConversation(ctx, UserToUser, alice, ptr(bob))
	require.NoError(t, err)

	greek, err := repo.AppendMessage(ctx, &NewMessage{ConversationID: ab.ID, Sender: HumanSender(alice), TextContent: ptr("ΚΑΛΗΜΕΡΑ from Athens")})
	require.NoError(t, err)
	edited, err := repo.AppendMessage(ctx, &NewMessage{ConversationID: ab.ID, Sender: HumanSender(bob), TextContent: ptr("draft")})
	require.NoError(t, err)
	_, err = repo.UpdateMessageText(ctx, edited.ID, "Übung morgen")
	require.NoError(t, err)

	hits, err := repo.Search(ctx, alice, "καλημερα", nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, greek.ID, hits[0].ID)

	hits, err = repo.Search(ctx, alice, "übung", nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, edited.ID, hits[0].ID)

	hits, err = repo.Search(ctx, alice, "draft", nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestReadStatus_SingleRowPerUser(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	conv, err := repo.EnsureConversation(ctx, UserToUser, alice, ptr(bob))
	require.NoError(t, err)
	m, err := repo.AppendMessage(ctx, &NewMessage{ConversationID: conv.ID, Sender: HumanSender(alice), TextContent: ptr("hi")})
	require.NoError(t, err)

	require.NoError(t, repo.UpsertReadStatus(ctx, m.ID, bob, StatusDelivered))
	require.NoError(t, repo.UpsertReadStatus(ctx, m.ID, bob, StatusRead))
	require.NoError(t, repo.UpsertReadStatus(ctx, m.ID, bob, StatusRead))
	require.NoError(t, repo.UpsertReadStatus(ctx, m.ID, bob, StatusDelivered))

	statuses, err := repo.ReadStatuses(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, StatusRead, statuses[0].Status)
	assert.Equal(t, bob, statuses[0].UserID)
}

func TestMarkConversationRead_AndUnreadCount(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	conv, err := repo.EnsureConversation(ctx, UserToUser, alice, ptr(bob))
	require.NoError(t, err)

	var fromAlice []int64
	for i := 0; i < 3; i++ {
		m, err := repo.AppendMessage(ctx, &NewMessage{ConversationID: conv.ID, Sender: HumanSender(alice), TextContent: ptr("x")})
		require.NoError(t, err)
		fromAlice = append(fromAlice, m.ID)
	}
	_, err = repo.AppendMessage(ctx, &NewMessage{ConversationID: conv.ID, Sender: HumanSender(bob), TextContent: ptr("y")})
	require.NoError(t, err)

	n, err := repo.UnreadCount(ctx, conv.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	ids, err := repo.MarkConversationRead(ctx, conv.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, fromAlice, ids)

	ids, err = repo.MarkConversationRead(ctx, conv.ID, bob)
	require.NoError(t, err)
	assert.Empty(t, ids)

	n, err = repo.UnreadCount(ctx, conv.ID, bob)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = repo.UnreadCount(ctx, conv.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPurgeMessage_Cascades(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	conv, err := repo.EnsureConversation(ctx, UserToUser, alice, ptr(bob))
	require.NoError(t, err)

	target, err := repo.AppendMessage(ctx, &NewMessage{
		ConversationID: conv.ID, Sender: HumanSender(alice), TextContent: ptr("bye"),
		Contents: []MessageContent{{ContentType: ContentText, TextContent: ptr("part")}},
	})
	require.NoError(t, err)
	reply, err := repo.AppendMessage(ctx, &NewMessage{
		ConversationID: conv.ID, Sender: HumanSender(bob), TextContent: ptr("re"), ReplyToMessageID: &target.ID,
	})
	require.NoError(t, err)
	require.NoError(t, repo.UpsertReadStatus(ctx, target.ID, bob, StatusRead))

	require.NoError(t, repo.PurgeMessage(ctx, target.ID))

	_, err = repo.GetMessage(ctx, target.ID)
	assert.ErrorIs(t, err, apperror.ErrNotFound)
	statuses, err := repo.ReadStatuses(ctx, target.ID)
	require.NoError(t, err)
	assert.Empty(t, statuses)

	got, err := repo.GetMessage(ctx, reply.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ReplyToMessageID)
}

func TestAssistantContext_CreatedOnceWithDefaults(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	conv, err := repo.EnsureConversation(ctx, UserToAssistant, alice, nil)
	require.NoError(t, err)

	ac, err := repo.GetOrCreateAssistantContext(ctx, conv.ID, "Be a tutor.", 10)
	require.NoError(t, err)
	assert.Equal(t, 10, ac.MaxContextMessages)
	assert.Equal(t, "Be a tutor.", ac.SystemPrompt)

	again, err := repo.GetOrCreateAssistantContext(ctx, conv.ID, "other", 3)
	require.NoError(t, err)
	assert.Equal(t, ac.ID, again.ID)
	assert.Equal(t, 10, again.MaxContextMessages)

	before := again.LastInteractionAt
	repo.now = func() time.Time { return before.Add(time.Minute) }
	require.NoError(t, repo.TouchAssistantContext(ctx, conv.ID))
	touched, err := repo.GetOrCreateAssistantContext(ctx, conv.ID, "", 0)
	require.NoError(t, err)
	assert.True(t, touched.LastInteractionAt.After(before))
}

func TestListConversations_ByActivity(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	ab, err := repo.EnsureConversation(ctx, UserToUser, alice, ptr(bob))
	require.NoError(t, err)
	ac, err := repo.EnsureConversation(ctx, UserToUser, alice, ptr(carol))
	require.NoError(t, err)

	require.NoError(t, repo.TouchActivity(ctx, ab.ID, time.Now().Add(time.Hour)))

	list, err := repo.ListConversations(ctx, alice)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ab.ID, list[0].ID)
	assert.Equal(t, ac.ID, list[1].ID)

	list, err = repo.ListConversations(ctx, carol)
	require.NoError(t, err)
	require.Len(t, list, 1)
}
