package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zalachat/sync/internal/events"
	"zalachat/sync/internal/models"
	"zalachat/sync/internal/reconcile"
)

var base = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

type fakeTransport struct {
	mu   sync.Mutex
	sent []events.Envelope
	err  error
}

func (f *fakeTransport) Emit(_ context.Context, env events.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) types() []events.Type {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]events.Type, len(f.sent))
	for i, env := range f.sent {
		out[i] = env.Type
	}
	return out
}

type fakeHistory struct {
	msgs []models.Message
	err  error
}

func (f *fakeHistory) Messages(context.Context, string) ([]models.Message, error) {
	return f.msgs, f.err
}

type fakeResolver struct {
	mu    sync.Mutex
	names map[string]string
	calls int
}

func (f *fakeResolver) Resolve(_ context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	name, ok := f.names[userID]
	if !ok {
		return "", errors.New("unknown user")
	}
	return name, nil
}

func directConv(key string) models.Conversation {
	return models.Conversation{
		Key:         key,
		DisplayName: "Alice",
		Participants: []models.Participant{
			{UserID: "me", Role: models.RoleMember},
			{UserID: "alice", Role: models.RoleMember},
		},
	}
}

func groupConv(key string) models.Conversation {
	return models.Conversation{
		Key:         key,
		DisplayName: "The Group",
		Group:       true,
		Participants: []models.Participant{
			{UserID: "me", Role: models.RoleAdmin},
			{UserID: "alice", Role: models.RoleMember},
		},
	}
}

func newEngine(t *testing.T, conv models.Conversation, tr *fakeTransport, hist *fakeHistory, res *fakeResolver) *reconcile.Engine {
	t.Helper()
	cfg := reconcile.Config{
		Session:      reconcile.Session{Token: "tok", UserID: "me"},
		Conversation: conv,
		Transport:    tr,
		Logger:       zerolog.Nop(),
	}
	if hist != nil {
		cfg.History = hist
	}
	if res != nil {
		cfg.Resolver = res
	}
	return reconcile.New(cfg)
}

func remoteMessage(key, sender, content string, at time.Time) events.Event {
	m := models.Message{
		ConversationKey: key,
		SenderID:        sender,
		Content:         content,
		Type:            models.TypeText,
		Status:          models.StatusSent,
		Timestamp:       at,
	}
	return events.Event{Kind: events.KindMessage, ConversationKey: key, Message: &m}
}

func TestLocalSendIsOptimistic(t *testing.T) {
	tr := &fakeTransport{}
	e := newEngine(t, directConv("c1"), tr, nil, nil)

	msg, err := e.ApplyLocalSend(context.Background(), reconcile.Draft{Content: "hi"})
	require.NoError(t, err)

	snap := e.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, models.StatusPending, snap[0].Status)
	assert.Equal(t, "me", snap[0].SenderID)
	assert.NotEmpty(t, msg.Nonce)
	require.NotNil(t, snap[0].ReceiverID)
	assert.Equal(t, "alice", *snap[0].ReceiverID)
	assert.Equal(t, []events.Type{events.TypeSendMessage}, tr.types())
}

func TestGroupSendUsesGroupEvent(t *testing.T) {
	tr := &fakeTransport{}
	e := newEngine(t, groupConv("g1"), tr, nil, nil)

	_, err := e.ApplyLocalSend(context.Background(), reconcile.Draft{Content: "hi all"})
	require.NoError(t, err)

	snap := e.Snapshot()
	require.Len(t, snap, 1)
	require.NotNil(t, snap[0].GroupID)
	assert.Equal(t, "g1", *snap[0].GroupID)
	assert.Equal(t, []events.Type{events.TypeSendGroupMessage}, tr.types())
}

func TestEchoDoesNotDoubleCount(t *testing.T) {
	tr := &fakeTransport{}
	e := newEngine(t, directConv("c1"), tr, nil, nil)

	sent, err := e.ApplyLocalSend(context.Background(), reconcile.Draft{Content: "hi"})
	require.NoError(t, err)

	echo := sent
	echo.Status = models.StatusSent
	echo.ID = "srv-1"
	require.NoError(t, e.ApplyRemoteEvent(context.Background(), events.Event{
		Kind:            events.KindMessage,
		ConversationKey: "c1",
		Message:         &echo,
	}))

	snap := e.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, models.StatusSent, snap[0].Status)
	assert.Equal(t, "srv-1", snap[0].ID)
}

func TestEchoWithoutNonceDedupsOnTuple(t *testing.T) {
	tr := &fakeTransport{}
	e := newEngine(t, directConv("c1"), tr, nil, nil)

	sent, err := e.ApplyLocalSend(context.Background(), reconcile.Draft{Content: "hi"})
	require.NoError(t, err)

	ev := remoteMessage("c1", "me", "hi", sent.Timestamp)
	require.NoError(t, e.ApplyRemoteEvent(context.Background(), ev))

	require.Equal(t, 1, len(e.Snapshot()))
	assert.Equal(t, models.StatusSent, e.Snapshot()[0].Status)
}

func TestSendFailureMarksFailed(t *testing.T) {
	tr := &fakeTransport{err: errors.New("connection reset")}
	e := newEngine(t, directConv("c1"), tr, nil, nil)

	msg, err := e.ApplyLocalSend(context.Background(), reconcile.Draft{Content: "hi"})
	require.Error(t, err)
	assert.True(t, reconcile.IsTransient(err))
	assert.Equal(t, models.StatusFailed, msg.Status)

	snap := e.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, models.StatusFailed, snap[0].Status)
}

func TestRecallIsIdempotent(t *testing.T) {
	tr := &fakeTransport{}
	e := newEngine(t, directConv("c1"), tr, nil, nil)

	require.NoError(t, e.ApplyRemoteEvent(context.Background(), remoteMessage("c1", "alice", "oops", base)))

	recall := events.Event{Kind: events.KindRecall, ConversationKey: "c1", Timestamp: base}
	require.NoError(t, e.ApplyRemoteEvent(context.Background(), recall))
	once := e.Snapshot()

	require.NoError(t, e.ApplyRemoteEvent(context.Background(), recall))
	twice := e.Snapshot()

	assert.Equal(t, once, twice)
	require.Len(t, twice, 1)
	assert.Equal(t, models.TypeRecalled, twice[0].Type)
}

func TestDeleteIsIdempotent(t *testing.T) {
	tr := &fakeTransport{}
	e := newEngine(t, directConv("c1"), tr, nil, nil)

	require.NoError(t, e.ApplyRemoteEvent(context.Background(), remoteMessage("c1", "alice", "gone", base)))

	del := events.Event{Kind: events.KindDelete, ConversationKey: "c1", Timestamp: base}
	require.NoError(t, e.ApplyRemoteEvent(context.Background(), del))
	require.NoError(t, e.ApplyRemoteEvent(context.Background(), del))

	snap := e.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, models.StatusDeleted, snap[0].Status)
}

func TestRecallBeforeHydrateIsTolerated(t *testing.T) {
	tr := &fakeTransport{}
	e := newEngine(t, directConv("c1"), tr, nil, nil)

	err := e.ApplyRemoteEvent(context.Background(), events.Event{
		Kind:            events.KindRecall,
		ConversationKey: "c1",
		Timestamp:       base,
	})
	assert.NoError(t, err)
	assert.Empty(t, e.Snapshot())
}

func TestStaleConversationEventDropped(t *testing.T) {
	tr := &fakeTransport{}
	e := newEngine(t, directConv("c1"), tr, nil, nil)

	err := e.ApplyRemoteEvent(context.Background(), remoteMessage("other", "alice", "hi", base))
	assert.ErrorIs(t, err, reconcile.ErrStaleConversation)
	assert.Empty(t, e.Snapshot())
}

func TestHydrateMergesPendingLocals(t *testing.T) {
	tr := &fakeTransport{}
	// History entries straddle the pending local's wall-clock timestamp.
	now := time.Now().UTC()
	hist := &fakeHistory{msgs: []models.Message{
		{ConversationKey: "c1", SenderID: "alice", Content: "t1", Type: models.TypeText, Status: models.StatusSent, Timestamp: now.Add(-time.Minute)},
		{ConversationKey: "c1", SenderID: "alice", Content: "t3", Type: models.TypeText, Status: models.StatusSent, Timestamp: now.Add(time.Minute)},
	}}
	e := newEngine(t, directConv("c1"), tr, hist, nil)

	// Pending local between the two snapshot entries.
	_, err := e.ApplyLocalSend(context.Background(), reconcile.Draft{Content: "t2"})
	require.NoError(t, err)

	require.NoError(t, e.Hydrate(context.Background()))

	snap := e.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "t1", snap[0].Content)
	assert.Equal(t, "t2", snap[1].Content)
	assert.Equal(t, "t3", snap[2].Content)
	assert.Equal(t, models.StatusPending, snap[1].Status)
}

func TestHydrateFailureLeavesTimelineUntouched(t *testing.T) {
	tr := &fakeTransport{}
	hist := &fakeHistory{err: errors.New("503")}
	e := newEngine(t, directConv("c1"), tr, hist, nil)

	require.NoError(t, e.ApplyRemoteEvent(context.Background(), remoteMessage("c1", "alice", "kept", base)))
	before := e.Snapshot()

	err := e.Hydrate(context.Background())
	require.Error(t, err)
	assert.True(t, reconcile.IsTransient(err))
	assert.Equal(t, before, e.Snapshot())
}

func TestHydrateOrderingInvariant(t *testing.T) {
	tr := &fakeTransport{}
	// Deliberately unordered snapshot.
	hist := &fakeHistory{msgs: []models.Message{
		{ConversationKey: "c1", SenderID: "a", Content: "3", Type: models.TypeText, Timestamp: base.Add(2 * time.Second)},
		{ConversationKey: "c1", SenderID: "a", Content: "1", Type: models.TypeText, Timestamp: base},
		{ConversationKey: "c1", SenderID: "a", Content: "2", Type: models.TypeText, Timestamp: base.Add(time.Second)},
	}}
	e := newEngine(t, directConv("c1"), tr, hist, nil)

	require.NoError(t, e.Hydrate(context.Background()))

	snap := e.Snapshot()
	for i := 1; i < len(snap); i++ {
		assert.False(t, snap[i].Timestamp.Before(snap[i-1].Timestamp))
	}
}

func TestForwardTargetsOtherConversation(t *testing.T) {
	tr := &fakeTransport{}
	res := &fakeResolver{names: map[string]string{"bob": "Bob"}}
	src := newEngine(t, directConv("c1"), tr, nil, res)
	dst := newEngine(t, directConv("c2"), tr, nil, res)

	require.NoError(t, src.ApplyRemoteEvent(context.Background(), remoteMessage("c1", "bob", "x", base)))
	original := src.Snapshot()[0]

	fwd, err := src.ForwardTo(context.Background(), dst, original)
	require.NoError(t, err)
	assert.Equal(t, "bob", fwd.ForwardedFrom)
	assert.Equal(t, "x", fwd.Content)
	assert.True(t, fwd.Timestamp.After(base))

	// Target gained exactly one entry; source unchanged.
	require.Len(t, dst.Snapshot(), 1)
	require.Len(t, src.Snapshot(), 1)
	assert.Equal(t, original, src.Snapshot()[0])

	assert.Contains(t, tr.types(), events.TypeForwardMessage)

	assert.Eventually(t, func() bool {
		return dst.Snapshot()[0].ForwardedName == "Bob"
	}, time.Second, 10*time.Millisecond)
}

func TestForwardEchoAlignsTimestampForPatches(t *testing.T) {
	tr := &fakeTransport{}
	src := newEngine(t, directConv("c1"), tr, nil, nil)
	dst := newEngine(t, directConv("c2"), tr, nil, nil)

	require.NoError(t, src.ApplyRemoteEvent(context.Background(), remoteMessage("c1", "bob", "x", base)))
	fwd, err := src.ForwardTo(context.Background(), dst, src.Snapshot()[0])
	require.NoError(t, err)

	// The relay stamps forwards itself; the echo's timestamp differs
	// from the optimistic local one.
	serverTS := fwd.Timestamp.Add(250 * time.Millisecond)
	echo := models.Message{
		Nonce:           fwd.Nonce,
		ID:              "srv-9",
		ConversationKey: "c2",
		SenderID:        "me",
		Content:         fwd.Content,
		Type:            fwd.Type,
		Status:          models.StatusSent,
		Timestamp:       serverTS,
		ForwardedFrom:   fwd.ForwardedFrom,
	}
	require.NoError(t, dst.ApplyRemoteEvent(context.Background(), events.Event{
		Kind:            events.KindMessage,
		ConversationKey: "c2",
		Message:         &echo,
	}))

	snap := dst.Snapshot()
	require.Len(t, snap, 1)
	assert.True(t, snap[0].Timestamp.Equal(serverTS))
	assert.Equal(t, "srv-9", snap[0].ID)

	// A recall addressed by the server timestamp reaches this client too.
	require.NoError(t, dst.ApplyRemoteEvent(context.Background(), events.Event{
		Kind:            events.KindRecall,
		ConversationKey: "c2",
		Timestamp:       serverTS,
	}))
	assert.Equal(t, models.TypeRecalled, dst.Snapshot()[0].Type)
}

func TestRemoteForwardedNameBackfill(t *testing.T) {
	tr := &fakeTransport{}
	res := &fakeResolver{names: map[string]string{"bob": "Bob"}}
	e := newEngine(t, directConv("c1"), tr, nil, res)

	m := models.Message{
		ConversationKey: "c1",
		SenderID:        "alice",
		Content:         "fwd",
		Type:            models.TypeText,
		Status:          models.StatusSent,
		Timestamp:       base,
		ForwardedFrom:   "bob",
	}
	require.NoError(t, e.ApplyRemoteEvent(context.Background(), events.Event{
		Kind:            events.KindMessage,
		ConversationKey: "c1",
		Message:         &m,
	}))

	// Insertion is never blocked on resolution; the name lands later.
	require.Len(t, e.Snapshot(), 1)
	assert.Eventually(t, func() bool {
		return e.Snapshot()[0].ForwardedName == "Bob"
	}, time.Second, 10*time.Millisecond)
}

func TestMembershipEventsMutateConversation(t *testing.T) {
	tr := &fakeTransport{}
	e := newEngine(t, groupConv("g1"), tr, nil, nil)

	require.NoError(t, e.ApplyRemoteEvent(context.Background(), events.Event{
		Kind:            events.KindMembership,
		ConversationKey: "g1",
		Membership:      &events.MembershipChange{Added: "carol"},
	}))
	conv := e.Conversation()
	_, ok := conv.Member("carol")
	assert.True(t, ok)

	require.NoError(t, e.ApplyRemoteEvent(context.Background(), events.Event{
		Kind:            events.KindMembership,
		ConversationKey: "g1",
		Membership:      &events.MembershipChange{Updated: "carol", Role: models.RoleAdmin},
	}))
	conv = e.Conversation()
	assert.True(t, conv.IsAdmin("carol"))

	require.NoError(t, e.ApplyRemoteEvent(context.Background(), events.Event{
		Kind:            events.KindMembership,
		ConversationKey: "g1",
		Membership:      &events.MembershipChange{Removed: "carol"},
	}))
	conv = e.Conversation()
	_, ok = conv.Member("carol")
	assert.False(t, ok)
}

func TestDissolvedStopsEngine(t *testing.T) {
	tr := &fakeTransport{}
	e := newEngine(t, groupConv("g1"), tr, nil, nil)

	require.NoError(t, e.ApplyRemoteEvent(context.Background(), events.Event{
		Kind:            events.KindDissolved,
		ConversationKey: "g1",
	}))

	assert.True(t, e.Closed())
	assert.True(t, e.Conversation().Dissolved)

	err := e.ApplyRemoteEvent(context.Background(), remoteMessage("g1", "alice", "late", base))
	assert.ErrorIs(t, err, reconcile.ErrConversationClosed)

	_, err = e.ApplyLocalSend(context.Background(), reconcile.Draft{Content: "too late"})
	assert.ErrorIs(t, err, reconcile.ErrConversationClosed)
}

func TestCloseStopsConsumption(t *testing.T) {
	tr := &fakeTransport{}
	hist := &fakeHistory{msgs: []models.Message{
		{ConversationKey: "c1", SenderID: "alice", Content: "late", Type: models.TypeText, Timestamp: base},
	}}
	e := newEngine(t, directConv("c1"), tr, hist, nil)

	require.NoError(t, e.Close(context.Background()))
	assert.Contains(t, tr.types(), events.TypeLeaveConversation)

	// A hydrate completing after close is discarded.
	err := e.Hydrate(context.Background())
	assert.ErrorIs(t, err, reconcile.ErrConversationClosed)
	assert.Empty(t, e.Snapshot())

	err = e.ApplyRemoteEvent(context.Background(), remoteMessage("c1", "alice", "late", base))
	assert.ErrorIs(t, err, reconcile.ErrConversationClosed)
}

func TestUserRecallAndDeleteEmitAndPatch(t *testing.T) {
	tr := &fakeTransport{}
	e := newEngine(t, directConv("c1"), tr, nil, nil)

	sent, err := e.ApplyLocalSend(context.Background(), reconcile.Draft{Content: "regret"})
	require.NoError(t, err)

	require.NoError(t, e.Recall(context.Background(), sent.Timestamp))
	assert.Equal(t, models.TypeRecalled, e.Snapshot()[0].Type)
	assert.Contains(t, tr.types(), events.TypeRecallMessage)

	other, err := e.ApplyLocalSend(context.Background(), reconcile.Draft{Content: "also regret"})
	require.NoError(t, err)

	require.NoError(t, e.Delete(context.Background(), other.Timestamp))
	assert.Contains(t, tr.types(), events.TypeDeleteMessage)
}

func TestNotifyFiresOnTimelineChange(t *testing.T) {
	tr := &fakeTransport{}
	var mu sync.Mutex
	count := 0
	e := reconcile.New(reconcile.Config{
		Session:      reconcile.Session{Token: "tok", UserID: "me"},
		Conversation: directConv("c1"),
		Transport:    tr,
		Logger:       zerolog.Nop(),
		Notify: func() {
			mu.Lock()
			count++
			mu.Unlock()
		},
	})

	_, err := e.ApplyLocalSend(context.Background(), reconcile.Draft{Content: "hi"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, count, 0)
}
