// Package reconcile merges REST snapshots, push events, and optimistic
// local writes into a single consistent timeline per conversation.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"zalachat/sync/internal/events"
	"zalachat/sync/internal/models"
	"zalachat/sync/internal/timeline"
)

// Session carries the explicit per-user context every operation runs
// under: the bearer credential and the stable current-user identifier.
type Session struct {
	Token  string
	UserID string
}

// Transport emits wire envelopes toward the server. The engine never
// owns the connection; synthetic transports drive it in tests.
type Transport interface {
	Emit(ctx context.Context, env events.Envelope) error
}

// History fetches the REST snapshot of a conversation's messages.
type History interface {
	Messages(ctx context.Context, conversationKey string) ([]models.Message, error)
}

// Resolver turns a user identifier into a display name.
type Resolver interface {
	Resolve(ctx context.Context, userID string) (string, error)
}

// Config assembles an engine for one open conversation.
type Config struct {
	Session      Session
	Conversation models.Conversation
	Transport    Transport
	History      History
	Resolver     Resolver
	Logger       zerolog.Logger

	// Notify, if set, is invoked after every timeline change so the
	// caller can re-render from Snapshot.
	Notify func()
}

// Draft is the user's input to a local send.
type Draft struct {
	Content string
	Type    string // defaults to text
}

// Engine reconciles one conversation's timeline. Engines for different
// conversations are independent and need no coordination.
type Engine struct {
	session   Session
	store     *timeline.Store
	transport Transport
	history   History
	resolver  Resolver
	log       zerolog.Logger
	notify    func()

	mu     sync.Mutex
	conv   models.Conversation
	closed bool
}

// New builds an engine bound to the conversation in cfg.
func New(cfg Config) *Engine {
	return &Engine{
		session:   cfg.Session,
		store:     timeline.New(cfg.Conversation.Key),
		transport: cfg.Transport,
		history:   cfg.History,
		resolver:  cfg.Resolver,
		log:       cfg.Logger.With().Str("conversation", cfg.Conversation.Key).Logger(),
		notify:    cfg.Notify,
		conv:      cfg.Conversation,
	}
}

// Key returns the engine's conversation key.
func (e *Engine) Key() string { return e.store.Key() }

// Snapshot returns the current ordered timeline.
func (e *Engine) Snapshot() []models.Message { return e.store.Snapshot() }

// Conversation returns the current directory entry, including membership
// changes applied from events.
func (e *Engine) Conversation() models.Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	conv := e.conv
	conv.Participants = append([]models.Participant(nil), e.conv.Participants...)
	return conv
}

// Closed reports whether the engine stopped consuming events.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// ApplyLocalSend inserts an optimistic pending message and hands it to the
// transport. On transmission failure the entry is marked failed, never
// silently dropped, and a TransientError is returned for the retry
// affordance.
func (e *Engine) ApplyLocalSend(ctx context.Context, draft Draft) (models.Message, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return models.Message{}, ErrConversationClosed
	}
	conv := e.conv
	e.mu.Unlock()

	msg := models.Message{
		Nonce:           uuid.NewString(),
		ConversationKey: conv.Key,
		SenderID:        e.session.UserID,
		Content:         draft.Content,
		Type:            draft.Type,
		Status:          models.StatusPending,
		Timestamp:       time.Now().UTC(),
	}
	if msg.Type == "" {
		msg.Type = models.TypeText
	}
	if conv.Group {
		gid := conv.Key
		msg.GroupID = &gid
	} else if rid, ok := e.peer(conv); ok {
		msg.ReceiverID = &rid
	}

	if err := e.store.Insert(msg); err != nil {
		// Fresh nonce and timestamp make this unreachable in practice.
		return models.Message{}, err
	}
	e.changed()

	typ := events.TypeSendMessage
	if conv.Group {
		typ = events.TypeSendGroupMessage
	}
	env, err := events.NewEnvelope(typ, events.FromMessage(msg))
	if err == nil {
		err = e.transport.Emit(ctx, env)
	}
	if err != nil {
		if uerr := e.store.UpdateByNonce(msg.Nonce, timeline.Patch{Status: models.StatusFailed}); uerr == nil {
			e.changed()
		}
		msg.Status = models.StatusFailed
		e.log.Warn().Err(err).Str("nonce", msg.Nonce).Msg("send failed, message marked failed")
		return msg, &TransientError{Op: "send", Err: err}
	}
	return msg, nil
}

// ApplyRemoteEvent is the single entry point for server-pushed events.
// Events for other conversations return ErrStaleConversation and leave the
// timeline untouched.
func (e *Engine) ApplyRemoteEvent(ctx context.Context, ev events.Event) error {
	if e.Closed() {
		return ErrConversationClosed
	}
	if ev.ConversationKey != e.Key() {
		e.log.Debug().Str("key", ev.ConversationKey).Msg("dropping event for inactive conversation")
		return ErrStaleConversation
	}

	switch ev.Kind {
	case events.KindMessage:
		return e.applyRemoteMessage(ctx, *ev.Message)
	case events.KindRecall:
		return e.ApplyRecall(ctx, ev.Timestamp)
	case events.KindDelete:
		return e.ApplyDelete(ctx, ev.Timestamp)
	case events.KindMembership:
		e.applyMembership(*ev.Membership)
		return nil
	case events.KindDissolved:
		e.applyDissolved()
		return nil
	}
	return events.ErrUnknownEvent
}

func (e *Engine) applyRemoteMessage(ctx context.Context, msg models.Message) error {
	if msg.Status == "" || msg.Status == models.StatusPending {
		msg.Status = models.StatusSent
	}
	if err := e.store.Insert(msg); err != nil {
		if errors.Is(err, timeline.ErrDuplicateMessage) {
			// The echo of an optimistic local send doubles as its
			// delivery confirmation.
			if e.store.Confirm(msg) {
				e.changed()
			}
			e.log.Debug().Str("sender", msg.SenderID).Msg("duplicate message ignored")
			return nil
		}
		return err
	}
	e.changed()

	if msg.ForwardedFrom != "" && msg.ForwardedName == "" {
		e.backfillForwardedName(ctx, msg)
	}
	return nil
}

// ApplyRecall marks every entry at the given timestamp recalled. Applying
// it twice yields the same terminal state; an absent target is tolerated
// because the event may arrive before hydration completes.
func (e *Engine) ApplyRecall(_ context.Context, ts time.Time) error {
	err := e.store.UpdateByTimestamp(ts, timeline.Patch{Type: models.TypeRecalled})
	if errors.Is(err, timeline.ErrNotFound) {
		e.log.Debug().Time("ts", ts).Msg("recall target not in timeline")
		return nil
	}
	if err == nil {
		e.changed()
	}
	return err
}

// ApplyDelete marks every entry at the given timestamp deleted, with the
// same idempotent and tolerant semantics as ApplyRecall.
func (e *Engine) ApplyDelete(_ context.Context, ts time.Time) error {
	err := e.store.UpdateByTimestamp(ts, timeline.Patch{Status: models.StatusDeleted})
	if errors.Is(err, timeline.ErrNotFound) {
		e.log.Debug().Time("ts", ts).Msg("delete target not in timeline")
		return nil
	}
	if err == nil {
		e.changed()
	}
	return err
}

// Recall is the sender-initiated retraction: emit the wire event, then
// apply the terminal patch optimistically.
func (e *Engine) Recall(ctx context.Context, ts time.Time) error {
	if err := e.emitPatch(ctx, events.TypeRecallMessage, events.TypeRecallGroupMessage, ts); err != nil {
		return &TransientError{Op: "recall", Err: err}
	}
	return e.ApplyRecall(ctx, ts)
}

// Delete is the sender-initiated removal, mirroring Recall.
func (e *Engine) Delete(ctx context.Context, ts time.Time) error {
	if err := e.emitPatch(ctx, events.TypeDeleteMessage, events.TypeDeleteGroupMessage, ts); err != nil {
		return &TransientError{Op: "delete", Err: err}
	}
	return e.ApplyDelete(ctx, ts)
}

// ForwardTo copies src into the target conversation's timeline with a
// fresh timestamp and forwardedFrom set to the original sender, and emits
// the forward event. The source message is never mutated.
func (e *Engine) ForwardTo(ctx context.Context, target *Engine, src models.Message) (models.Message, error) {
	if target.Closed() {
		return models.Message{}, ErrConversationClosed
	}
	tconv := target.Conversation()

	fwd := models.Message{
		Nonce:           uuid.NewString(),
		ConversationKey: tconv.Key,
		SenderID:        e.session.UserID,
		Content:         src.Content,
		Type:            src.Type,
		Status:          models.StatusPending,
		Timestamp:       time.Now().UTC(),
		ForwardedFrom:   src.SenderID,
	}
	if tconv.Group {
		gid := tconv.Key
		fwd.GroupID = &gid
	} else if rid, ok := target.peer(tconv); ok {
		fwd.ReceiverID = &rid
	}

	if err := target.store.Insert(fwd); err != nil {
		return models.Message{}, err
	}
	target.changed()
	target.backfillForwardedName(ctx, fwd)

	payload := events.ForwardPayload{
		Nonce:         fwd.Nonce,
		Content:       fwd.Content,
		Type:          fwd.Type,
		ForwardedFrom: fwd.ForwardedFrom,
	}
	typ := events.TypeForwardMessage
	if tconv.Group {
		typ = events.TypeForwardGroupMessage
		payload.GroupID = e.Key()
		payload.NewGroupID = tconv.Key
	} else {
		payload.ConversationID = e.Key()
		payload.NewConversationID = tconv.Key
	}

	env, err := events.NewEnvelope(typ, payload)
	if err == nil {
		err = e.transport.Emit(ctx, env)
	}
	if err != nil {
		if uerr := target.store.UpdateByNonce(fwd.Nonce, timeline.Patch{Status: models.StatusFailed}); uerr == nil {
			target.changed()
		}
		fwd.Status = models.StatusFailed
		return fwd, &TransientError{Op: "forward", Err: err}
	}
	return fwd, nil
}

// Hydrate fetches the REST history and merges it with unechoed local
// messages. A fetch failure leaves the existing timeline untouched.
func (e *Engine) Hydrate(ctx context.Context) error {
	if e.Closed() {
		return ErrConversationClosed
	}
	snapshot, err := e.history.Messages(ctx, e.Key())
	if err != nil {
		return &TransientError{Op: "hydrate", Err: err}
	}
	if e.Closed() {
		// In-flight fetch finished after the conversation was left.
		return ErrConversationClosed
	}
	e.store.Hydrate(snapshot)
	e.changed()

	for _, m := range snapshot {
		if m.ForwardedFrom != "" && m.ForwardedName == "" {
			e.backfillForwardedName(ctx, m)
		}
	}
	return nil
}

// Close stops the engine: further events are rejected and the room is
// left. In-flight REST fetches complete and are discarded.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	conv := e.conv
	e.mu.Unlock()

	typ := events.TypeLeaveConversation
	payload := events.JoinPayload{ConversationID: conv.Key}
	if conv.Group {
		typ = events.TypeLeaveGroup
		payload = events.JoinPayload{GroupID: conv.Key}
	}
	env, err := events.NewEnvelope(typ, payload)
	if err == nil {
		err = e.transport.Emit(ctx, env)
	}
	if err != nil {
		e.log.Debug().Err(err).Msg("leave emit failed")
	}
	return nil
}

// backfillForwardedName resolves the original sender's display name
// without blocking insertion. The patch lands in place; ordering is never
// affected.
func (e *Engine) backfillForwardedName(ctx context.Context, msg models.Message) {
	if e.resolver == nil {
		return
	}
	go func() {
		name, err := e.resolver.Resolve(ctx, msg.ForwardedFrom)
		if err != nil || name == "" {
			e.log.Debug().Err(err).Str("user", msg.ForwardedFrom).Msg("forwarded name unresolved")
			return
		}
		patch := timeline.Patch{ForwardedName: name}
		var uerr error
		if msg.Nonce != "" {
			uerr = e.store.UpdateByNonce(msg.Nonce, patch)
		} else {
			uerr = e.store.UpdateByTimestamp(msg.Timestamp, patch)
		}
		if uerr == nil {
			e.changed()
		}
	}()
}

func (e *Engine) applyMembership(change events.MembershipChange) {
	e.mu.Lock()
	switch {
	case change.Added != "":
		e.conv.AddMember(change.Added, models.RoleMember)
	case change.Removed != "":
		e.conv.RemoveMember(change.Removed)
	case change.Updated != "":
		e.conv.SetRole(change.Updated, change.Role)
	}
	e.mu.Unlock()
	e.changed()
}

func (e *Engine) applyDissolved() {
	e.mu.Lock()
	e.conv.Dissolved = true
	e.closed = true
	e.mu.Unlock()
	e.log.Info().Msg("group dissolved")
	e.changed()
}

func (e *Engine) emitPatch(ctx context.Context, direct, group events.Type, ts time.Time) error {
	e.mu.Lock()
	conv := e.conv
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrConversationClosed
	}

	typ := direct
	payload := events.PatchPayload{ConversationID: conv.Key, Timestamp: ts}
	if conv.Group {
		typ = group
		payload = events.PatchPayload{GroupID: conv.Key, Timestamp: ts}
	}
	env, err := events.NewEnvelope(typ, payload)
	if err != nil {
		return err
	}
	return e.transport.Emit(ctx, env)
}

// peer returns the other participant of a direct conversation.
func (e *Engine) peer(conv models.Conversation) (string, bool) {
	for _, p := range conv.Participants {
		if p.UserID != e.session.UserID {
			return p.UserID, true
		}
	}
	return "", false
}

func (e *Engine) changed() {
	if e.notify != nil {
		e.notify()
	}
}
