// Package session coordinates the live state of open documents: the
// in-memory snapshot, the locally attached connections, the shared
// presence set, and the broker subscription that links this process to
// its siblings.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"

	"livesync/sync/internal/access"
	"livesync/sync/internal/crdt"
	"livesync/sync/internal/store"
)

// ChangeLog is the append-only, replayable per-document change log.
// AppendChanges must persist the batch atomically: a failure means no
// payload of the batch was appended. The registry's rollback story
// depends on that — after a failed append it keeps the pre-apply
// snapshot, which only matches the log when the log took nothing.
type ChangeLog interface {
	AppendChanges(ctx context.Context, documentID, userID string, payloads [][]byte) (int64, error)
	ScanChanges(ctx context.Context, documentID string, throughSeq int64) ([]store.ChangeRecord, error)
	CountChanges(ctx context.Context, documentID string) (int, error)
}

// AccessResolver is the document metadata collaborator: existence and
// resolved per-user roles. Role storage lives outside this service.
type AccessResolver interface {
	DocumentExists(ctx context.Context, documentID string) (bool, error)
	ResolveAccess(ctx context.Context, documentID, userID string) (access.Role, error)
}

// Broadcaster fans published payloads out to every subscribed process,
// including this one.
type Broadcaster interface {
	Publish(ctx context.Context, documentID string, payload []byte) error
	Subscribe(ctx context.Context, documentID string, handler func(payload []byte)) (Subscription, error)
}

type Subscription interface {
	Close() error
}

type PresenceTracker interface {
	Join(ctx context.Context, documentID, userID string) error
	Leave(ctx context.Context, documentID, userID string) error
	Members(ctx context.Context, documentID string) ([]string, error)
}

// ActivityRecorder is the fire-and-forget audit collaborator.
type ActivityRecorder interface {
	RecordActivity(ctx context.Context, documentID, userID, action string) error
}

// Conn is one attached client connection. Send methods must not block
// indefinitely; the transport owns write deadlines and error handling.
type Conn interface {
	UserID() string
	SendSync(documentID string, changes [][]byte)
	SendPresence(documentID string, users []string)
}

// envelope is the message format on a document's broker channel.
// Changes marshal as base64 strings, matching the client wire format.
type envelope struct {
	DocumentID string   `json:"docId"`
	Origin     string   `json:"origin"`
	UserID     string   `json:"userId"`
	Changes    [][]byte `json:"changes"`
}

// docSession is the process-local live state for one document. All of
// its fields past the ready barrier are guarded by the token.
type docSession struct {
	documentID string
	token      *fifoLock

	ready   chan struct{}
	loadErr error

	doc   *automerge.Doc
	conns map[Conn]struct{}
	sub   Subscription
}

type Registry struct {
	changeLog ChangeLog
	acl       AccessResolver
	bus       Broadcaster
	presence  PresenceTracker
	audit     ActivityRecorder

	// origin identifies this process on the broker so that locally
	// produced changes are not applied to the snapshot twice.
	origin string

	mu       sync.Mutex
	sessions map[string]*docSession
	attached map[Conn]string
}

func NewRegistry(changeLog ChangeLog, acl AccessResolver, b Broadcaster, p PresenceTracker, audit ActivityRecorder) *Registry {
	return &Registry{
		changeLog: changeLog,
		acl:       acl,
		bus:       b,
		presence:  p,
		audit:     audit,
		origin:    uuid.NewString(),
		sessions:  make(map[string]*docSession),
		attached:  make(map[Conn]string),
	}
}

// Origin returns the id this registry publishes under. Exposed for
// tests that simulate a sibling process.
func (r *Registry) Origin() string {
	return r.origin
}

// CreateDocument seeds the empty snapshot for a document and persists
// the seed changes as the first log records. Only the resolved owner
// may call it. Creating a document whose log is already seeded returns
// the current snapshot instead of re-seeding.
func (r *Registry) CreateDocument(ctx context.Context, documentID, userID string) ([]byte, error) {
	role, err := r.checkDocument(ctx, documentID, userID)
	if err != nil {
		return nil, err
	}
	if !role.IsOwner() {
		return nil, ErrNotOwner
	}

	sess, err := r.acquireSession(ctx, documentID)
	if err != nil {
		return nil, err
	}
	defer sess.token.Release()

	count, err := r.changeLog.CountChanges(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if count > 0 {
		return crdt.Save(sess.doc), nil
	}

	seeded, payloads, err := crdt.SeedEmptyText()
	if err != nil {
		return nil, err
	}
	// Atomic batch: a failed seed leaves the log empty, so a retried
	// create takes this path again instead of the already-seeded one.
	if _, err := r.changeLog.AppendChanges(ctx, documentID, userID, payloads); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	sess.doc = seeded

	r.recordActivity(documentID, userID, "create")
	return crdt.Save(sess.doc), nil
}

// Connect attaches a connection to a document: loads the snapshot by
// replaying the log if no session is live, joins presence, subscribes
// this process to the document's broker channel on the first local
// attachment, and returns the current snapshot bytes.
func (r *Registry) Connect(ctx context.Context, documentID string, conn Conn) ([]byte, error) {
	r.mu.Lock()
	if _, ok := r.attached[conn]; ok {
		r.mu.Unlock()
		return nil, ErrAlreadySubscribed
	}
	r.mu.Unlock()

	role, err := r.checkDocument(ctx, documentID, conn.UserID())
	if err != nil {
		return nil, err
	}
	if !role.CanRead() {
		return nil, ErrAccessDenied
	}

	sess, err := r.acquireSession(ctx, documentID)
	if err != nil {
		return nil, err
	}
	defer sess.token.Release()

	if sess.sub == nil {
		sub, err := r.bus.Subscribe(ctx, documentID, func(payload []byte) {
			r.handleBusPayload(documentID, payload)
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
		}
		sess.sub = sub
	}

	sess.conns[conn] = struct{}{}
	r.mu.Lock()
	r.attached[conn] = documentID
	r.mu.Unlock()

	if err := r.presence.Join(ctx, documentID, conn.UserID()); err != nil {
		log.Printf("presence join failed for %s on %s: %v", conn.UserID(), documentID, err)
	}
	r.broadcastPresence(ctx, sess)

	return crdt.Save(sess.doc), nil
}

// ApplyUpdate merges a batch of change payloads into the document,
// appends them to the log in payload order, and publishes them to the
// broker. The whole batch is rejected on the first invalid payload,
// and nothing is appended unless the merge succeeded. The snapshot
// only advances once the batch is durable.
func (r *Registry) ApplyUpdate(ctx context.Context, documentID string, conn Conn, payloads [][]byte) error {
	r.mu.Lock()
	attachedTo, ok := r.attached[conn]
	r.mu.Unlock()
	if !ok || attachedTo != documentID {
		return ErrNotSubscribed
	}

	role, err := r.checkDocument(ctx, documentID, conn.UserID())
	if err != nil {
		return err
	}
	if !role.CanWrite() {
		return ErrViewerForbidden
	}

	r.mu.Lock()
	sess := r.sessions[documentID]
	r.mu.Unlock()
	if sess == nil {
		return ErrNotSubscribed
	}

	if err := sess.token.Acquire(ctx); err != nil {
		return err
	}
	defer sess.token.Release()

	next, err := crdt.ApplyChanges(sess.doc, payloads)
	if err != nil {
		return err
	}

	// Durability before visibility: the whole batch is persisted in
	// one transaction before the snapshot advances or anything is
	// published. On failure nothing was appended, so keeping the
	// pre-apply snapshot leaves live state equal to the log.
	if _, err := r.changeLog.AppendChanges(ctx, documentID, conn.UserID(), payloads); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	sess.doc = next

	r.recordActivity(documentID, conn.UserID(), "update")

	env, err := json.Marshal(envelope{
		DocumentID: documentID,
		Origin:     r.origin,
		UserID:     conn.UserID(),
		Changes:    payloads,
	})
	if err != nil {
		return fmt.Errorf("marshal sync envelope: %w", err)
	}
	if err := r.bus.Publish(ctx, documentID, env); err != nil {
		// The change is durable; new connects will replay it even if
		// live fan-out missed this interval.
		log.Printf("publish failed for %s: %v", documentID, err)
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	return nil
}

// Disconnect detaches a connection from the document it subscribed to,
// updates presence, and tears the session down when the last local
// connection leaves.
func (r *Registry) Disconnect(ctx context.Context, conn Conn) {
	r.mu.Lock()
	documentID, ok := r.attached[conn]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.attached, conn)
	sess := r.sessions[documentID]
	r.mu.Unlock()
	if sess == nil {
		return
	}

	if err := sess.token.Acquire(ctx); err != nil {
		return
	}

	delete(sess.conns, conn)
	if err := r.presence.Leave(ctx, documentID, conn.UserID()); err != nil {
		log.Printf("presence leave failed for %s on %s: %v", conn.UserID(), documentID, err)
	}
	r.broadcastPresence(ctx, sess)

	var sub Subscription
	if len(sess.conns) == 0 {
		sub = sess.sub
		sess.sub = nil
		r.mu.Lock()
		delete(r.sessions, documentID)
		r.mu.Unlock()
	}
	sess.token.Release()

	// Closing the subscription waits for in-flight deliveries, which
	// may need the token, so it happens outside the critical section.
	if sub != nil {
		if err := sub.Close(); err != nil {
			log.Printf("unsubscribe failed for %s: %v", documentID, err)
		}
	}
}

// HistoryCount returns the number of persisted change records for a
// document. The count covers the whole log, seed record(s) included:
// it answers "how many records would a full replay consume", not "how
// many edits were made".
func (r *Registry) HistoryCount(ctx context.Context, documentID, userID string) (int, error) {
	role, err := r.checkDocument(ctx, documentID, userID)
	if err != nil {
		return 0, err
	}
	if !role.CanRead() {
		return 0, ErrAccessDenied
	}
	count, err := r.changeLog.CountChanges(ctx, documentID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return count, nil
}

// ReplayTo rebuilds the snapshot as of a log cutoff, independent of
// any live session. A cutoff of zero or less replays the whole log.
func (r *Registry) ReplayTo(ctx context.Context, documentID, userID string, throughSeq int64) ([]byte, error) {
	role, err := r.checkDocument(ctx, documentID, userID)
	if err != nil {
		return nil, err
	}
	if !role.CanRead() {
		return nil, ErrAccessDenied
	}
	doc, err := r.replay(ctx, documentID, throughSeq)
	if err != nil {
		return nil, err
	}
	return crdt.Save(doc), nil
}

// Close tears down every live session. Called on process shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]*docSession, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[string]*docSession)
	r.attached = make(map[Conn]string)
	r.mu.Unlock()

	for _, sess := range sessions {
		if sess.sub != nil {
			if err := sess.sub.Close(); err != nil {
				log.Printf("unsubscribe failed for %s: %v", sess.documentID, err)
			}
		}
	}
}

func (r *Registry) checkDocument(ctx context.Context, documentID, userID string) (access.Role, error) {
	exists, err := r.acl.DocumentExists(ctx, documentID)
	if err != nil {
		return access.RoleNone, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !exists {
		return access.RoleNone, ErrNotFound
	}
	role, err := r.acl.ResolveAccess(ctx, documentID, userID)
	if err != nil {
		return access.RoleNone, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return role, nil
}

// acquireSession returns the document's session with its token held.
// A session fetched from the map can be torn down by the last local
// disconnect while the caller queues on the token; proceeding on such
// a zombie would subscribe and mutate state no bus delivery or later
// operation can ever see. After acquiring, the session must still be
// the registered one, otherwise start over with a fresh load.
func (r *Registry) acquireSession(ctx context.Context, documentID string) (*docSession, error) {
	for {
		sess, err := r.getOrLoadSession(ctx, documentID)
		if err != nil {
			return nil, err
		}
		if err := sess.token.Acquire(ctx); err != nil {
			return nil, err
		}
		r.mu.Lock()
		current := r.sessions[documentID]
		r.mu.Unlock()
		if current == sess {
			return sess, nil
		}
		sess.token.Release()
	}
}

// getOrLoadSession returns the live session for a document, building
// it by replaying the full log if none exists. Concurrent callers for
// the same document share one load.
func (r *Registry) getOrLoadSession(ctx context.Context, documentID string) (*docSession, error) {
	r.mu.Lock()
	sess, ok := r.sessions[documentID]
	if ok {
		r.mu.Unlock()
		select {
		case <-sess.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if sess.loadErr != nil {
			return nil, sess.loadErr
		}
		return sess, nil
	}

	sess = &docSession{
		documentID: documentID,
		token:      &fifoLock{},
		ready:      make(chan struct{}),
		conns:      make(map[Conn]struct{}),
	}
	r.sessions[documentID] = sess
	r.mu.Unlock()

	doc, err := r.replay(ctx, documentID, 0)
	if err != nil {
		sess.loadErr = err
		close(sess.ready)
		r.mu.Lock()
		delete(r.sessions, documentID)
		r.mu.Unlock()
		return nil, err
	}
	sess.doc = doc
	close(sess.ready)
	return sess, nil
}

// replay rebuilds a snapshot from the empty state by feeding the log
// through the engine in order. Replaying twice with the same cutoff
// yields equivalent snapshots.
func (r *Registry) replay(ctx context.Context, documentID string, throughSeq int64) (*automerge.Doc, error) {
	records, err := r.changeLog.ScanChanges(ctx, documentID, throughSeq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	payloads := make([][]byte, 0, len(records))
	for _, record := range records {
		payloads = append(payloads, record.Payload)
	}
	return crdt.ApplyChanges(crdt.New(), payloads)
}

// handleBusPayload runs on a subscription's delivery goroutine. For
// changes that originated on another process it first catches the
// local snapshot up, then it forwards the sync to every local
// connection, including on the originating process.
func (r *Registry) handleBusPayload(documentID string, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Printf("malformed bus message on %s: %v", documentID, err)
		return
	}

	r.mu.Lock()
	sess := r.sessions[documentID]
	r.mu.Unlock()
	if sess == nil {
		return
	}

	ctx := context.Background()
	if err := sess.token.Acquire(ctx); err != nil {
		return
	}
	defer sess.token.Release()

	if env.Origin != r.origin {
		next, err := crdt.ApplyChanges(sess.doc, env.Changes)
		if err != nil {
			log.Printf("remote change rejected on %s, reloading from log: %v", documentID, err)
			if reloaded, replayErr := r.replay(ctx, documentID, 0); replayErr != nil {
				log.Printf("reload failed for %s: %v", documentID, replayErr)
			} else {
				sess.doc = reloaded
			}
		} else {
			sess.doc = next
		}
	}

	for conn := range sess.conns {
		conn.SendSync(documentID, env.Changes)
	}
}

func (r *Registry) broadcastPresence(ctx context.Context, sess *docSession) {
	users, err := r.presence.Members(ctx, sess.documentID)
	if err != nil {
		log.Printf("presence read failed for %s: %v", sess.documentID, err)
		return
	}
	for conn := range sess.conns {
		conn.SendPresence(sess.documentID, users)
	}
}

func (r *Registry) recordActivity(documentID, userID, action string) {
	go func() {
		if err := r.audit.RecordActivity(context.Background(), documentID, userID, action); err != nil {
			log.Printf("activity record failed for %s %s: %v", action, documentID, err)
		}
	}()
}
