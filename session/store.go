// Package session owns the chat sessions: the list and its active pointer,
// the chat flow that streams replies into them, and the background title and
// memory summarization.
package session

import (
	"context"
	"slices"
	"sync"
	"time"

	"webllm-chat/database"
	"webllm-chat/errors"
	"webllm-chat/memory"
	"webllm-chat/tokens"
	"webllm-chat/web/types"

	"github.com/hashicorp/go-version"
	"go.uber.org/zap"
)

const (
	// DefaultStaleAfter is how long an empty streaming message may wait for
	// its request before it is considered dead.
	DefaultStaleAfter = 60 * time.Second
	// DefaultUndoWindow is how long a deleted session can be restored.
	DefaultUndoWindow = 5 * time.Second
)

// State is the persisted form of the session list.
type State struct {
	Sessions            []types.ChatSession `json:"sessions"`
	CurrentSessionIndex int                 `json:"currentSessionIndex"`
}

func cloneState(s State) State {
	out := State{CurrentSessionIndex: s.CurrentSessionIndex}
	out.Sessions = make([]types.ChatSession, len(s.Sessions))
	for i, sess := range s.Sessions {
		out.Sessions[i] = sess.Clone()
	}
	return out
}

func defaultState() State {
	return State{Sessions: []types.ChatSession{types.NewChatSession(types.EmptyTemplate())}}
}

// Before 0.1 messages carried no stop reason.
func migrateState(from *version.Version, st *State) {
	if !database.VersionBefore(from, "0.1") {
		return
	}
	for i := range st.Sessions {
		for j := range st.Sessions[i].Messages {
			st.Sessions[i].Messages[j].StopReason = types.StopReasonStop
		}
	}
}

// Options tunes a Store. Zero values take the defaults.
type Options struct {
	Estimator  tokens.Estimator
	StaleAfter time.Duration
	UndoWindow time.Duration
	Now        func() time.Time
}

// undoState remembers one deleted session and where it sat.
type undoState struct {
	session     types.ChatSession
	index       int
	wasCurrent  bool
	placeholder string
	expires     time.Time
}

// Store holds the session list. State changes are serialized by mu and
// applied through Reduce; sessions are addressed by id.
type Store struct {
	mu    sync.Mutex
	state State
	undo  *undoState
	live  map[string]*Generation

	db         *database.Store[State]
	assembler  *memory.Assembler
	estimator  tokens.Estimator
	staleAfter time.Duration
	undoWindow time.Duration
	now        func() time.Time

	feed   *feed
	bg     sync.WaitGroup
	logger *zap.Logger
}

// Open loads the session list from backend and reconciles any streams left
// open by a previous process.
func Open(ctx context.Context, backend database.Backend, opts Options, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Estimator == nil {
		opts.Estimator = tokens.Default
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.UndoWindow <= 0 {
		opts.UndoWindow = DefaultUndoWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	db, err := database.OpenStore(ctx, backend, database.Schema[State]{
		Key:     database.ChatStoreKey,
		Version: database.ChatStoreVersion,
		Default: defaultState,
		Migrate: migrateState,
		Clone:   cloneState,
	}, logger)
	if err != nil {
		return nil, err
	}

	s := &Store{
		state:      db.Get(),
		live:       make(map[string]*Generation),
		db:         db,
		assembler:  memory.NewAssembler(opts.Estimator, logger),
		estimator:  opts.Estimator,
		staleAfter: opts.StaleAfter,
		undoWindow: opts.UndoWindow,
		now:        opts.Now,
		feed:       newFeed(),
		logger:     logger,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := cloneState(s.state)
	if len(next.Sessions) == 0 {
		next.Sessions = []types.ChatSession{types.NewChatSession(types.EmptyTemplate())}
	}
	next.CurrentSessionIndex = clampIndex(next.CurrentSessionIndex, len(next.Sessions))
	reconcile := Batch{StopStreaming{Now: s.now(), StaleAfter: s.staleAfter}, SetGenerating{false}}
	for i := range next.Sessions {
		next.Sessions[i] = Reduce(next.Sessions[i], reconcile)
	}
	if err := s.commitLocked(ctx, next); err != nil {
		return nil, err
	}

	logger.Info("Session store loaded",
		zap.Int("sessions", len(next.Sessions)),
		zap.Int("current", next.CurrentSessionIndex))
	return s, nil
}

func clampIndex(i, n int) int {
	if n == 0 {
		return 0
	}
	return min(max(i, 0), n-1)
}

// commitLocked persists next and makes it current. On a write failure the
// previous state is kept.
func (s *Store) commitLocked(ctx context.Context, next State) error {
	if err := s.db.Replace(ctx, next); err != nil {
		return err
	}
	s.state = next
	return nil
}

func (s *Store) indexOfLocked(id string) int {
	return indexOf(s.state.Sessions, id)
}

func indexOf(sessions []types.ChatSession, id string) int {
	return slices.IndexFunc(sessions, func(sess types.ChatSession) bool { return sess.ID == id })
}

// update applies action to the session with id. Streaming deltas pass
// persist=false and stay in memory until the request settles.
func (s *Store) update(ctx context.Context, id string, action Action, persist bool) (types.ChatSession, error) {
	s.mu.Lock()
	i := s.indexOfLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return types.ChatSession{}, errors.WrapErrorf(errors.ErrNotFound, "session %s", id)
	}
	updated := Reduce(s.state.Sessions[i], action)
	if persist {
		next := cloneState(s.state)
		next.Sessions[i] = updated
		if err := s.commitLocked(ctx, next); err != nil {
			s.mu.Unlock()
			return types.ChatSession{}, err
		}
	} else {
		s.state.Sessions[i] = updated
	}
	s.mu.Unlock()

	snap := updated.Clone()
	s.feed.publish(Change{Kind: ChangeSession, SessionID: id, Session: &snap})
	return updated, nil
}

// Update applies actions to one session and persists the result.
func (s *Store) Update(ctx context.Context, id string, actions ...Action) (types.ChatSession, error) {
	return s.update(ctx, id, Batch(actions), true)
}

// Sessions returns a snapshot of every session in list order.
func (s *Store) Sessions() []types.ChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneState(s.state).Sessions
}

// Get returns a snapshot of the session with id.
func (s *Store) Get(id string) (types.ChatSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOfLocked(id); i >= 0 {
		return s.state.Sessions[i].Clone(), true
	}
	return types.ChatSession{}, false
}

// CurrentIndex is the position of the active session.
func (s *Store) CurrentIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clampIndex(s.state.CurrentSessionIndex, len(s.state.Sessions))
}

// CurrentSession returns the active session. An out of range pointer is
// clamped first.
func (s *Store) CurrentSession() types.ChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := clampIndex(s.state.CurrentSessionIndex, len(s.state.Sessions))
	s.state.CurrentSessionIndex = idx
	return s.state.Sessions[idx].Clone()
}

func (s *Store) listChanged() {
	s.feed.publish(Change{Kind: ChangeList})
}

// NewSession creates a session, seeded with tmpl when given, places it
// at the top of the list and makes it active.
func (s *Store) NewSession(ctx context.Context, tmpl *types.Template) (types.ChatSession, error) {
	seed := types.EmptyTemplate()
	if tmpl != nil {
		seed = tmpl.Clone()
	}
	sess := types.NewChatSession(seed)
	sess.LastUpdate = s.now()
	if tmpl != nil && tmpl.Name != "" {
		sess.Topic = tmpl.Name
	}

	s.mu.Lock()
	next := cloneState(s.state)
	next.Sessions = append([]types.ChatSession{sess}, next.Sessions...)
	next.CurrentSessionIndex = 0
	err := s.commitLocked(ctx, next)
	s.mu.Unlock()
	if err != nil {
		return types.ChatSession{}, err
	}

	s.logger.Info("Created session", zap.String("session_id", sess.ID), zap.String("topic", sess.Topic))
	s.listChanged()
	return sess.Clone(), nil
}

// SelectSession makes the session at index active.
func (s *Store) SelectSession(ctx context.Context, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.state.Sessions) {
		return errors.WrapErrorf(errors.ErrInvalidInput, "session index %d out of range", index)
	}
	next := cloneState(s.state)
	next.CurrentSessionIndex = index
	return s.commitLocked(ctx, next)
}

// SelectSessionByID makes the session with id active.
func (s *Store) SelectSessionByID(ctx context.Context, id string) error {
	s.mu.Lock()
	i := s.indexOfLocked(id)
	s.mu.Unlock()
	if i < 0 {
		return errors.WrapErrorf(errors.ErrNotFound, "session %s", id)
	}
	return s.SelectSession(ctx, i)
}

// MoveSession moves the session at from to position to. The active pointer
// follows the session it pointed at.
func (s *Store) MoveSession(ctx context.Context, from, to int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.state.Sessions)
	if from < 0 || from >= n || to < 0 || to >= n {
		return errors.WrapErrorf(errors.ErrInvalidInput, "cannot move session %d to %d", from, to)
	}
	next := cloneState(s.state)
	moved := next.Sessions[from]
	next.Sessions = slices.Insert(slices.Delete(next.Sessions, from, from+1), to, moved)

	old := s.state.CurrentSessionIndex
	idx := old
	switch {
	case old == from:
		idx = to
	case old > from && old <= to:
		idx = old - 1
	case old < from && old >= to:
		idx = old + 1
	}
	next.CurrentSessionIndex = idx
	if err := s.commitLocked(ctx, next); err != nil {
		return err
	}
	s.listChanged()
	return nil
}

// NextSession moves the active pointer by delta, wrapping around.
func (s *Store) NextSession(ctx context.Context, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.state.Sessions)
	next := cloneState(s.state)
	next.CurrentSessionIndex = ((s.state.CurrentSessionIndex+delta)%n + n) % n
	return s.commitLocked(ctx, next)
}

// DeleteSession removes the session at index. Removing the last session
// leaves a fresh empty one behind. The removed session can be restored with
// UndoDelete until the undo window passes.
func (s *Store) DeleteSession(ctx context.Context, index int) error {
	s.mu.Lock()
	n := len(s.state.Sessions)
	if index < 0 || index >= n {
		s.mu.Unlock()
		return errors.WrapErrorf(errors.ErrInvalidInput, "session index %d out of range", index)
	}
	removed := s.state.Sessions[index]
	if g := s.live[removed.ID]; g != nil {
		s.mu.Unlock()
		return errors.WrapErrorf(errors.ErrBusy, "session %s", removed.ID)
	}

	u := &undoState{session: removed.Clone(), index: index, wasCurrent: index == s.state.CurrentSessionIndex}
	next := cloneState(s.state)
	cur := s.state.CurrentSessionIndex
	next.Sessions = slices.Delete(next.Sessions, index, index+1)
	shift := 0
	if index < cur {
		shift = 1
	}
	nextIndex := min(cur-shift, len(next.Sessions)-1)
	if len(next.Sessions) == 0 {
		nextIndex = 0
		next.Sessions = []types.ChatSession{types.NewChatSession(types.EmptyTemplate())}
		u.placeholder = next.Sessions[0].ID
	}
	next.CurrentSessionIndex = max(nextIndex, 0)

	if err := s.commitLocked(ctx, next); err != nil {
		s.mu.Unlock()
		return err
	}
	u.expires = s.now().Add(s.undoWindow)
	s.undo = u
	s.mu.Unlock()

	s.logger.Info("Deleted session", zap.String("session_id", removed.ID), zap.Int("index", index))
	s.listChanged()
	return nil
}

// DeleteSessionByID removes the session with id.
func (s *Store) DeleteSessionByID(ctx context.Context, id string) error {
	s.mu.Lock()
	i := s.indexOfLocked(id)
	s.mu.Unlock()
	if i < 0 {
		return errors.WrapErrorf(errors.ErrNotFound, "session %s", id)
	}
	return s.DeleteSession(ctx, i)
}

// UndoDelete puts the last deleted session back at its old position in the
// current list. Sessions changed since the deletion keep their changes. The
// empty session that stood in for an emptied list is dropped if still
// unused. It reports false when there is nothing to restore or the window
// has passed.
func (s *Store) UndoDelete(ctx context.Context) (bool, error) {
	s.mu.Lock()
	u := s.undo
	if u == nil || !s.now().Before(u.expires) {
		s.undo = nil
		s.mu.Unlock()
		return false, nil
	}

	next := cloneState(s.state)
	currentID := next.Sessions[next.CurrentSessionIndex].ID
	if i := indexOf(next.Sessions, u.placeholder); u.placeholder != "" && i >= 0 &&
		len(next.Sessions[i].Messages) == 0 && s.live[u.placeholder] == nil {
		next.Sessions = slices.Delete(next.Sessions, i, i+1)
		if currentID == u.placeholder {
			u.wasCurrent = true
		}
	}
	at := min(u.index, len(next.Sessions))
	next.Sessions = slices.Insert(next.Sessions, at, u.session.Clone())
	if u.wasCurrent {
		next.CurrentSessionIndex = at
	} else {
		next.CurrentSessionIndex = max(indexOf(next.Sessions, currentID), 0)
	}

	if err := s.commitLocked(ctx, next); err != nil {
		s.mu.Unlock()
		return false, err
	}
	s.undo = nil
	s.mu.Unlock()

	s.logger.Info("Restored deleted session", zap.String("session_id", u.session.ID), zap.Int("index", at))
	s.listChanged()
	return true, nil
}

// ClearSessions replaces every session with a single empty one.
func (s *Store) ClearSessions(ctx context.Context) error {
	s.mu.Lock()
	if len(s.live) > 0 {
		s.mu.Unlock()
		return errors.WrapError(errors.ErrBusy, "sessions have requests in flight")
	}
	err := s.commitLocked(ctx, defaultState())
	s.undo = nil
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.listChanged()
	return nil
}

// ResetSession drops the messages and the memory of a session.
func (s *Store) ResetSession(ctx context.Context, id string) (types.ChatSession, error) {
	if s.isLive(id) {
		return types.ChatSession{}, errors.WrapErrorf(errors.ErrBusy, "session %s", id)
	}
	return s.Update(ctx, id, ResetMessages{}, Touch{At: s.now()})
}

// ToggleClearContext sets or clears the context floor of a session.
func (s *Store) ToggleClearContext(ctx context.Context, id string) (types.ChatSession, error) {
	return s.Update(ctx, id, ToggleClearContext{})
}

// DeleteMessage removes one message from a session.
func (s *Store) DeleteMessage(ctx context.Context, id, messageID string) (types.ChatSession, error) {
	sess, ok := s.Get(id)
	if !ok {
		return types.ChatSession{}, errors.WrapErrorf(errors.ErrNotFound, "session %s", id)
	}
	if sess.MessageIndex(messageID) < 0 {
		return types.ChatSession{}, errors.WrapErrorf(errors.ErrNotFound, "message %s", messageID)
	}
	return s.Update(ctx, id, DeleteMessages{IDs: []string{messageID}})
}

// ResetGeneratingStatus clears the generating flag on sessions with no
// request in flight.
func (s *Store) ResetGeneratingStatus(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := cloneState(s.state)
	for i, sess := range next.Sessions {
		if s.live[sess.ID] == nil {
			next.Sessions[i] = Reduce(sess, SetGenerating{false})
		}
	}
	return s.commitLocked(ctx, next)
}

// StopStreaming reconciles streaming state on every session. Callers abort
// the client first; late callbacks of aborted requests find nothing to
// update.
func (s *Store) StopStreaming(ctx context.Context) error {
	s.mu.Lock()
	next := cloneState(s.state)
	action := StopStreaming{Now: s.now(), StaleAfter: s.staleAfter}
	for i, sess := range next.Sessions {
		next.Sessions[i] = Reduce(sess, action)
	}
	err := s.commitLocked(ctx, next)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.listChanged()
	return nil
}

// SweepStale reconciles sessions that have no request in flight in this
// process. It returns how many sessions changed.
func (s *Store) SweepStale(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := cloneState(s.state)
	action := Batch{StopStreaming{Now: s.now(), StaleAfter: s.staleAfter}, SetGenerating{false}}
	changed := 0
	for i, sess := range next.Sessions {
		if s.live[sess.ID] != nil || !dangling(sess) {
			continue
		}
		next.Sessions[i] = Reduce(sess, action)
		changed++
	}
	if changed == 0 {
		return 0, nil
	}
	if err := s.commitLocked(ctx, next); err != nil {
		return 0, err
	}
	s.logger.Info("Reconciled stale sessions", zap.Int("sessions", changed))
	s.listChanged()
	return changed, nil
}

func dangling(sess types.ChatSession) bool {
	if sess.IsGenerating {
		return true
	}
	for _, m := range sess.Messages {
		if m.Streaming {
			return true
		}
	}
	return false
}

func (s *Store) isLive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[id] != nil
}

// Generating returns the in-flight generation of a session, if any.
func (s *Store) Generating(id string) (*Generation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.live[id]
	return g, ok
}

// Wait blocks until every background request started by the store has
// settled.
func (s *Store) Wait() {
	s.bg.Wait()
}
