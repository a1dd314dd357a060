package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNoSession is returned by Transfer when the chat has no session to
// transfer. Callers should use errors.Is to distinguish this expected case.
var ErrNoSession = errors.New("session: no active session")

const descriptorName = "session.json"

// Store manages the set of sessions, one active per chat, with durable
// per-session persistence. Operations on different chats run in parallel;
// operations on the same chat are serialised by a per-chat mutex that the
// lifecycle manager shares via Transfer/TryTransfer.
type Store struct {
	root    string
	budgets map[string]int
	counter TokenCounter
	logger  *slog.Logger
	clock   func() time.Time

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	sessions map[string]*Session // active sessions by chat ID
}

// Open creates a Store rooted at root, creating the active/ and archive/
// directories and loading every active descriptor found on disk. When two
// active descriptors claim the same chat (crash mid-rename), the one with
// the greatest last_active_at wins and the others are archived immediately.
func Open(root string, budgets map[string]int, counter TokenCounter, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		root:     root,
		budgets:  budgets,
		counter:  counter,
		logger:   logger,
		clock:    time.Now,
		locks:    make(map[string]*sync.Mutex),
		sessions: make(map[string]*Session),
	}

	for _, dir := range []string{s.activeRoot(), s.archiveRoot()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("session: create %s: %w", dir, err)
		}
	}

	if err := s.loadActive(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) activeRoot() string  { return filepath.Join(s.root, "active") }
func (s *Store) archiveRoot() string { return filepath.Join(s.root, "archive") }

// chatDir returns the filesystem-safe active directory for a chat ID.
func (s *Store) chatDir(chatID string) string {
	sum := sha256.Sum256([]byte(chatID))
	return filepath.Join(s.activeRoot(), hex.EncodeToString(sum[:8]))
}

// lockFor returns the mutex guarding all state for one chat.
func (s *Store) lockFor(chatID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[chatID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[chatID] = l
	}
	return l
}

// loadActive scans active/ and populates the in-memory session map,
// resolving duplicate descriptors and sweeping stale temp files.
func (s *Store) loadActive() error {
	entries, err := os.ReadDir(s.activeRoot())
	if err != nil {
		return fmt.Errorf("session: scan active root: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(s.activeRoot(), entry.Name())

		// Crash mid-rename leaves a temp file behind; the descriptor is
		// authoritative, the temp is garbage.
		tmps, _ := filepath.Glob(filepath.Join(dir, descriptorName+".tmp*"))
		for _, tmp := range tmps {
			os.Remove(tmp)
		}

		sess, err := readDescriptor(filepath.Join(dir, descriptorName))
		if err != nil {
			s.logger.Warn("session: skip unreadable descriptor", "dir", dir, "err", err)
			continue
		}

		existing, ok := s.sessions[sess.ChatID]
		if !ok {
			s.sessions[sess.ChatID] = sess
			continue
		}

		// Two active descriptors for one chat: newest last_active_at wins,
		// the loser is archived.
		loser, winner := sess, existing
		if sess.LastActiveAt.After(existing.LastActiveAt) {
			loser, winner = existing, sess
			s.sessions[sess.ChatID] = sess
		}
		s.logger.Warn("session: duplicate active descriptors, archiving older",
			"chat_id", loser.ChatID,
			"archived_session", loser.SessionID,
			"kept_session", winner.SessionID,
		)
		if err := s.archiveSession(loser); err != nil {
			return fmt.Errorf("session: archive duplicate: %w", err)
		}
	}

	// Duplicate losers may have lived in a different directory than the
	// winner; remove any active dir whose descriptor is no longer current.
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(s.activeRoot(), entry.Name())
		sess, err := readDescriptor(filepath.Join(dir, descriptorName))
		if err != nil {
			continue
		}
		if cur, ok := s.sessions[sess.ChatID]; !ok || cur.SessionID != sess.SessionID {
			os.RemoveAll(dir)
		}
	}

	s.logger.Info("session: store opened", "active_sessions", len(s.sessions))
	return nil
}

// Append records a message for the chat, creating a session when none is
// active, and persists the descriptor atomically before returning. The
// returned string is the generated message ID.
func (s *Store) Append(chatID, role, content, userRole string, metadata map[string]string) (string, error) {
	lock := s.lockFor(chatID)
	lock.Lock()
	defer lock.Unlock()

	now := s.clock().UTC()

	s.mu.Lock()
	sess, ok := s.sessions[chatID]
	s.mu.Unlock()

	if !ok || sess.State != StateActive {
		sess = &Session{
			ChatID:    chatID,
			CreatedAt: now,
			Messages:  nil,
			SessionID: uuid.New().String(),
			State:     StateActive,
			UserRole:  userRole,
		}
		s.mu.Lock()
		s.sessions[chatID] = sess
		s.mu.Unlock()
		s.logger.Info("session: created", "chat_id", chatID, "session_id", sess.SessionID)
	}

	// The role budget follows the first user message of the session.
	if sess.UserRole == "" && role == RoleUser {
		sess.UserRole = userRole
	}

	msg := Message{
		Content:    content,
		MessageID:  uuid.New().String(),
		Metadata:   metadata,
		Role:       role,
		Timestamp:  now,
		TokenCount: s.counter.Count(content),
	}
	sess.Messages = append(sess.Messages, msg)

	// last_active_at is monotonically non-decreasing while active.
	if now.After(sess.LastActiveAt) {
		sess.LastActiveAt = now
	}

	if err := s.persist(sess); err != nil {
		// Roll the in-memory append back so memory and disk agree.
		sess.Messages = sess.Messages[:len(sess.Messages)-1]
		return "", err
	}

	return msg.MessageID, nil
}

// History returns the suffix of the chat's message log whose cumulative
// token count fits the role budget, in chronological order. The newest
// message is always included even when it alone exceeds the budget. An
// empty slice means no active session or no messages.
func (s *Store) History(chatID, userRole string) []Turn {
	lock := s.lockFor(chatID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	sess, ok := s.sessions[chatID]
	s.mu.Unlock()
	if !ok || len(sess.Messages) == 0 {
		return nil
	}

	budget, ok := s.budgets[userRole]
	if !ok || budget <= 0 {
		// Unknown role: fall back to the most restrictive budget.
		budget = 0
		for _, b := range s.budgets {
			if budget == 0 || b < budget {
				budget = b
			}
		}
	}

	msgs := sess.Messages
	start := len(msgs) // exclusive walk from the newest end
	total := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if total+msgs[i].TokenCount > budget && start < len(msgs) {
			break
		}
		total += msgs[i].TokenCount
		start = i
		if total > budget {
			// Only possible for the newest message itself.
			break
		}
	}

	turns := make([]Turn, 0, len(msgs)-start)
	for _, m := range msgs[start:] {
		turns = append(turns, Turn{Role: m.Role, Content: m.Content})
	}
	return turns
}

// Clear marks the chat's active session expired and persists it. It returns
// the session ID so the caller can drive the lifecycle transfer; it does not
// summarise or archive itself.
func (s *Store) Clear(chatID string) (string, bool) {
	lock := s.lockFor(chatID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	sess, ok := s.sessions[chatID]
	s.mu.Unlock()
	if !ok {
		return "", false
	}

	sess.State = StateExpired
	if err := s.persist(sess); err != nil {
		s.logger.Warn("session: persist expired state failed", "chat_id", chatID, "err", err)
	}
	return sess.SessionID, true
}

// IsExpired reports whether the chat's session has been idle for at least
// idleTimeout. The boundary is inclusive: a session idle for exactly the
// timeout is eligible.
func (s *Store) IsExpired(chatID string, idleTimeout time.Duration) bool {
	lock := s.lockFor(chatID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	sess, ok := s.sessions[chatID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return s.clock().UTC().Sub(sess.LastActiveAt) >= idleTimeout
}

// ActiveSessions returns a snapshot of all current sessions.
func (s *Store) ActiveSessions() []Ref {
	s.mu.Lock()
	defer s.mu.Unlock()

	refs := make([]Ref, 0, len(s.sessions))
	for _, sess := range s.sessions {
		refs = append(refs, Ref{
			ChatID:       sess.ChatID,
			SessionID:    sess.SessionID,
			LastActiveAt: sess.LastActiveAt,
		})
	}
	return refs
}

// StartupScan returns the sessions already idle past idleTimeout at process
// start. The pipeline transfers these before serving traffic (orphan
// recovery).
func (s *Store) StartupScan(idleTimeout time.Duration) []Ref {
	now := s.clock().UTC()

	var refs []Ref
	for _, ref := range s.ActiveSessions() {
		if now.Sub(ref.LastActiveAt) >= idleTimeout {
			refs = append(refs, ref)
		}
	}
	return refs
}

// Transfer runs fn with the chat's lock held, passing a snapshot of the
// session, and archives the session when fn returns nil. A non-nil error
// from fn leaves the session untouched so the next tick can retry.
func (s *Store) Transfer(chatID string, fn func(sess Session) error) error {
	lock := s.lockFor(chatID)
	lock.Lock()
	defer lock.Unlock()

	return s.transferLocked(chatID, fn)
}

// TryTransfer is Transfer with a non-blocking lock acquisition. It reports
// false without calling fn when the chat's lock is contested, so the sweep
// never queues behind an in-flight message.
func (s *Store) TryTransfer(chatID string, fn func(sess Session) error) (bool, error) {
	lock := s.lockFor(chatID)
	if !lock.TryLock() {
		return false, nil
	}
	defer lock.Unlock()

	return true, s.transferLocked(chatID, fn)
}

func (s *Store) transferLocked(chatID string, fn func(sess Session) error) error {
	s.mu.Lock()
	sess, ok := s.sessions[chatID]
	s.mu.Unlock()
	if !ok {
		return ErrNoSession
	}

	if err := fn(sess.clone()); err != nil {
		return err
	}

	if err := s.archiveSession(sess); err != nil {
		return err
	}

	if err := os.RemoveAll(s.chatDir(chatID)); err != nil {
		return fmt.Errorf("session: remove active dir: %w", err)
	}

	s.mu.Lock()
	delete(s.sessions, chatID)
	s.mu.Unlock()

	s.logger.Info("session: archived",
		"chat_id", chatID,
		"session_id", sess.SessionID,
		"messages", len(sess.Messages),
	)
	return nil
}

// archiveSession writes the session descriptor, marked archived, under
// archive/YYYY-MM-DD/<session-id>/.
func (s *Store) archiveSession(sess *Session) error {
	cp := sess.clone()
	cp.State = StateArchived

	dir := filepath.Join(s.archiveRoot(), s.clock().UTC().Format(time.DateOnly), cp.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("session: create archive dir: %w", err)
	}
	return writeDescriptor(filepath.Join(dir, descriptorName), &cp)
}

// persist writes the session's descriptor under its active directory.
func (s *Store) persist(sess *Session) error {
	dir := s.chatDir(sess.ChatID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("session: create session dir: %w", err)
	}
	return writeDescriptor(filepath.Join(dir, descriptorName), sess)
}

// writeDescriptor marshals the descriptor and renames it into place so
// readers never observe a half-written file.
func writeDescriptor(path string, sess *Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("session: marshal descriptor: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), descriptorName+".tmp*")
	if err != nil {
		return fmt.Errorf("session: create temp descriptor: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("session: write temp descriptor: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("session: sync temp descriptor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("session: close temp descriptor: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("session: rename descriptor: %w", err)
	}
	return nil
}

// readDescriptor loads and minimally validates a session descriptor.
func readDescriptor(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode descriptor: %w", err)
	}
	if sess.ChatID == "" || sess.SessionID == "" {
		return nil, fmt.Errorf("descriptor missing chat_id or session_id")
	}
	return &sess, nil
}
