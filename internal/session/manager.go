// Package session owns session identity: the log store, the leaf pointer,
// the session file, and the sqlite index of known sessions.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/weft/internal/logstore"
	"github.com/haasonsaas/weft/pkg/models"
)

// ErrNoSession indicates an operation that needs a current session.
var ErrNoSession = errors.New("no session")

// Manager wraps a log store with session identity and the append helpers
// the controller and engines use. All mutations are serialized per session.
type Manager struct {
	mu    sync.Mutex
	store *logstore.Store
	sess  models.Session
	index *Index // optional
}

// Options configures session creation.
type Options struct {
	// DataDir is the root under which session files live. Empty means the
	// session is in-memory only.
	DataDir string

	// Cwd is the working directory the session operates in.
	Cwd string

	// Index receives session metadata updates when set.
	Index *Index
}

// New creates a fresh session with a new id.
func New(opts Options) (*Manager, error) {
	id := uuid.NewString()
	m := &Manager{
		sess: models.Session{
			ID:        id,
			Cwd:       opts.Cwd,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		},
		index: opts.Index,
	}

	if opts.DataDir == "" {
		m.store = logstore.NewStore()
		return m, nil
	}

	m.sess.File = filepath.Join(opts.DataDir, "sessions", id+".jsonl")
	store, err := logstore.Open(m.sess.File)
	if err != nil {
		return nil, err
	}
	m.store = store
	m.touchIndex()
	return m, nil
}

// Resume loads an existing session file and restores its leaf pointer.
func Resume(path string, opts Options) (*Manager, error) {
	store, err := logstore.Open(path)
	if err != nil {
		return nil, err
	}

	id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	m := &Manager{
		store: store,
		sess: models.Session{
			ID:        id,
			File:      path,
			Cwd:       opts.Cwd,
			LeafID:    store.LeafID(),
			UpdatedAt: time.Now(),
		},
		index: opts.Index,
	}
	if m.index != nil {
		if rec, err := m.index.Lookup(path); err == nil && rec != nil {
			m.sess.Title = rec.Title
			m.sess.CreatedAt = rec.CreatedAt
			if opts.Cwd == "" {
				m.sess.Cwd = rec.Cwd
			}
		}
	}
	return m, nil
}

// Session returns a snapshot of the session identity.
func (m *Manager) Session() models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sess.LeafID = m.store.LeafID()
	return m.sess
}

// Store exposes the underlying log store for read access.
func (m *Manager) Store() *logstore.Store {
	return m.store
}

// SetTitle updates the session title and the index.
func (m *Manager) SetTitle(title string) {
	m.mu.Lock()
	m.sess.Title = title
	m.mu.Unlock()
	m.touchIndex()
}

// Title returns the session title, deriving one from the first user prompt
// when none was set.
func (m *Manager) Title() string {
	m.mu.Lock()
	if m.sess.Title != "" {
		t := m.sess.Title
		m.mu.Unlock()
		return t
	}
	m.mu.Unlock()

	for _, e := range m.store.GetBranch() {
		if e.Type == models.EntryUserMessage && e.User != nil && !e.User.Synthetic {
			return deriveTitle(e.User.Text)
		}
	}
	return ""
}

// deriveTitle truncates the first line of a prompt into a display title.
func deriveTitle(text string) string {
	line := text
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if len(line) > 80 {
		line = line[:77] + "..."
	}
	return line
}

// Append adds an entry at the current leaf.
func (m *Manager) Append(e *models.Entry) (string, error) {
	id, err := m.store.Append(e)
	if err != nil {
		return "", err
	}
	m.touchIndex()
	return id, nil
}

// AppendUserMessage appends a user prompt entry.
func (m *Manager) AppendUserMessage(text string, images []models.ImageBlock, synthetic bool) (string, error) {
	return m.Append(&models.Entry{
		Type: models.EntryUserMessage,
		User: &models.UserMessage{Text: text, Images: images, Synthetic: synthetic},
	})
}

// AppendAssistantMessage appends a completed model response.
func (m *Manager) AppendAssistantMessage(msg *models.AssistantMessage) (string, error) {
	return m.Append(&models.Entry{
		Type:      models.EntryAssistantMessage,
		Assistant: msg,
	})
}

// AppendToolResult appends the outcome of one tool call.
func (m *Manager) AppendToolResult(tr *models.ToolResultEntry) (string, error) {
	return m.Append(&models.Entry{
		Type:       models.EntryToolResult,
		ToolResult: tr,
	})
}

// AppendFileMention appends an @-mention expansion.
func (m *Manager) AppendFileMention(path, content string) (string, error) {
	return m.Append(&models.Entry{
		Type:        models.EntryFileMention,
		FileMention: &models.FileMention{Path: path, Content: content},
	})
}

// AppendBashExecution appends a user-initiated shell execution record.
func (m *Manager) AppendBashExecution(b *models.BashExecution) (string, error) {
	return m.Append(&models.Entry{Type: models.EntryBashExecution, Bash: b})
}

// AppendCompaction appends a compaction entry at the current leaf.
func (m *Manager) AppendCompaction(summary, firstKeptEntryID string, tokensBefore int, details json.RawMessage, fromExtension bool) (string, error) {
	return m.Append(&models.Entry{
		Type: models.EntryCompaction,
		Compaction: &models.Compaction{
			Summary:          summary,
			FirstKeptEntryID: firstKeptEntryID,
			TokensBefore:     tokensBefore,
			Details:          details,
			FromExtension:    fromExtension,
		},
	})
}

// AppendCustomMessageEntry appends an extension-supplied message.
func (m *Manager) AppendCustomMessageEntry(customType, content string, display models.CustomDisplay, details json.RawMessage) (string, error) {
	return m.Append(&models.Entry{
		Type: models.EntryCustomMessage,
		Custom: &models.CustomMessage{
			CustomType: customType,
			Content:    content,
			Display:    display,
			Details:    details,
		},
	})
}

// AppendModelChange records a model switch.
func (m *Manager) AppendModelChange(provider, model string) (string, error) {
	return m.Append(&models.Entry{
		Type:        models.EntryModelChange,
		ModelChange: &models.ModelChange{Provider: provider, Model: model},
	})
}

// AppendThinkingLevelChange records a reasoning-depth switch.
func (m *Manager) AppendThinkingLevelChange(level string) (string, error) {
	return m.Append(&models.Entry{
		Type:          models.EntryThinkingLevelChange,
		ThinkingLevel: &models.ThinkingLevelChange{Level: level},
	})
}

// Branch moves the leaf to entryID; siblings stay reachable.
func (m *Manager) Branch(entryID string) error {
	return m.store.Branch(entryID)
}

// BranchWithSummary navigates the leaf to targetLeafID and records a
// branch summary entry describing what the abandoned branch did. Returns
// the summary entry id.
func (m *Manager) BranchWithSummary(targetLeafID, summary string, details json.RawMessage, fromExtension bool) (string, error) {
	fromLeaf := m.store.LeafID()
	if err := m.store.Branch(targetLeafID); err != nil {
		return "", fmt.Errorf("navigate to %s: %w", targetLeafID, err)
	}
	if summary == "" {
		return "", nil
	}
	return m.Append(&models.Entry{
		Type: models.EntryBranchSummary,
		BranchSummary: &models.BranchSummary{
			Summary:       summary,
			FromLeafID:    fromLeaf,
			Details:       details,
			FromExtension: fromExtension,
		},
	})
}

// ResetLeaf points the leaf before the root.
func (m *Manager) ResetLeaf() {
	m.store.ResetLeaf()
}

// GetBranch returns the current root-to-leaf chain.
func (m *Manager) GetBranch() []*models.Entry {
	return m.store.GetBranch()
}

// GetEntry returns an entry by id, or nil.
func (m *Manager) GetEntry(id string) *models.Entry {
	return m.store.GetEntry(id)
}

// BuildSessionContext projects the current branch into the LLM-facing
// message sequence, filling in the session title.
func (m *Manager) BuildSessionContext() models.SessionContext {
	sc := logstore.BuildSessionContext(m.store.GetBranch())
	sc.Title = m.Title()
	return sc
}

// Flush awaits durability of all pending writes.
func (m *Manager) Flush() error {
	return m.store.Flush()
}

// Close flushes and releases the session file.
func (m *Manager) Close() error {
	m.touchIndex()
	return m.store.Close()
}

func (m *Manager) touchIndex() {
	if m.index == nil {
		return
	}
	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	if sess.File == "" {
		return
	}
	if sess.Title == "" {
		sess.Title = m.Title()
	}
	// Index writes are best effort; the session file is the source of truth.
	_ = m.index.Upsert(sess)
}
