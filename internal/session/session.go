// Package session drives one minion's conversation: recording user input,
// starting streams through the chat driver, and recovering from
// context-exceeded failures.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/latticehq/lattice/internal/agent"
	"github.com/latticehq/lattice/internal/ai"
	"github.com/latticehq/lattice/internal/artifacts"
	"github.com/latticehq/lattice/internal/bus"
	"github.com/latticehq/lattice/internal/chat"
	"github.com/latticehq/lattice/internal/config"
	"github.com/latticehq/lattice/internal/history"
	"github.com/latticehq/lattice/internal/minion"
	"github.com/latticehq/lattice/internal/providers"
	"github.com/latticehq/lattice/internal/stream"
)

// restartNotice is appended (and sent as extra system instructions) after a
// hard restart wipes the history.
const restartNotice = "This conversation was restarted because it exceeded the model's context window. Earlier messages were cleared; the original task follows."

// fileEditToolRe matches tool names whose completion dirties the
// post-compaction snapshot.
var fileEditToolRe = regexp.MustCompile(`^file_edit_.*`)

// ChatDriver is the session's view of the AI facade. Narrow by design: the
// session never reaches into streams or pools directly.
type ChatDriver interface {
	StreamMessage(ctx context.Context, opts ai.StreamOptions) (*stream.Running, error)
	StopStream(minionID string, opts stream.StopOptions)
}

// Options wires one session.
type Options struct {
	Minion    *minion.Minion
	Config    *config.Config
	Driver    ChatDriver
	History   *history.Store
	Artifacts *artifacts.Store
	Resolver  *agent.Resolver
	Publisher bus.Publisher
	// Lookup resolves parent minions for the exec-like fallback.
	Lookup agent.MinionLookup
	// OnPostCompactionStateChange fires after any file_edit_* tool
	// completes; the owner rebuilds the diff snapshot.
	OnPostCompactionStateChange func()
}

// SendOptions shapes one send.
type SendOptions struct {
	AgentID      string
	Provider     providers.Provider
	Model        string
	Thinking     providers.ThinkingLevel
	SystemPrompt string
	// EditMessageID rewrites history: everything after the target is
	// dropped and the edited copy appended in its place.
	EditMessageID string
	// FileParts: nil preserves the edited message's file parts, an empty
	// non-nil slice clears them, anything else replaces them.
	FileParts []chat.Part
}

// Session serializes sends for one minion and owns its recovery policy.
type Session struct {
	minion    *minion.Minion
	cfg       *config.Config
	driver    ChatDriver
	hist      *history.Store
	artifacts *artifacts.Store
	resolver  *agent.Resolver
	pub       bus.Publisher
	lookup    agent.MinionLookup
	onChange  func()

	subID string

	// sendMu serializes sends: no two streams ever run for one minion.
	sendMu sync.Mutex

	disposeOnce sync.Once
	disposed    bool
}

// NewSession builds the session and subscribes it to the event bus.
func NewSession(opts Options) *Session {
	s := &Session{
		minion:    opts.Minion,
		cfg:       opts.Config,
		driver:    opts.Driver,
		hist:      opts.History,
		artifacts: opts.Artifacts,
		resolver:  opts.Resolver,
		pub:       opts.Publisher,
		lookup:    opts.Lookup,
		onChange:  opts.OnPostCompactionStateChange,
		subID:     "session-" + opts.Minion.ID,
	}
	if s.pub != nil {
		s.pub.Subscribe(s.subID, s.onEvent)
	}
	return s
}

// onEvent watches for completed file-edit tools to refresh the
// post-compaction snapshot.
func (s *Session) onEvent(e bus.Event) {
	if e.MinionID != s.minion.ID || e.Kind != bus.EventToolCallEnd || s.onChange == nil {
		return
	}
	payload, ok := e.Payload.(map[string]any)
	if !ok {
		return
	}
	name, _ := payload["toolName"].(string)
	if fileEditToolRe.MatchString(name) {
		s.onChange()
	}
}

// SendMessage records the user's message (or edit) and streams a reply. A
// send that arrives while another is in flight is rejected, not queued.
func (s *Session) SendMessage(ctx context.Context, text string, opts SendOptions) (stream.Result, error) {
	if !s.sendMu.TryLock() {
		return stream.Result{}, errors.New("minion is already streaming")
	}
	defer s.sendMu.Unlock()
	if s.disposed {
		return stream.Result{}, errors.New("session is disposed")
	}

	if err := s.recordUserMessage(text, opts); err != nil {
		return stream.Result{}, err
	}
	return s.streamWithHistory(ctx, opts)
}

// recordUserMessage appends the message, applying edit semantics when an
// edit target is named. A vanished edit target (compacted away) degrades to
// a plain append.
func (s *Session) recordUserMessage(text string, opts SendOptions) error {
	msg := chat.NewMessage(chat.RoleUser, chat.TextPart(text))

	if opts.EditMessageID != "" {
		target, err := s.hist.GetMessage(s.minion.ID, opts.EditMessageID)
		if err != nil {
			slog.Info("session.edit_target_missing", "minion", s.minion.ID, "message", opts.EditMessageID)
		} else {
			fileParts := filePartsOf(target)
			if opts.FileParts != nil {
				fileParts = opts.FileParts
			}
			msg.Parts = append(msg.Parts, fileParts...)
			msg.Metadata.FileAtMentionSnapshot = target.Metadata.FileAtMentionSnapshot

			if err := s.truncateBefore(target.ID); err != nil {
				return err
			}
			if _, err := s.hist.Append(s.minion.ID, msg); err != nil {
				return err
			}
			return nil
		}
	}

	if opts.FileParts != nil {
		msg.Parts = append(msg.Parts, opts.FileParts...)
	}
	_, err := s.hist.Append(s.minion.ID, msg)
	return err
}

// truncateBefore removes the target and everything after it.
func (s *Session) truncateBefore(targetID string) error {
	msgs, err := s.hist.FullHistory(s.minion.ID)
	if err != nil {
		return err
	}
	for i, m := range msgs {
		if m.ID != targetID {
			continue
		}
		if i == 0 {
			return s.hist.ClearHistory(s.minion.ID)
		}
		return s.hist.TruncateAfterMessage(s.minion.ID, msgs[i-1].ID)
	}
	return fmt.Errorf("message %s not found", targetID)
}

// ResumeStream continues from existing history without a new user message.
func (s *Session) ResumeStream(ctx context.Context, opts SendOptions) (stream.Result, error) {
	if !s.sendMu.TryLock() {
		return stream.Result{}, errors.New("minion is already streaming")
	}
	defer s.sendMu.Unlock()
	if s.disposed {
		return stream.Result{}, errors.New("session is disposed")
	}
	msgs, err := s.hist.FullHistory(s.minion.ID)
	if err != nil {
		return stream.Result{}, err
	}
	if len(msgs) == 0 {
		return stream.Result{}, errors.New("history is empty")
	}
	return s.streamWithHistory(ctx, opts)
}

// streamWithHistory runs the stream with the context-exceeded recovery
// ladder: first discard post-compaction attachments, then (for exec-like
// sidekicks under the experiment) hard-restart, then give up.
func (s *Session) streamWithHistory(ctx context.Context, opts SendOptions) (stream.Result, error) {
	pc, _, err := s.artifacts.LoadPostCompaction(s.minion.ID)
	if err != nil {
		slog.Warn("session.post_compaction_load_failed", "minion", s.minion.ID, "error", err)
		pc = nil
	}

	var (
		discardedPC   bool
		hardRestarted bool
		extraSystem   string
	)
	for {
		running, err := s.driver.StreamMessage(ctx, ai.StreamOptions{
			Minion:                       s.minion,
			RequestedAgentID:             opts.AgentID,
			Provider:                     opts.Provider,
			Model:                        opts.Model,
			Thinking:                     opts.Thinking,
			SystemPrompt:                 opts.SystemPrompt,
			AdditionalSystemInstructions: extraSystem,
			PostCompaction:               pc,
		})
		if err != nil {
			return stream.Result{}, err
		}
		result, err := running.Wait(ctx)
		if err != nil {
			return stream.Result{}, err
		}
		if result.ErrKind != chat.ErrContextExceeded {
			return result, result.Err
		}

		switch {
		case pc != nil && !discardedPC:
			s.dropFailedPlaceholder(result.MessageID)
			// The diff bundle is the most likely overflow cause. One retry
			// without it.
			if err := s.artifacts.DiscardPostCompaction(s.minion.ID); err != nil {
				slog.Warn("session.post_compaction_discard_failed", "minion", s.minion.ID, "error", err)
			}
			pc = nil
			discardedPC = true
			slog.Info("session.retry_without_post_compaction", "minion", s.minion.ID)

		case !hardRestarted && s.cfg.Experiments.ExecSidekickHardRestart && s.minion.IsSidekick() && s.execLike():
			s.dropFailedPlaceholder(result.MessageID)
			if err := s.hardRestart(); err != nil {
				return result, result.Err
			}
			extraSystem = restartNotice
			hardRestarted = true
			slog.Info("session.hard_restart", "minion", s.minion.ID)

		default:
			// A second context-exceeded in the same turn never triggers
			// another restart. The errored placeholder stays for the UI.
			return result, result.Err
		}
	}
}

// dropFailedPlaceholder removes a failed assistant placeholder and its
// partial before a retry re-streams.
func (s *Session) dropFailedPlaceholder(messageID string) {
	if err := s.hist.DeleteMessage(s.minion.ID, messageID); err != nil {
		slog.Warn("session.placeholder_delete_failed", "minion", s.minion.ID, "error", err)
	}
	if err := s.hist.DeletePartial(s.minion.ID); err != nil {
		slog.Warn("session.partial_delete_failed", "minion", s.minion.ID, "error", err)
	}
}

// hardRestart clears history and re-seeds it: continuation notice first,
// then the preserved user messages in their original order.
func (s *Session) hardRestart() error {
	msgs, err := s.hist.FullHistory(s.minion.ID)
	if err != nil {
		return err
	}
	var preserved []chat.Message
	for _, m := range msgs {
		if m.Role == chat.RoleUser {
			preserved = append(preserved, m)
		}
	}

	if err := s.hist.ClearHistory(s.minion.ID); err != nil {
		return err
	}

	notice := chat.NewMessage(chat.RoleUser, chat.TextPart(restartNotice))
	notice.Metadata.Synthetic = true
	notice.Metadata.UIVisible = true
	if _, err := s.hist.Append(s.minion.ID, notice); err != nil {
		return err
	}
	for _, m := range preserved {
		m.Metadata.HistorySequence = 0 // reassigned on append
		if _, err := s.hist.Append(s.minion.ID, m); err != nil {
			return err
		}
	}
	return nil
}

// execLike reports whether the sidekick's resolved chain includes the exec
// agent. When the child's definition cannot be resolved, the parent's view
// decides; with neither view available the restart is withheld.
func (s *Session) execLike() bool {
	if chain, ok := s.resolveChain(s.minion); ok {
		return chainHasExec(chain)
	}
	if s.lookup != nil && s.minion.ParentMinionID != "" {
		if parent, ok := s.lookup(s.minion.ParentMinionID); ok {
			view := *s.minion
			view.ProjectPath = parent.ProjectPath
			if chain, ok := s.resolveChain(&view); ok {
				return chainHasExec(chain)
			}
		}
	}
	return false
}

func (s *Session) resolveChain(m *minion.Minion) ([]*agent.Definition, bool) {
	res, err := s.resolver.Resolve(agent.ResolveOptions{Minion: m})
	if err != nil {
		return nil, false
	}
	return res.Chain, true
}

func chainHasExec(chain []*agent.Definition) bool {
	for _, def := range chain {
		if def.ID == agent.AgentExec {
			return true
		}
	}
	return false
}

// StopStream interrupts the minion's in-flight send, if any.
func (s *Session) StopStream(opts stream.StopOptions) {
	s.driver.StopStream(s.minion.ID, opts)
}

// Dispose removes the event subscription. Idempotent.
func (s *Session) Dispose() {
	s.disposeOnce.Do(func() {
		if s.pub != nil {
			s.pub.Unsubscribe(s.subID)
		}
		s.sendMu.Lock()
		s.disposed = true
		s.sendMu.Unlock()
	})
}

func filePartsOf(m chat.Message) []chat.Part {
	var out []chat.Part
	for _, p := range m.Parts {
		if p.Type == chat.PartFile {
			out = append(out, p)
		}
	}
	return out
}
