package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/kanbeast/kanbeast/pkg/logger"
)

// Prompt keys. A prompt file env/prompts/<key>.txt overrides the compiled-in
// default; live edits are picked up by the watcher.
const (
	PromptPlanning   = "planning"
	PromptDeveloper  = "developer"
	PromptSubAgent   = "subagent"
	PromptCompaction = "compaction"
	PromptSFCM       = "sfcm"
)

var defaultPrompts = map[string]string{
	PromptPlanning: `You are the Planner for a coding ticket. Break the ticket into tasks and
subtasks, then drive developers through them. While the ticket is in Backlog
you may only create tasks and subtasks. Once it is Active, pick the next work
item and start a developer for it. Record important findings as memories.
When every subtask is complete, call complete_ticket with a short summary.`,

	PromptDeveloper: `You are a Developer working on one subtask of a coding ticket. Read the
relevant code before editing. Use shell, file, and search tools to make the
change, verify it, and then call end_subtask with a summary of what you did.
Spawn sub-agents for large independent chunks of work.`,

	PromptSubAgent: `You are a focused sub-agent. Complete exactly the task you were given and
nothing else. When finished, call agent_task_complete with your results.`,

	PromptCompaction: `You are a conversation compactor. You are given the original task, the
current memories, and a block of conversation history. Extract durable facts
into memories with add_memory, then call summarize_history with a concise
chapter summary of what happened in the history block. Keep the summary under
a few hundred words and preserve file paths, decisions, and open problems.`,

	PromptSFCM: `Manage your context with frames. Call push_context before starting a
sub-task that will take several steps; call pop_context with your findings
when it is done, so the intermediate work is discarded and only the result
remains. Keep durable facts in memories via a FRAME_0 pop.`,
}

// PromptStore resolves role prompts, preferring on-disk files so operators
// can edit prompts while workers run.
type PromptStore struct {
	dir     string
	mu      sync.RWMutex
	cache   map[string]string
	watcher *fsnotify.Watcher
}

func NewPromptStore(dir string) *PromptStore {
	return &PromptStore{
		dir:   dir,
		cache: make(map[string]string),
	}
}

// Get returns the prompt for the given key: disk override first, then the
// compiled-in default.
func (p *PromptStore) Get(key string) string {
	p.mu.RLock()
	cached, ok := p.cache[key]
	p.mu.RUnlock()
	if ok {
		return cached
	}

	text := p.loadFromDisk(key)
	if text == "" {
		text = defaultPrompts[key]
	}

	p.mu.Lock()
	p.cache[key] = text
	p.mu.Unlock()
	return text
}

// Refresh drops the cached copy so the next Get re-reads from disk. Used on
// conversation reconstitution and by the file watcher.
func (p *PromptStore) Refresh(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if key == "" {
		p.cache = make(map[string]string)
		return
	}
	delete(p.cache, key)
}

func (p *PromptStore) loadFromDisk(key string) string {
	data, err := os.ReadFile(filepath.Join(p.dir, key+".txt"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Watch starts a fsnotify watcher on the prompts directory. Edits invalidate
// the matching cache entry. Returns an error only if the directory cannot be
// watched; a missing directory is created first.
func (p *PromptStore) Watch() error {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create prompts dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create prompt watcher: %w", err)
	}
	if err := watcher.Add(p.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch prompts dir: %w", err)
	}
	p.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				key := strings.TrimSuffix(filepath.Base(event.Name), ".txt")
				p.Refresh(key)
				logger.DebugCF("prompts", "Prompt reloaded", map[string]any{"key": key})
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

func (p *PromptStore) Close() {
	if p.watcher != nil {
		p.watcher.Close()
	}
}
