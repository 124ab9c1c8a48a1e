package agent

import (
	"fmt"
	"sync"
	"time"

	"github.com/shadowrealm-ai/shadow/internal/llm"
)

// Operation names a model call site so the context can pick between the main
// model and the cost-optimized mini model.
type Operation string

const (
	OpStream        Operation = "stream"
	OpCommitMessage Operation = "commit-message"
	OpTitle         Operation = "title"
	OpPRCopy        Operation = "pr-copy"
)

// TaskContext carries the model selection and credentials for one task. It
// is immutable for the life of a stream; switching models constructs a new
// context.
type TaskContext struct {
	taskID    string
	mainModel string
	miniModel string
	apiKeys   map[llm.ProviderName]string
	createdAt time.Time
}

// NewTaskContext builds a context. miniModel may be empty, in which case the
// main model serves every operation.
func NewTaskContext(taskID, mainModel, miniModel string, apiKeys map[llm.ProviderName]string) *TaskContext {
	keys := make(map[llm.ProviderName]string, len(apiKeys))
	for provider, key := range apiKeys {
		keys[provider] = key
	}
	return &TaskContext{
		taskID:    taskID,
		mainModel: mainModel,
		miniModel: miniModel,
		apiKeys:   keys,
		createdAt: time.Now(),
	}
}

func (c *TaskContext) TaskID() string    { return c.taskID }
func (c *TaskContext) MainModel() string { return c.mainModel }

// Provider is the dialect of the main model.
func (c *TaskContext) Provider() llm.ProviderName {
	return llm.ProviderForModel(c.mainModel)
}

// ModelFor picks the model for an operation: the stream uses the main model,
// generation side-calls use the mini model when one is configured.
func (c *TaskContext) ModelFor(op Operation) string {
	if op == OpStream || c.miniModel == "" {
		return c.mainModel
	}
	return c.miniModel
}

// APIKeyFor returns the key for the provider serving an operation.
func (c *TaskContext) APIKeyFor(op Operation) (string, error) {
	provider := llm.ProviderForModel(c.ModelFor(op))
	key, ok := c.apiKeys[provider]
	if !ok || key == "" {
		return "", fmt.Errorf("no %s API key for task %s", provider, c.taskID)
	}
	return key, nil
}

// Validate checks that the operation's provider has a key.
func (c *TaskContext) Validate(op Operation) error {
	_, err := c.APIKeyFor(op)
	return err
}

// ContextService manufactures and caches task contexts. The cache is
// process-local with a TTL and never the source of truth.
type ContextService struct {
	mu        sync.Mutex
	cache     map[string]*TaskContext
	ttl       time.Duration
	miniModel string
	apiKeys   map[llm.ProviderName]string
	now       func() time.Time
}

// NewContextService creates a service with the process-wide key set.
func NewContextService(miniModel string, apiKeys map[llm.ProviderName]string, ttl time.Duration) *ContextService {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &ContextService{
		cache:     make(map[string]*TaskContext),
		ttl:       ttl,
		miniModel: miniModel,
		apiKeys:   apiKeys,
		now:       time.Now,
	}
}

// For returns the cached context for a task and model, building a fresh one
// when the cache misses, expired, or the model changed.
func (s *ContextService) For(taskID, mainModel string) *TaskContext {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cached, ok := s.cache[taskID]; ok {
		if cached.mainModel == mainModel && s.now().Sub(cached.createdAt) < s.ttl {
			return cached
		}
	}
	fresh := NewTaskContext(taskID, mainModel, s.miniFor(mainModel), s.apiKeys)
	s.cache[taskID] = fresh
	return fresh
}

// CopyContext seeds a stacked child task's context from its parent.
func (s *ContextService) CopyContext(childTaskID string, parent *TaskContext) *TaskContext {
	child := NewTaskContext(childTaskID, parent.mainModel, parent.miniModel, parent.apiKeys)
	s.mu.Lock()
	s.cache[childTaskID] = child
	s.mu.Unlock()
	return child
}

// Forget drops a task's cached context.
func (s *ContextService) Forget(taskID string) {
	s.mu.Lock()
	delete(s.cache, taskID)
	s.mu.Unlock()
}

// miniFor keeps the mini model on the same provider as the main model so one
// key set serves both.
func (s *ContextService) miniFor(mainModel string) string {
	if s.miniModel == "" {
		return ""
	}
	if llm.ProviderForModel(s.miniModel) == llm.ProviderForModel(mainModel) {
		return s.miniModel
	}
	switch llm.ProviderForModel(mainModel) {
	case llm.ProviderAnthropic:
		return "claude-3-5-haiku-20241022"
	default:
		return "gpt-5-mini"
	}
}
