package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/agentmux/agentmux/internal/agent/models"
	"github.com/agentmux/agentmux/internal/agent/store"
	apperrors "github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
)

var (
	// ErrAgentNotFound is surfaced by GetOrCreate when the repository has
	// no record for the agent. Permanent: the triggering message is acked.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrAgentNotExecutable is surfaced for agents that exist but are not
	// active. Permanent.
	ErrAgentNotExecutable = errors.New("agent is not executable")
	// ErrTooManyInstances is surfaced when the instance cap is reached
	// and nothing can be evicted. Permanent.
	ErrTooManyInstances = errors.New("too many live agent instances")
)

// AgentInstance is the in-memory binding of an agent to a task. Never
// serialized. LastActivity and MessageCount are mutated only under the
// cache mutex; the agent snapshot is immutable.
type AgentInstance struct {
	Key          string
	Agent        *models.Agent
	CreatedAt    time.Time
	LastActivity time.Time
	MessageCount int
}

// InstanceSummary is the read-only view returned by List.
type InstanceSummary struct {
	Key          string    `json:"key"`
	AgentID      string    `json:"agent_id"`
	TaskID       string    `json:"task_id,omitempty"`
	AgentName    string    `json:"agent_name"`
	TemplateID   string    `json:"template_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int       `json:"message_count"`
}

// instanceKey derives the cache key: agentID#taskID, or agentID alone
// when the task is absent.
func instanceKey(agentID, taskID string) string {
	if taskID == "" {
		return agentID
	}
	return agentID + "#" + taskID
}

// instanceCache guarantees at most one live AgentInstance per
// (agentID, taskID) key. One mutex guards the map; repository fetches on
// a miss run through singleflight so concurrent misses for the same key
// hit the store once.
type instanceCache struct {
	mu        sync.Mutex
	instances map[string]*AgentInstance
	store     store.Store
	group     singleflight.Group
	max       int
	logger    *logger.Logger
	publish   func(eventType string, data map[string]any)
}

func newInstanceCache(s store.Store, max int, log *logger.Logger, publish func(string, map[string]any)) *instanceCache {
	return &instanceCache{
		instances: make(map[string]*AgentInstance),
		store:     s,
		max:       max,
		logger:    log.WithFields(zap.String("component", "instance_cache")),
		publish:   publish,
	}
}

// GetOrCreate returns the live instance for the key, creating it from
// the repository on a miss. Every successful call touches LastActivity
// and increments MessageCount.
func (c *instanceCache) GetOrCreate(ctx context.Context, agentID, taskID string) (*AgentInstance, error) {
	key := instanceKey(agentID, taskID)

	c.mu.Lock()
	if inst, ok := c.instances[key]; ok {
		c.touchLocked(inst)
		c.mu.Unlock()
		return inst, nil
	}
	c.mu.Unlock()

	fetched, err, _ := c.group.Do(key, func() (any, error) {
		return c.store.GetByID(ctx, agentID)
	})
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, fmt.Errorf("agent %q: %w", agentID, ErrAgentNotFound)
		}
		return nil, fmt.Errorf("fetch agent %q: %w", agentID, err)
	}
	agent := fetched.(*models.Agent)
	if !agent.Executable() {
		return nil, fmt.Errorf("agent %q has status %q: %w", agentID, agent.Status, ErrAgentNotExecutable)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another worker may have inserted while we fetched.
	if inst, ok := c.instances[key]; ok {
		c.touchLocked(inst)
		return inst, nil
	}

	if c.max > 0 && len(c.instances) >= c.max {
		if !c.evictOldestLocked("capacity") {
			return nil, fmt.Errorf("cap %d reached: %w", c.max, ErrTooManyInstances)
		}
	}

	now := time.Now().UTC()
	inst := &AgentInstance{
		Key:          key,
		Agent:        agent.Clone(),
		CreatedAt:    now,
		LastActivity: now,
		MessageCount: 1,
	}
	c.instances[key] = inst
	c.logger.Debug("instance created",
		zap.String("key", key),
		zap.String("agent_id", agentID),
		zap.String("task_id", taskID))
	c.publish(events.InstanceCreated, map[string]any{
		"key":      key,
		"agent_id": agentID,
		"task_id":  taskID,
	})
	return inst, nil
}

// Destroy removes one instance. False when the key is not live.
func (c *instanceCache) Destroy(agentID, taskID string) bool {
	key := instanceKey(agentID, taskID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.instances[key]; !ok {
		return false
	}
	delete(c.instances, key)
	c.logger.Debug("instance destroyed", zap.String("key", key))
	return true
}

// DestroyAgent removes every instance of one agent, returning the count.
func (c *instanceCache) DestroyAgent(agentID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, inst := range c.instances {
		if inst.Agent.ID == agentID {
			delete(c.instances, key)
			removed++
		}
	}
	return removed
}

// DestroyAll empties the cache. Called on orchestrator shutdown.
func (c *instanceCache) DestroyAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := len(c.instances)
	c.instances = make(map[string]*AgentInstance)
	return removed
}

// List returns summaries sorted by key.
func (c *instanceCache) List() []InstanceSummary {
	c.mu.Lock()
	defer c.mu.Unlock()

	summaries := make([]InstanceSummary, 0, len(c.instances))
	for _, inst := range c.instances {
		summaries = append(summaries, InstanceSummary{
			Key:          inst.Key,
			AgentID:      inst.Agent.ID,
			TaskID:       taskIDFromKey(inst.Key),
			AgentName:    inst.Agent.Name,
			TemplateID:   inst.Agent.TemplateID,
			CreatedAt:    inst.CreatedAt,
			LastActivity: inst.LastActivity,
			MessageCount: inst.MessageCount,
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Key < summaries[j].Key })
	return summaries
}

// Len returns the number of live instances.
func (c *instanceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.instances)
}

// Sweep destroys instances idle longer than idleTimeout and enforces the
// capacity bound. Destruction is best-effort; a bad instance never halts
// the sweep.
func (c *instanceCache) Sweep(idleTimeout time.Duration) int {
	now := time.Now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, inst := range c.instances {
		if now.Sub(inst.LastActivity) > idleTimeout {
			delete(c.instances, key)
			removed++
			c.logger.Debug("instance evicted",
				zap.String("key", key),
				zap.Duration("idle", now.Sub(inst.LastActivity)))
			c.publish(events.InstanceEvicted, map[string]any{
				"key":    key,
				"reason": "idle",
			})
		}
	}
	for c.max > 0 && len(c.instances) > c.max {
		if !c.evictOldestLocked("capacity") {
			break
		}
		removed++
	}
	return removed
}

// snapshotCount reads the instance message count under the cache mutex.
func (c *instanceCache) snapshotCount(inst *AgentInstance) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return inst.MessageCount
}

func (c *instanceCache) touchLocked(inst *AgentInstance) {
	inst.LastActivity = time.Now().UTC()
	inst.MessageCount++
}

// evictOldestLocked drops the least-recently-active instance.
func (c *instanceCache) evictOldestLocked(reason string) bool {
	var oldestKey string
	var oldest time.Time
	for key, inst := range c.instances {
		if oldestKey == "" || inst.LastActivity.Before(oldest) {
			oldestKey = key
			oldest = inst.LastActivity
		}
	}
	if oldestKey == "" {
		return false
	}
	delete(c.instances, oldestKey)
	c.logger.Debug("instance evicted",
		zap.String("key", oldestKey),
		zap.String("reason", reason))
	c.publish(events.InstanceEvicted, map[string]any{
		"key":    oldestKey,
		"reason": reason,
	})
	return true
}

func taskIDFromKey(key string) string {
	if i := strings.IndexByte(key, '#'); i >= 0 {
		return key[i+1:]
	}
	return ""
}
