package queue

import (
	"fmt"
	"strings"

	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
)

// Provide builds the queue backend selected by Queue.Type (memory, redis,
// or rabbitmq). The returned cleanup is a no-op; backends release their
// resources in Shutdown, which the orchestrator owns.
func Provide(cfg *config.Config, log *logger.Logger) (Queue, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Queue.Type)) {
	case "", "memory":
		return NewMemoryQueue(log), nil
	case "redis":
		return NewRedisQueue(cfg.Queue, log), nil
	case "rabbitmq":
		return NewRabbitQueue(cfg.Queue, log), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Type)
	}
}
