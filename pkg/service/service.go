package service

import (
	"time"

	"github.com/ignatij/tasktrack/pkg/storage"
)

// Logger defines the logging interface used by the services.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Services wires the task lifecycle and dependency graph over one store.
type Services struct {
	Tx      *TransactionCoordinator
	Guard   *AuthorizationGuard
	Graph   *DependencyGraphService
	Tasks   *TaskLifecycleService
	Effects *SideEffectDispatcher
}

// New builds the service graph. The dispatcher is owned by the caller, which
// decides whether to Start workers or keep effects inline.
func New(store storage.Store, effects *SideEffectDispatcher, logger Logger) *Services {
	tx := NewTransactionCoordinator(store, logger)
	guard := NewAuthorizationGuard(tx, logger)
	graph := NewDependencyGraphService(tx, guard, effects, logger)
	tasks := NewTaskLifecycleService(tx, guard, graph, effects, logger)
	return &Services{
		Tx:      tx,
		Guard:   guard,
		Graph:   graph,
		Tasks:   tasks,
		Effects: effects,
	}
}

func now() time.Time {
	return time.Now().UTC()
}
