package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/orcasched/orca/core"
)

var ErrDefinitionNotFound = errors.New("workflow definition not found")

// DefinitionLoader resolves DAG definitions by id. Definitions are owned by
// the API layer; the engine only reads them.
type DefinitionLoader interface {
	GetDefinition(ctx context.Context, definitionID string) (*core.Definition, error)
}

// DefinitionRegistry is an in-memory DefinitionLoader for embedded use and
// tests.
type DefinitionRegistry struct {
	mu          sync.RWMutex
	definitions map[string]*core.Definition
}

func NewDefinitionRegistry() *DefinitionRegistry {
	return &DefinitionRegistry{
		definitions: map[string]*core.Definition{},
	}
}

func (r *DefinitionRegistry) Add(definition *core.Definition) error {
	if err := definition.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.definitions[definition.ID] = definition

	return nil
}

func (r *DefinitionRegistry) GetDefinition(ctx context.Context, definitionID string) (*core.Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	definition, ok := r.definitions[definitionID]
	if !ok {
		return nil, ErrDefinitionNotFound
	}

	return definition, nil
}
