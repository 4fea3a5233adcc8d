package core

import (
	"errors"
	"fmt"
	"time"
)

// NodeKind distinguishes how a DAG node is executed.
type NodeKind int

const (
	// NodeKindTask is a regular task executed on a remote worker.
	NodeKindTask NodeKind = iota
	// NodeKindBranch is executed on a worker like a task, but its result
	// payload selects exactly one successor edge.
	NodeKindBranch
	// NodeKindSubWorkflow starts a child workflow instance instead of a
	// remote task; the child's terminal state is reported back as the
	// node's result.
	NodeKindSubWorkflow
)

func (k NodeKind) String() string {
	switch k {
	case NodeKindTask:
		return "Task"
	case NodeKindBranch:
		return "Branch"
	case NodeKindSubWorkflow:
		return "SubWorkflow"
	default:
		return "Unknown"
	}
}

// FailurePolicy controls how a node's terminal failure affects the workflow.
type FailurePolicy int

const (
	// FailurePolicyDefault defers to the workflow-level policy.
	FailurePolicyDefault FailurePolicy = iota
	// FailurePolicyFailFast stops dispatching further nodes and fails the
	// workflow instance.
	FailurePolicyFailFast
	// FailurePolicyContinue lets unaffected branches keep running; the
	// workflow still ends Failed.
	FailurePolicyContinue
)

// RetryPolicy bounds automatic resubmission of failed or timed-out tasks.
type RetryPolicy struct {
	MaxRetries    int
	RetryInterval time.Duration
}

// Node is one vertex of a DAG definition.
type Node struct {
	Code        string
	Name        string
	Kind        NodeKind
	TaskType    string
	WorkerGroup string

	Retry         RetryPolicy
	Timeout       time.Duration
	OnFailure     FailurePolicy
	Resources     []string
	Params        map[string]string
	SubWorkflowID string
}

// Edge is a directed dependency: To may only run after From terminated.
type Edge struct {
	From string
	To   string
}

// Definition is an immutable DAG of nodes and dependency edges. It is loaded
// once per workflow instance and never mutated afterwards.
type Definition struct {
	ID      string
	Name    string
	Tenant  string
	Nodes   map[string]*Node
	Edges   []Edge
	OnError FailurePolicy
}

var (
	ErrUnknownNode = errors.New("node not part of definition")
	ErrCyclicDAG   = errors.New("definition contains a cycle")
)

// Predecessors returns the codes of all nodes code depends on.
func (d *Definition) Predecessors(code string) []string {
	var preds []string
	for _, e := range d.Edges {
		if e.To == code {
			preds = append(preds, e.From)
		}
	}

	return preds
}

// Successors returns the codes of all nodes depending on code.
func (d *Definition) Successors(code string) []string {
	var succs []string
	for _, e := range d.Edges {
		if e.From == code {
			succs = append(succs, e.To)
		}
	}

	return succs
}

// Roots returns the nodes with no predecessors, the initial ready set.
func (d *Definition) Roots() []*Node {
	hasPred := map[string]bool{}
	for _, e := range d.Edges {
		hasPred[e.To] = true
	}

	var roots []*Node
	for code, n := range d.Nodes {
		if !hasPred[code] {
			roots = append(roots, n)
		}
	}

	return roots
}

// Validate checks edge references and rejects cyclic definitions.
func (d *Definition) Validate() error {
	for _, e := range d.Edges {
		if _, ok := d.Nodes[e.From]; !ok {
			return fmt.Errorf("edge %s -> %s: %w", e.From, e.To, ErrUnknownNode)
		}
		if _, ok := d.Nodes[e.To]; !ok {
			return fmt.Errorf("edge %s -> %s: %w", e.From, e.To, ErrUnknownNode)
		}
	}

	// Kahn's algorithm; any node left with in-degree > 0 sits on a cycle.
	indegree := map[string]int{}
	for code := range d.Nodes {
		indegree[code] = 0
	}
	for _, e := range d.Edges {
		indegree[e.To]++
	}

	var queue []string
	for code, deg := range indegree {
		if deg == 0 {
			queue = append(queue, code)
		}
	}

	visited := 0
	for len(queue) > 0 {
		code := queue[0]
		queue = queue[1:]
		visited++

		for _, succ := range d.Successors(code) {
			indegree[succ]--
			if indegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if visited != len(d.Nodes) {
		return ErrCyclicDAG
	}

	return nil
}
