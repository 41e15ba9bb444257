package graph

import (
	"fmt"
	"strings"
)

// CycleError reports a dependency cycle. Path is one stable witness,
// closed (first element repeated last).
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: %s", strings.Join(e.Path, " -> "))
}

// UnknownDependencyError reports a depends_on reference to a task id not
// present in the graph.
type UnknownDependencyError struct {
	TaskID    string
	DependsOn string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("task %s depends on unknown task %s", e.TaskID, e.DependsOn)
}

// DuplicateTaskError reports two tasks sharing an id.
type DuplicateTaskError struct {
	TaskID string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("duplicate task id %s", e.TaskID)
}
