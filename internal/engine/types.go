package engine

import (
	"fmt"

	"github.com/evqueue/evqueue-go/internal/workflow"
)

// nodeStatus is a jobNode's or taskNode's position in its local state
// machine: pending (not yet activated) -> {skipped, running} -> {done, failed}.
type nodeStatus int

const (
	statusPending nodeStatus = iota
	statusRunning
	statusDone
	statusSkipped
	statusFailed
)

// taskNode is the runtime counterpart of workflow.Task: its static
// definition plus the attempt currently in flight, if any.
type taskNode struct {
	task       *workflow.Task
	path       string
	status     nodeStatus
	retryCount int
	attemptID  string // set while an attempt is queued or executing
}

// jobNode is the runtime counterpart of workflow.Job. loopNode is non-empty
// for a clone materialized from a Loop expansion; it carries the serialized
// context node the clone's tasks and children evaluate XPath against.
type jobNode struct {
	job      *workflow.Job
	path     string
	loopNode string
	status   nodeStatus
	taskIdx  int
	tasks    []*taskNode
	children []*jobNode
	parent   *jobNode
}

// instantiateRoots builds the static runtime tree for a template's top-level
// subjobs. Loop expansion happens later, at activation time, by cloning the
// affected jobNode's whole subtree via instantiateJob.
func instantiateRoots(jobs []*workflow.Job) []*jobNode {
	roots := make([]*jobNode, len(jobs))
	for i, j := range jobs {
		roots[i] = instantiateJob(j, jobPathSegment(j, i))
	}
	return roots
}

func instantiateJob(job *workflow.Job, path string) *jobNode {
	jn := &jobNode{job: job, path: path}
	for i, t := range job.Tasks {
		jn.tasks = append(jn.tasks, &taskNode{task: t, path: path + "/" + taskPathSegment(t, i)})
	}
	for i, sub := range job.Subjobs {
		child := instantiateJob(sub, path+"/"+jobPathSegment(sub, i))
		child.parent = jn
		jn.children = append(jn.children, child)
	}
	return jn
}

func jobPathSegment(j *workflow.Job, idx int) string {
	if j.Name != "" {
		return j.Name
	}
	return fmt.Sprintf("job%d", idx)
}

func taskPathSegment(t *workflow.Task, idx int) string {
	if t.Path != "" {
		return t.Path
	}
	if t.Name != "" {
		return t.Name
	}
	return fmt.Sprintf("task%d", idx)
}

// settled reports whether jn and (if it completed successfully, or failed
// after its children were activated) every activated descendant have reached
// a terminal status, meaning no further evaluation of this subtree is
// outstanding.
func settled(jn *jobNode) bool {
	switch jn.status {
	case statusSkipped:
		return true
	case statusDone, statusFailed:
		for _, c := range jn.children {
			if jn.status == statusFailed && c.status == statusPending {
				continue
			}
			if !settled(c) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// hasFailure reports whether jn or any reachable descendant ended statusFailed.
func hasFailure(jn *jobNode) bool {
	if jn.status == statusFailed {
		return true
	}
	for _, c := range jn.children {
		if hasFailure(c) {
			return true
		}
	}
	return false
}

func countFailures(roots []*jobNode) int {
	n := 0
	var walk func(*jobNode)
	walk = func(jn *jobNode) {
		if jn.status == statusFailed {
			n++
		}
		for _, c := range jn.children {
			walk(c)
		}
	}
	for _, r := range roots {
		walk(r)
	}
	return n
}

func replaceInSlice(list []*jobNode, old *jobNode, repl []*jobNode) []*jobNode {
	out := make([]*jobNode, 0, len(list)-1+len(repl))
	for _, n := range list {
		if n == old {
			out = append(out, repl...)
		} else {
			out = append(out, n)
		}
	}
	return out
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
