package engine

import (
	"testing"

	"github.com/evqueue/evqueue-go/internal/workflow"
)

func buildTree() *jobNode {
	root := &workflow.Job{
		Name: "main",
		Tasks: []*workflow.Task{
			{Name: "check"},
		},
		Subjobs: []*workflow.Job{
			{Name: "child"},
		},
	}
	return instantiateJob(root, "main")
}

func TestInstantiateJobBuildsPaths(t *testing.T) {
	jn := buildTree()
	if jn.path != "main" {
		t.Fatalf("root path = %q, want main", jn.path)
	}
	if len(jn.tasks) != 1 || jn.tasks[0].path != "main/check" {
		t.Fatalf("unexpected task path %v", jn.tasks)
	}
	if len(jn.children) != 1 || jn.children[0].path != "main/child" {
		t.Fatalf("unexpected child path %v", jn.children)
	}
	if jn.children[0].parent != jn {
		t.Fatalf("child.parent not wired to root")
	}
}

func TestTaskPathSegmentFallsBackToIndex(t *testing.T) {
	seg := taskPathSegment(&workflow.Task{}, 3)
	if seg != "task3" {
		t.Fatalf("taskPathSegment = %q, want task3", seg)
	}
}

func TestSettled(t *testing.T) {
	jn := buildTree()
	if settled(jn) {
		t.Fatalf("freshly instantiated tree must not be settled")
	}
	jn.status = statusSkipped
	if !settled(jn) {
		t.Fatalf("skipped node must be settled")
	}

	jn2 := buildTree()
	jn2.status = statusDone
	if settled(jn2) {
		t.Fatalf("done node with unsettled child must not be settled")
	}
	jn2.children[0].status = statusDone
	if !settled(jn2) {
		t.Fatalf("done node whose children are all done must be settled")
	}
}

func TestHasFailureAndCountFailures(t *testing.T) {
	root := buildTree()
	if hasFailure(root) {
		t.Fatalf("fresh tree has no failure")
	}
	root.children[0].status = statusFailed
	if !hasFailure(root) {
		t.Fatalf("expected hasFailure to see child failure")
	}
	if n := countFailures([]*jobNode{root}); n != 1 {
		t.Fatalf("countFailures = %d, want 1", n)
	}
}

func TestReplaceInSlice(t *testing.T) {
	a := &jobNode{path: "a"}
	b := &jobNode{path: "b"}
	c := &jobNode{path: "c"}
	d := &jobNode{path: "d"}

	out := replaceInSlice([]*jobNode{a, b, c}, b, []*jobNode{d})
	if len(out) != 3 || out[0] != a || out[1] != d || out[2] != c {
		t.Fatalf("unexpected replace result: %v", out)
	}
}

func TestContainsInt(t *testing.T) {
	if !containsInt([]int{1, 2, 3}, 2) {
		t.Fatalf("expected 2 to be found")
	}
	if containsInt([]int{1, 2, 3}, 9) {
		t.Fatalf("did not expect 9 to be found")
	}
}
