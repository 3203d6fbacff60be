// Package workflow holds the parsed representation of an evqueue-go workflow
// template: the XML-declared DAG of jobs and tasks. It owns parsing and
// validation only; evaluation against a live instance belongs to
// internal/engine.
package workflow

import "regexp"

// nameRE allows alphanumerics, '_' and '-', 1 to 64 characters.
var nameRE = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidName reports whether name is a legal workflow or queue identifier.
func ValidName(name string) bool {
	return nameRE.MatchString(name)
}

// TaskType is the task node's execution kind.
type TaskType string

const (
	TaskBinary TaskType = "BINARY"
	TaskScript TaskType = "SCRIPT"
)

// ParametersMode controls how a task receives its bound inputs.
type ParametersMode string

const (
	ParametersCmdline ParametersMode = "CMDLINE"
	ParametersEnv     ParametersMode = "ENV"
)

// OutputMethod controls how the engine interprets a task's stdout.
type OutputMethod string

const (
	OutputText OutputMethod = "TEXT"
	OutputXML  OutputMethod = "XML"
)

// OnFailure controls whether a failed job propagates failure to its parent.
type OnFailure string

const (
	OnFailurePropagate OnFailure = ""
	OnFailureContinue  OnFailure = "CONTINUE"
)

// Parameter is a named formal parameter declared by a workflow template.
type Parameter struct {
	Name string
}

// ScriptBody is a <script> child of a SCRIPT task: either literal text or an
// XPath expression evaluated against the savepoint.
type ScriptBody struct {
	Interpreter string // e.g. "/bin/bash"; empty uses the task's default
	Literal     string // literal script text, or ""
	ValueXPath  string // XPath producing the script text, or ""
}

// Arg is one positional or XML-sourced argument bound to a task invocation,
// evaluated as an XPath expression at dispatch time.
type Arg struct {
	XPath string
}

// EnvVar is one environment variable bound by XPath when ParametersMode is
// ParametersEnv.
type EnvVar struct {
	Name  string
	XPath string
}

// Task is one executable node inside a Job.
type Task struct {
	Path       string // used when Type == TaskBinary
	Name       string // used when Type == TaskScript
	Type       TaskType

	ParametersMode ParametersMode
	OutputMethod   OutputMethod
	Args           []Arg
	Env            []EnvVar
	Script         *ScriptBody

	MergeStderr bool
	UseAgent    bool
	User        string
	Host        string
	WD          string

	RetrySchedule         string
	RetryRetvalOnError    []int // exit codes treated as "successful enough to not retry"

	QueueName     string
	QueuePriority int
}

// Job is an ordered group of tasks, possibly looped and/or conditional.
type Job struct {
	Name               string
	Loop               string // XPath producing N contexts, or ""
	Condition          string // XPath guarding the whole subtree, or ""
	IterationCondition string // XPath re-evaluated per loop iteration, or ""
	RetrySchedule      string // default retry schedule inherited by tasks
	OnFailure          OnFailure

	Tasks   []*Task
	Subjobs []*Job
}

// Template is a parsed, validated workflow definition.
type Template struct {
	Name    string
	Group   string
	Comment string

	Parameters []Parameter
	Subjobs    []*Job

	// NotificationIDs is populated by the caller from the relational store's
	// join table; parsing the XML body never touches it.
	NotificationIDs []int
}

// ParameterNames returns the declared formal parameter names, in document
// order, used by Launch to validate the bound argument set against what the
// caller supplied.
func (t *Template) ParameterNames() []string {
	names := make([]string, len(t.Parameters))
	for i, p := range t.Parameters {
		names[i] = p.Name
	}
	return names
}
