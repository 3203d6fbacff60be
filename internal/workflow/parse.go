package workflow

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/evqueue/evqueue-go/internal/evqerr"
)

// xmlTemplate mirrors the authoritative workflow XML document: root
// <workflow group=... comment=...> with <parameters>, <subjobs>.
type xmlTemplate struct {
	XMLName    xml.Name        `xml:"workflow"`
	Group      string          `xml:"group,attr"`
	Comment    string          `xml:"comment,attr"`
	Parameters []xmlParameter  `xml:"parameters>parameter"`
	Subjobs    []xmlJob        `xml:"subjobs>job"`
}

type xmlParameter struct {
	Name string `xml:"name,attr"`
}

type xmlJob struct {
	Name               string    `xml:"name,attr"`
	Loop               string    `xml:"loop,attr"`
	Condition          string    `xml:"condition,attr"`
	IterationCondition string    `xml:"iteration-condition,attr"`
	RetrySchedule      string    `xml:"retry_schedule,attr"`
	OnFailure          string    `xml:"on-failure,attr"`
	Tasks              []xmlTask `xml:"task"`
	Subjobs            []xmlJob  `xml:"subjobs>job"`
}

type xmlTask struct {
	Type                  string      `xml:"type,attr"`
	Path                  string      `xml:"path,attr"`
	Name                  string      `xml:"name,attr"`
	ParametersMode        string      `xml:"parameters-mode,attr"`
	OutputMethod          string      `xml:"output-method,attr"`
	MergeStderr           string      `xml:"merge-stderr,attr"`
	UseAgent              string      `xml:"use-agent,attr"`
	User                  string      `xml:"user,attr"`
	Host                  string      `xml:"host,attr"`
	WD                    string      `xml:"wd,attr"`
	RetrySchedule         string      `xml:"retry_schedule,attr"`
	RetryRetvalOnError    string      `xml:"retry_retval_on_error,attr"`
	QueueName             string      `xml:"queue,attr"`
	QueuePriority         int         `xml:"queue_priority,attr"`
	Script                *xmlScript  `xml:"script"`
	Args                  []xmlArg    `xml:"input"`
	Env                   []xmlEnvVar `xml:"env"`
}

type xmlScript struct {
	Interpreter string    `xml:"interpreter,attr"`
	Value       *xmlValue `xml:"value"`
	Literal     string    `xml:",chardata"`
}

type xmlValue struct {
	XPath string `xml:",chardata"`
}

type xmlArg struct {
	XPath string `xml:",chardata"`
}

type xmlEnvVar struct {
	Name  string `xml:"name,attr"`
	XPath string `xml:",chardata"`
}

// Parse decodes and validates a workflow XML document: a <task> requires
// either type="BINARY" with a non-empty path, or type="SCRIPT" with a
// non-empty name and a non-empty <script> child; empty jobs, missing
// required attributes and unknown types are rejected at load time.
func Parse(name string, body []byte) (*Template, error) {
	if !ValidName(name) {
		return nil, evqerr.New(evqerr.InvalidParameter, "workflow.name", "name must match [A-Za-z0-9_-]{1,64}")
	}

	var x xmlTemplate
	if err := xml.Unmarshal(body, &x); err != nil {
		return nil, evqerr.Wrap(evqerr.EngineInternal, "workflow.parse", err)
	}

	t := &Template{
		Name:    name,
		Group:   x.Group,
		Comment: x.Comment,
	}
	for _, p := range x.Parameters {
		if p.Name == "" {
			return nil, evqerr.New(evqerr.InvalidParameter, "workflow.parameters", "parameter missing name attribute")
		}
		t.Parameters = append(t.Parameters, Parameter{Name: p.Name})
	}

	subjobs, err := convertJobs(x.Subjobs)
	if err != nil {
		return nil, err
	}
	t.Subjobs = subjobs

	return t, nil
}

func convertJobs(in []xmlJob) ([]*Job, error) {
	out := make([]*Job, 0, len(in))
	for _, xj := range in {
		j, err := convertJob(xj)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func convertJob(xj xmlJob) (*Job, error) {
	j := &Job{
		Name:               xj.Name,
		Loop:               xj.Loop,
		Condition:          xj.Condition,
		IterationCondition: xj.IterationCondition,
		RetrySchedule:      xj.RetrySchedule,
	}

	switch xj.OnFailure {
	case string(OnFailurePropagate):
		j.OnFailure = OnFailurePropagate
	case string(OnFailureContinue):
		j.OnFailure = OnFailureContinue
	default:
		return nil, evqerr.New(evqerr.InvalidParameter, "job.on-failure", fmt.Sprintf("unknown on-failure value %q", xj.OnFailure))
	}

	subjobs, err := convertJobs(xj.Subjobs)
	if err != nil {
		return nil, err
	}
	j.Subjobs = subjobs

	for _, xt := range xj.Tasks {
		task, err := convertTask(xt)
		if err != nil {
			return nil, err
		}
		if task.RetrySchedule == "" {
			task.RetrySchedule = j.RetrySchedule
		}
		j.Tasks = append(j.Tasks, task)
	}

	// A job with zero tasks is rejected unconditionally, even one that
	// exists only to group subjobs.
	if len(j.Tasks) == 0 {
		return nil, evqerr.New(evqerr.InvalidParameter, "job", fmt.Sprintf("job %q has no tasks", j.Name))
	}

	return j, nil
}

func convertTask(xt xmlTask) (*Task, error) {
	t := &Task{
		QueueName:     xt.QueueName,
		QueuePriority: xt.QueuePriority,
		User:          xt.User,
		Host:          xt.Host,
		WD:            xt.WD,
		RetrySchedule: xt.RetrySchedule,
	}

	switch TaskType(xt.Type) {
	case TaskBinary:
		if xt.Path == "" {
			return nil, evqerr.New(evqerr.InvalidParameter, "task.path", "BINARY task requires non-empty path")
		}
		t.Type = TaskBinary
		t.Path = xt.Path
	case TaskScript:
		if xt.Name == "" {
			return nil, evqerr.New(evqerr.InvalidParameter, "task.name", "SCRIPT task requires non-empty name")
		}
		if xt.Script == nil {
			return nil, evqerr.New(evqerr.InvalidParameter, "task.script", "SCRIPT task requires a <script> child")
		}
		script := &ScriptBody{Interpreter: xt.Script.Interpreter}
		if xt.Script.Value != nil {
			script.ValueXPath = strings.TrimSpace(xt.Script.Value.XPath)
		} else {
			script.Literal = xt.Script.Literal
		}
		if script.Literal == "" && script.ValueXPath == "" {
			return nil, evqerr.New(evqerr.InvalidParameter, "task.script", "SCRIPT task requires a non-empty <script> body")
		}
		t.Type = TaskScript
		t.Name = xt.Name
		t.Script = script
	default:
		return nil, evqerr.New(evqerr.UnknownType, "task.type", fmt.Sprintf("unknown task type %q", xt.Type))
	}

	switch ParametersMode(xt.ParametersMode) {
	case "", ParametersCmdline:
		t.ParametersMode = ParametersCmdline
	case ParametersEnv:
		t.ParametersMode = ParametersEnv
	default:
		return nil, evqerr.New(evqerr.InvalidParameter, "task.parameters-mode", fmt.Sprintf("unknown parameters-mode %q", xt.ParametersMode))
	}

	switch OutputMethod(xt.OutputMethod) {
	case "", OutputText:
		t.OutputMethod = OutputText
	case OutputXML:
		t.OutputMethod = OutputXML
	default:
		return nil, evqerr.New(evqerr.InvalidParameter, "task.output-method", fmt.Sprintf("unknown output-method %q", xt.OutputMethod))
	}

	t.MergeStderr = xt.MergeStderr == "true" || xt.MergeStderr == "1"
	t.UseAgent = xt.UseAgent == "true" || xt.UseAgent == "1"

	if xt.RetryRetvalOnError != "" {
		for _, tok := range strings.Split(xt.RetryRetvalOnError, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			v, err := strconv.Atoi(tok)
			if err != nil {
				return nil, evqerr.New(evqerr.InvalidParameter, "task.retry_retval_on_error", fmt.Sprintf("non-integer exit code %q", tok))
			}
			t.RetryRetvalOnError = append(t.RetryRetvalOnError, v)
		}
	}

	for _, a := range xt.Args {
		t.Args = append(t.Args, Arg{XPath: strings.TrimSpace(a.XPath)})
	}
	for _, e := range xt.Env {
		t.Env = append(t.Env, EnvVar{Name: e.Name, XPath: strings.TrimSpace(e.XPath)})
	}

	return t, nil
}
