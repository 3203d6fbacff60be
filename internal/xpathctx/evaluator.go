// Package xpathctx is the narrow XPath evaluation subsystem the engine talks
// to through a single Evaluate(expr, context) -> Value entry point. The engine
// holds a concrete *Evaluator, not an interface. It implements
// evqueue's custom data-flow functions (evqGetOutput, evqGetInput,
// evqGetContext, evqGetParameter, evqGetCurrentJob, current()) by rewriting
// them into plain XPath 1.0 over a synthesized document built from the live
// savepoint, then delegates to github.com/antchfx/xpath +
// github.com/antchfx/xmlquery for the actual XPath 1.0 engine (including the
// native function set: true, false, not, name, count, min, max, position,
// last, string-length, substring, contains, string-join).
package xpathctx

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"

	"github.com/evqueue/evqueue-go/internal/evqerr"
	"github.com/evqueue/evqueue-go/internal/savepoint"
)

// Context carries everything an expression may reference: the instance's
// savepoint, its declared parameters, the job currently being evaluated and,
// inside a loop, the XPath context node bound by evqGetContext().
type Context struct {
	Savepoint  *savepoint.Document
	CurrentJob string
	LoopNode   string // text of the current loop context node, or ""
}

// Evaluator compiles and runs XPath expressions against a Context. It holds
// no mutable state and is safe for concurrent use by many instances.
type Evaluator struct{}

// New returns a ready-to-use Evaluator.
func New() *Evaluator { return &Evaluator{} }

var (
	reGetOutput    = regexp.MustCompile(`evqGetOutput\(\s*'([^']*)'\s*\)`)
	reGetInput     = regexp.MustCompile(`evqGetInput\(\s*'([^']*)'\s*\)`)
	reGetParameter = regexp.MustCompile(`evqGetParameter\(\s*'([^']*)'\s*\)`)
	reGetContext   = regexp.MustCompile(`evqGetContext\(\s*\)`)
	reGetCurJob    = regexp.MustCompile(`evqGetCurrentJob\(\s*\)`)
	reCurrentFn    = regexp.MustCompile(`\bcurrent\(\)`)
)

// rewrite replaces evqueue's custom functions with plain XPath 1.0 path
// expressions over the synthesized document built by buildDocument.
func rewrite(expr string) string {
	expr = reGetOutput.ReplaceAllString(expr, `/context/tasks/task[@path='$1']/output[last()]`)
	expr = reGetInput.ReplaceAllString(expr, `/context/tasks/task[@path='$1']/input[last()]`)
	expr = reGetParameter.ReplaceAllString(expr, `/context/parameters/parameter[@name='$1']`)
	expr = reGetContext.ReplaceAllString(expr, `/context/loop-context`)
	expr = reGetCurJob.ReplaceAllString(expr, `/context/current-job/@name`)
	// current() has no first-class XPath-1.0-core meaning outside XSLT;
	// evqueue uses it to mean "the node currently being iterated", which for
	// our synthesized document is simply the evaluation context node.
	expr = reCurrentFn.ReplaceAllString(expr, `.`)
	return expr
}

// Evaluate compiles expr (after evqueue function rewriting) and runs it
// against ctx's synthesized document, returning a Value the caller can
// coerce to the shape it expects (boolean for conditions, node-set for
// evqGetContext() loop production, string otherwise).
func (e *Evaluator) Evaluate(expr string, ctx *Context) (Value, error) {
	rewritten := rewrite(expr)

	compiled, err := xpath.Compile(rewritten)
	if err != nil {
		return Value{}, evqerr.Wrap(evqerr.EngineInternal, "xpath.compile", fmt.Errorf("%s: %w", expr, err))
	}

	docXML := buildDocument(ctx)
	doc, err := xmlquery.Parse(strings.NewReader(docXML))
	if err != nil {
		return Value{}, evqerr.Wrap(evqerr.EngineInternal, "xpath.context-doc", err)
	}

	result := compiled.Evaluate(xmlquery.CreateXPathNavigator(doc))
	return Value{raw: result}, nil
}

// EvaluateNodeSet runs expr (typically a Job.Loop XPath) and returns each
// matching node serialized as text, one per loop iteration, in document
// order, so each spawned job instance receives a distinct context node.
func (e *Evaluator) EvaluateNodeSet(expr string, ctx *Context) ([]string, error) {
	rewritten := rewrite(expr)
	compiled, err := xpath.Compile(rewritten)
	if err != nil {
		return nil, evqerr.Wrap(evqerr.EngineInternal, "xpath.compile", fmt.Errorf("%s: %w", expr, err))
	}

	docXML := buildDocument(ctx)
	doc, err := xmlquery.Parse(strings.NewReader(docXML))
	if err != nil {
		return nil, evqerr.Wrap(evqerr.EngineInternal, "xpath.context-doc", err)
	}

	iter := compiled.Select(xmlquery.CreateXPathNavigator(doc))
	var out []string
	for iter.MoveNext() {
		nav := iter.Current().(*xmlquery.NodeNavigator)
		out = append(out, nav.Current().InnerText())
	}
	return out, nil
}

// buildDocument synthesizes the XML tree evqueue function calls are rewritten
// to address: parameters, one <task> per savepoint entry carrying its latest
// output (its <input> element is always empty, so evqGetInput yields ""),
// the name of the job currently being evaluated, and the current loop
// context text (if any).
func buildDocument(ctx *Context) string {
	var b strings.Builder
	b.WriteString("<context>")

	b.WriteString("<parameters>")
	if ctx.Savepoint != nil {
		for name, value := range ctx.Savepoint.Parameters {
			fmt.Fprintf(&b, "<parameter name=%q>%s</parameter>", name, escape(value))
		}
	}
	b.WriteString("</parameters>")

	b.WriteString("<tasks>")
	if ctx.Savepoint != nil {
		for _, path := range ctx.Savepoint.TaskPaths() {
			rec, ok := ctx.Savepoint.Task(path)
			if !ok || rec.Last() == nil {
				continue
			}
			last := rec.Last()
			fmt.Fprintf(&b, "<task path=%q><output>%s</output><input></input></task>", path, escape(last.Stdout))
		}
	}
	b.WriteString("</tasks>")

	fmt.Fprintf(&b, `<current-job name=%q/>`, ctx.CurrentJob)

	if ctx.LoopNode != "" {
		fmt.Fprintf(&b, "<loop-context>%s</loop-context>", escape(ctx.LoopNode))
	} else {
		b.WriteString("<loop-context/>")
	}

	b.WriteString("</context>")
	return b.String()
}

func escape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}
