package main

import (
	"context"
	"encoding/xml"
	"fmt"

	"github.com/evqueue/evqueue-go/internal/engine"
	"github.com/evqueue/evqueue-go/internal/evqerr"
	"github.com/evqueue/evqueue-go/internal/store"
	"github.com/evqueue/evqueue-go/internal/wireapi"
	"github.com/evqueue/evqueue-go/internal/workflow"
)

// registerHandlers binds the admin wire protocol's action set to the engine
// and store. It is the one place the framed XML surface meets the rest of
// the process, matching the teacher's dispatch-table wiring style.
func registerHandlers(registry *wireapi.Registry, eng *engine.Engine, st *store.Store) {
	registry.Register("put_workflow", handlePutWorkflow(st))
	registry.Register("get_workflow", handleGetWorkflow(st))
	registry.Register("delete_workflow", handleDeleteWorkflow(st))
	registry.Register("list_workflows", handleListWorkflows(st))
	registry.Register("launch", handleLaunch(eng))
	registry.Register("cancel", handleCancel(eng))
	registry.Register("kill", handleKill(eng))
}

func handlePutWorkflow(st *store.Store) wireapi.Handler {
	return func(ctx context.Context, req *wireapi.Request) *wireapi.Response {
		name, ok := req.Attr("name")
		if !ok || name == "" {
			return wireapi.Err(evqerr.New(evqerr.InvalidParameter, "handler.put_workflow", "missing name attribute"))
		}
		if _, err := workflow.Parse(name, req.Body); err != nil {
			return wireapi.Err(err)
		}
		if err := st.PutWorkflow(name, req.Body); err != nil {
			return wireapi.Err(err)
		}
		return wireapi.OK("")
	}
}

func handleGetWorkflow(st *store.Store) wireapi.Handler {
	return func(ctx context.Context, req *wireapi.Request) *wireapi.Response {
		name, ok := req.Attr("name")
		if !ok || name == "" {
			return wireapi.Err(evqerr.New(evqerr.InvalidParameter, "handler.get_workflow", "missing name attribute"))
		}
		body, found, err := st.GetWorkflow(name)
		if err != nil {
			return wireapi.Err(err)
		}
		if !found {
			return wireapi.Err(evqerr.New(evqerr.UnknownWorkflow, "handler.get_workflow", "unknown workflow "+name))
		}
		return wireapi.OK(string(body))
	}
}

func handleDeleteWorkflow(st *store.Store) wireapi.Handler {
	return func(ctx context.Context, req *wireapi.Request) *wireapi.Response {
		name, ok := req.Attr("name")
		if !ok || name == "" {
			return wireapi.Err(evqerr.New(evqerr.InvalidParameter, "handler.delete_workflow", "missing name attribute"))
		}
		if err := st.DeleteWorkflow(name); err != nil {
			return wireapi.Err(err)
		}
		return wireapi.OK("")
	}
}

func handleListWorkflows(st *store.Store) wireapi.Handler {
	return func(ctx context.Context, req *wireapi.Request) *wireapi.Response {
		names, err := st.ListWorkflowNames()
		if err != nil {
			return wireapi.Err(err)
		}
		var body string
		for _, n := range names {
			body += fmt.Sprintf("<workflow name=%q/>", n)
		}
		return wireapi.OK(body)
	}
}

// xmlLaunchParams decodes a launch request's body, a flat <parameters>
// element of name/value pairs, matching the savepoint's own parameter
// encoding.
type xmlLaunchParams struct {
	XMLName    xml.Name `xml:"parameters"`
	Parameters []struct {
		Name  string `xml:"name,attr"`
		Value string `xml:",chardata"`
	} `xml:"parameter"`
}

func handleLaunch(eng *engine.Engine) wireapi.Handler {
	return func(ctx context.Context, req *wireapi.Request) *wireapi.Response {
		workflowID, ok := req.Attr("workflow_id")
		if !ok || workflowID == "" {
			return wireapi.Err(evqerr.New(evqerr.InvalidParameter, "handler.launch", "missing workflow_id attribute"))
		}
		user, _ := req.Attr("user")

		params := map[string]string{}
		if len(req.Body) > 0 {
			var decoded xmlLaunchParams
			if err := xml.Unmarshal(req.Body, &decoded); err != nil {
				return wireapi.Err(evqerr.Wrap(evqerr.InvalidParameter, "handler.launch", err))
			}
			for _, p := range decoded.Parameters {
				params[p.Name] = p.Value
			}
		}

		instanceID, err := eng.Launch(ctx, workflowID, params, engine.LaunchOptions{User: user})
		if err != nil {
			return wireapi.Err(err)
		}
		return wireapi.OK("<instance_id>" + instanceID + "</instance_id>")
	}
}

func handleCancel(eng *engine.Engine) wireapi.Handler {
	return func(ctx context.Context, req *wireapi.Request) *wireapi.Response {
		instanceID, ok := req.Attr("instance_id")
		if !ok || instanceID == "" {
			return wireapi.Err(evqerr.New(evqerr.InvalidParameter, "handler.cancel", "missing instance_id attribute"))
		}
		if err := eng.Cancel(ctx, instanceID); err != nil {
			return wireapi.Err(err)
		}
		return wireapi.OK("")
	}
}

func handleKill(eng *engine.Engine) wireapi.Handler {
	return func(ctx context.Context, req *wireapi.Request) *wireapi.Response {
		instanceID, ok := req.Attr("instance_id")
		if !ok || instanceID == "" {
			return wireapi.Err(evqerr.New(evqerr.InvalidParameter, "handler.kill", "missing instance_id attribute"))
		}
		taskPath, _ := req.Attr("task_path")
		if err := eng.Kill(ctx, instanceID, taskPath); err != nil {
			return wireapi.Err(err)
		}
		return wireapi.OK("")
	}
}
