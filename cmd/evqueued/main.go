// Command evqueued is the workflow execution engine's server entrypoint: it
// wires the store, engine, queue pool, process manager, scheduler,
// notification dispatcher, events bus and wire API together and serves
// them until an interrupt or terminate signal arrives.
package main

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/evqueue/evqueue-go/internal/auth"
	"github.com/evqueue/evqueue-go/internal/engine"
	"github.com/evqueue/evqueue-go/internal/evqerr"
	"github.com/evqueue/evqueue-go/internal/events"
	"github.com/evqueue/evqueue-go/internal/gc"
	"github.com/evqueue/evqueue-go/internal/logging"
	"github.com/evqueue/evqueue-go/internal/notify"
	"github.com/evqueue/evqueue-go/internal/otelinit"
	"github.com/evqueue/evqueue-go/internal/procmgr"
	"github.com/evqueue/evqueue-go/internal/queuepool"
	"github.com/evqueue/evqueue-go/internal/resilience"
	"github.com/evqueue/evqueue-go/internal/retry"
	"github.com/evqueue/evqueue-go/internal/savepoint"
	"github.com/evqueue/evqueue-go/internal/scheduler"
	"github.com/evqueue/evqueue-go/internal/store"
	"github.com/evqueue/evqueue-go/internal/wireapi"
	"github.com/evqueue/evqueue-go/internal/workflow"
	"github.com/evqueue/evqueue-go/internal/xpathctx"
)

const serviceName = "evqueue-engine"

// templateStore adapts store.Store's raw-XML bucket into engine.TemplateLookup,
// parsing the body on every call; only the store's own raw-body cache is
// consulted, parsed templates are not cached.
type templateStore struct {
	st *store.Store
}

func (t *templateStore) Get(workflowID string) (*workflow.Template, error) {
	body, ok, err := t.st.GetWorkflow(workflowID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, evqerr.New(evqerr.UnknownWorkflow, "template_store.get", "unknown workflow "+workflowID)
	}
	return workflow.Parse(workflowID, body)
}

// notificationStore adapts store.Store's XML notification bucket into
// engine.NotificationLookup.
type notificationStore struct {
	st *store.Store
}

func (n *notificationStore) Get(id int) (*notify.Notification, error) {
	body, ok, err := n.st.GetNotification(fmt.Sprintf("%d", id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, evqerr.New(evqerr.UnknownNotification, "notification_store.get", fmt.Sprintf("unknown notification %d", id))
	}
	var decoded struct {
		ID           int64             `xml:"id,attr"`
		TypeName     string            `xml:"type,attr"`
		Name         string            `xml:"name,attr"`
		SubscribeAll bool              `xml:"subscribe_all,attr"`
		Parameters   map[string]string `xml:"-"`
	}
	if err := xml.Unmarshal(body, &decoded); err != nil {
		return nil, evqerr.Wrap(evqerr.EngineInternal, "notification_store.get", err)
	}
	return &notify.Notification{
		ID:           decoded.ID,
		TypeName:     decoded.TypeName,
		Name:         decoded.Name,
		SubscribeAll: decoded.SubscribeAll,
		Parameters:   decoded.Parameters,
	}, nil
}

// staticNode is a single-node ClusterMembership: every "any"-bound schedule
// fires locally and every explicit binding matches this node's own name.
// Multi-node clustering's RPC fabric is out of this repo's scope.
type staticNode struct{ name string }

func (s staticNode) IsLeader() bool   { return true }
func (s staticNode) NodeName() string { return s.name }

// staticUsers is a fixed single-operator credential store for the wire
// protocol's challenge-response login, read from environment at startup.
type staticUsers struct {
	login    string
	password string
}

func (u staticUsers) StoredPassword(login string) (string, bool) {
	if login != u.login {
		return "", false
	}
	return auth.StoredPassword(u.login, u.password), true
}

func main() {
	logging.Init(serviceName)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, serviceName)
	shutdownMetrics, _ := otelinit.InitMetrics(ctx, serviceName)
	meter := otel.GetMeterProvider().Meter(serviceName)

	dbPath := os.Getenv("EVQUEUE_DB_PATH")
	if dbPath == "" {
		dbPath = "./evqueue.db"
	}
	st, err := store.Open(dbPath, meter)
	if err != nil {
		slog.Error("store open failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.Bootstrap(); err != nil {
		slog.Error("store bootstrap failed", "error", err)
		os.Exit(1)
	}

	retries := retry.NewRegistry()
	notifyDispatcher := notify.New(pluginsDir(), 4, meter)
	defer notifyDispatcher.Shutdown()

	eventThrottle := resilience.NewRateLimiter(1000, 200, time.Second, 1000)
	bus := events.New(eventThrottle)

	xpathEval := xpathctx.New()

	dialer := procmgr.NewTCPDialer()
	procs := procmgr.New(meter, dialer)
	defer procs.Shutdown(context.Background())

	queues := queuepool.NewPool(
		queuepool.Config{Name: "default", Concurrency: 4, Discipline: queuepool.Default, Dynamic: true},
	)

	nodeName := os.Getenv("EVQUEUE_NODE_NAME")
	if nodeName == "" {
		nodeName, _ = os.Hostname()
	}
	host, _ := os.Hostname()

	eng := engine.New(meter, engine.Dependencies{
		Templates:     &templateStore{st: st},
		Notifications: &notificationStore{st: st},
		Queues:        queues,
		Procs:         procs,
		Retries:       retries,
		Notify:        notifyDispatcher,
		Events:        bus,
		XPath:         xpathEval,
		Store:         st,
		NodeName:      nodeName,
		Host:          host,
		LogsDir:       logsDir(),
	})
	eng.RunDispatchers(ctx, 4)
	go eng.RunGatherer(ctx)

	recoverInstances(ctx, st, eng)

	sched := scheduler.New(staticNode{name: nodeName}, eng, meter)
	sched.Start()
	defer sched.Stop(context.Background())
	loadSchedules(st, sched)

	collector := gc.New(1*time.Minute, 500, meter)
	collector.Register(gc.TerminatedInstances(st, 30*24*time.Hour))
	go collector.Run(ctx)

	registry := wireapi.NewRegistry(meter)
	registerHandlers(registry, eng, st)

	loginName := os.Getenv("EVQUEUE_ADMIN_LOGIN")
	if loginName == "" {
		loginName = "admin"
	}
	verifier := auth.NewVerifier(staticUsers{login: loginName, password: os.Getenv("EVQUEUE_ADMIN_PASSWORD")})

	addr := os.Getenv("EVQUEUE_LISTEN_ADDR")
	if addr == "" {
		addr = ":5000"
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Error("listen failed", "addr", addr, "error", err)
		os.Exit(1)
	}
	go serveWireAPI(ctx, listener, registry, verifier)

	slog.Info("evqueue engine started", "addr", addr, "node", nodeName)
	<-ctx.Done()
	slog.Info("shutdown initiated")

	listener.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("shutdown complete")
}

func pluginsDir() string {
	if d := os.Getenv("EVQUEUE_PLUGINS_DIR"); d != "" {
		return d
	}
	return "./plugins"
}

func logsDir() string {
	if d := os.Getenv("EVQUEUE_LOGS_DIR"); d != "" {
		return d
	}
	return "./logs"
}

// recoverInstances replays every persisted savepoint still EXECUTING back
// into the engine, so a restart resumes in-flight instances instead of
// abandoning them.
func recoverInstances(ctx context.Context, st *store.Store, eng *engine.Engine) {
	ids, err := st.ListSavepointIDs()
	if err != nil {
		slog.Error("list savepoints for recovery failed", "error", err)
		return
	}
	recovered := 0
	for _, id := range ids {
		body, ok, err := st.LoadSavepoint(id)
		if err != nil || !ok {
			continue
		}
		doc, err := savepoint.Parse(body)
		if err != nil {
			slog.Error("parse savepoint for recovery failed", "instance", id, "error", err)
			continue
		}
		if doc.Status != savepoint.InstanceExecuting {
			continue
		}
		if err := eng.Recover(ctx, doc.WorkflowID, doc); err != nil {
			slog.Error("recover instance failed", "instance", id, "workflow", doc.WorkflowID, "error", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		slog.Info("instance recovery complete", "recovered", recovered)
	}
}

func loadSchedules(st *store.Store, sched *scheduler.Scheduler) {
	names, err := st.ListScheduleNames()
	if err != nil {
		slog.Error("list schedules failed", "error", err)
		return
	}
	for _, name := range names {
		body, ok, err := st.GetSchedule(name)
		if err != nil || !ok {
			continue
		}
		var s scheduler.Schedule
		if err := xml.Unmarshal(body, &s); err != nil {
			slog.Error("decode schedule failed", "schedule", name, "error", err)
			continue
		}
		if err := sched.AddSchedule(&s); err != nil {
			slog.Error("restore schedule failed", "schedule", name, "error", err)
		}
	}
}

func serveWireAPI(ctx context.Context, listener net.Listener, registry *wireapi.Registry, verifier *auth.Verifier) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				slog.Error("accept failed", "error", err)
				return
			}
		}
		go func() {
			defer conn.Close()
			if err := wireapi.ServeAuthenticatedConn(ctx, conn, registry, verifier); err != nil {
				slog.Warn("connection closed", "error", err)
			}
		}()
	}
}
