package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/tessera-analytics/tessera/go/compiler"
	"github.com/tessera-analytics/tessera/go/graph"
	"github.com/tessera-analytics/tessera/go/hub"
	"github.com/tessera-analytics/tessera/go/router"
)

var ErrNotRunning = errors.New("execution is not running")

// Pipeline runs workflow executions asynchronously: compile, dispatch each
// segment in order, record every transition, and publish status frames.
// Within one execution, a segment's frames appear as running → completed or
// failed, and the whole-workflow terminal frame is published exactly once,
// after every segment frame.
type Pipeline struct {
	router    *router.Router
	records   *RecordStore
	publisher *hub.StatusPublisher
	budget    router.Budget
	opts      compiler.Options

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewPipeline(r *router.Router, records *RecordStore, publisher *hub.StatusPublisher, budget router.Budget, opts compiler.Options) *Pipeline {
	return &Pipeline{
		router:    r,
		records:   records,
		publisher: publisher,
		budget:    budget,
		opts:      opts,
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Start creates the execution record and begins running the workflow in the
// background, returning the execution id immediately. The execution outlives
// the originating request.
func (p *Pipeline) Start(ctx context.Context, tenant, workflowID string, g *graph.Graph) (string, error) {
	var id = uuid.NewString()
	var rec = &Record{
		ID:           id,
		WorkflowID:   workflowID,
		TenantID:     tenant,
		Status:       StatusPending,
		StartedAt:    time.Now().UTC(),
		NodeStatuses: make(map[string]NodeStatus),
	}
	if err := p.records.Create(ctx, rec); err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.mu.Lock()
	p.cancels[id] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(runCtx, tenant, id, g)
	}()
	return id, nil
}

// Cancel stops a running execution: the record is marked cancelled, the
// terminal frame published, and in-flight store queries asked to stop.
// Segments that complete afterwards are still persisted.
func (p *Pipeline) Cancel(ctx context.Context, tenant, id string) error {
	p.mu.Lock()
	var cancel, running = p.cancels[id]
	if running {
		delete(p.cancels, id)
	}
	p.mu.Unlock()

	if !running {
		if _, err := p.records.Get(ctx, tenant, id); err != nil {
			return err
		}
		return ErrNotRunning
	}
	cancel()

	var now = time.Now().UTC()
	if _, err := p.records.Update(ctx, tenant, id, func(rec *Record) {
		rec.Status = StatusCancelled
		rec.CompletedAt = &now
	}); err != nil {
		return err
	}
	p.publish(ctx, tenant, id, hub.NodeWorkflow, StatusCancelled, nil)
	return nil
}

// Wait blocks until every running execution exits; used on shutdown.
func (p *Pipeline) Wait() { p.wg.Wait() }

func (p *Pipeline) run(ctx context.Context, tenant, id string, g *graph.Graph) {
	p.setStatus(ctx, tenant, id, StatusRunning)
	p.publish(ctx, tenant, id, hub.NodeWorkflow, StatusRunning, nil)

	p.setNode(ctx, tenant, id, hub.NodeCompiler, StatusRunning, nil, "")
	p.publish(ctx, tenant, id, hub.NodeCompiler, StatusRunning, nil)

	var plan, err = compiler.Compile(g, p.opts)
	if err != nil {
		p.setNode(ctx, tenant, id, hub.NodeCompiler, StatusFailed, nil, err.Error())
		p.publish(ctx, tenant, id, hub.NodeCompiler, StatusFailed, map[string]any{"error": err.Error()})
		p.finish(ctx, tenant, id, StatusFailed)
		return
	}
	p.setNode(ctx, tenant, id, hub.NodeCompiler, StatusCompleted, nil, "")
	p.publish(ctx, tenant, id, hub.NodeCompiler, StatusCompleted, nil)

	for i, seg := range plan.Segments {
		if ctx.Err() != nil {
			return // Cancelled; the cancel path owns the terminal frame.
		}

		for _, node := range seg.SourceNodeIDs {
			p.setNode(ctx, tenant, id, node, StatusRunning, nil, "")
			p.publish(ctx, tenant, id, node, StatusRunning, nil)
		}

		result, err := p.router.Execute(ctx, seg, p.budget)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			for _, node := range seg.SourceNodeIDs {
				p.setNode(ctx, tenant, id, node, StatusFailed, nil, err.Error())
				p.publish(ctx, tenant, id, node, StatusFailed, map[string]any{"error": err.Error()})
			}
			for _, later := range plan.Segments[i+1:] {
				for _, node := range later.SourceNodeIDs {
					p.setNode(ctx, tenant, id, node, StatusSkipped, nil, "")
				}
			}
			p.finish(ctx, tenant, id, StatusFailed)
			return
		}

		var rows = result.TotalRows
		for _, node := range seg.SourceNodeIDs {
			p.setNode(ctx, tenant, id, node, StatusCompleted, &rows, "")
			p.publish(ctx, tenant, id, node, StatusCompleted, map[string]any{"rows_processed": rows})
		}

		// Table sinks additionally stream their result rows, so a
		// subscriber needs no follow-up fetch.
		for _, term := range seg.TerminalNodeIDs {
			if node, ok := g.NodeByID(term); ok && node.Type == graph.TypeTableOutput {
				p.publishTableRows(ctx, tenant, id, term, result)
			}
		}
	}

	p.finish(ctx, tenant, id, StatusCompleted)
}

// finish publishes the whole-workflow terminal frame, unless cancellation
// already claimed it.
func (p *Pipeline) finish(ctx context.Context, tenant, id string, status Status) {
	p.mu.Lock()
	var _, owned = p.cancels[id]
	if owned {
		delete(p.cancels, id)
	}
	p.mu.Unlock()
	if !owned {
		return
	}

	p.setStatus(ctx, tenant, id, status)
	p.publish(ctx, tenant, id, hub.NodeWorkflow, status, nil)
}

func (p *Pipeline) setStatus(ctx context.Context, tenant, id string, status Status) {
	var _, err = p.records.Update(ctx, tenant, id, func(rec *Record) {
		rec.Status = status
		if status.Terminal() {
			var now = time.Now().UTC()
			rec.CompletedAt = &now
		}
	})
	if err != nil {
		log.WithError(err).WithField("execution", id).Warn("failed to update execution record")
	}
}

func (p *Pipeline) setNode(ctx context.Context, tenant, id, node string, status Status, rows *int64, errDetail string) {
	var now = time.Now().UTC()
	var _, err = p.records.Update(ctx, tenant, id, func(rec *Record) {
		var ns = rec.NodeStatuses[node]
		ns.Status = status
		switch status {
		case StatusRunning:
			ns.StartedAt = &now
		case StatusCompleted, StatusFailed:
			ns.CompletedAt = &now
		}
		ns.RowsProcessed = rows
		ns.Error = errDetail
		rec.NodeStatuses[node] = ns
	})
	if err != nil {
		log.WithError(err).WithFields(log.Fields{"execution": id, "node": node}).
			Warn("failed to update execution node status")
	}
}

func (p *Pipeline) publishTableRows(ctx context.Context, tenant, id, table string, result *router.QueryResult) {
	if p.publisher == nil {
		return
	}
	var columns = make([]map[string]any, 0, len(result.Columns))
	for _, c := range result.Columns {
		columns = append(columns, map[string]any{"name": c.Name, "dtype": c.Dtype})
	}
	if err := p.publisher.TableRows(ctx, tenant, id, table, columns, result.Rows); err != nil {
		log.WithError(err).WithFields(log.Fields{"execution": id, "table": table}).
			Warn("failed to publish table rows")
	}
}

func (p *Pipeline) publish(ctx context.Context, tenant, id, node string, status Status, data any) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.ExecutionStatus(ctx, tenant, id, node, string(status), data); err != nil {
		log.WithError(err).WithFields(log.Fields{"execution": id, "node": node}).
			Warn("failed to publish execution status")
	}
}
