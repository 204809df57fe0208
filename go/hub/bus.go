package hub

import (
	"context"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Bus carries frames between processes over the shared fast store's pub/sub.
// Each process publishes to canonical channel names and subscribes to the
// whole namespace, dispatching locally through its Hub.
type Bus struct {
	client *redis.Client
	ns     string
}

func NewBus(client *redis.Client, ns string) *Bus {
	return &Bus{client: client, ns: ns}
}

// Publish sends one frame on a canonical channel.
func (b *Bus) Publish(ctx context.Context, channel string, frame []byte) error {
	if err := b.client.Publish(ctx, channel, frame).Err(); err != nil {
		return err
	}
	framesPublished.WithLabelValues(kindOf(channel)).Inc()
	return nil
}

// Run subscribes to the pattern <ns>:* and dispatches every incoming
// message through the hub until ctx is done.
func (b *Bus) Run(ctx context.Context, h *Hub) error {
	var sub = b.client.PSubscribe(ctx, b.ns+":*")
	defer sub.Close()

	// Receive forces the subscription before we report running.
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	log.WithField("pattern", b.ns+":*").Info("live channel bus ingress started")

	var ch = sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			h.Dispatch(msg.Channel, []byte(msg.Payload))
		}
	}
}

// StatusPublisher emits execution-status and live-data frames onto the
// correct tenant channels.
type StatusPublisher struct {
	bus *Bus
	ns  string
}

func NewStatusPublisher(bus *Bus, ns string) *StatusPublisher {
	return &StatusPublisher{bus: bus, ns: ns}
}

// ExecutionStatus publishes one transition on the execution's channel.
// node is a node id, NodeCompiler, or NodeWorkflow.
func (p *StatusPublisher) ExecutionStatus(ctx context.Context, tenant, executionID, node, status string, data any) error {
	var frame, err = ExecutionStatusFrame(executionID, node, status, data)
	if err != nil {
		return err
	}
	return p.bus.Publish(ctx, ChannelName(p.ns, tenant, KindExecution, executionID), frame)
}

// LiveData publishes a changed-data frame on the widget's channel.
func (p *StatusPublisher) LiveData(ctx context.Context, tenant, widgetID string, data any) error {
	var frame, err = LiveDataFrame(widgetID, data)
	if err != nil {
		return err
	}
	return p.bus.Publish(ctx, ChannelName(p.ns, tenant, KindWidget, widgetID), frame)
}

// TableRows publishes result rows for one table sink on the execution's
// channel.
func (p *StatusPublisher) TableRows(ctx context.Context, tenant, executionID, table string, columns, rows []map[string]any) error {
	var frame, err = TableRowsFrame(table, columns, rows)
	if err != nil {
		return err
	}
	return p.bus.Publish(ctx, ChannelName(p.ns, tenant, KindExecution, executionID), frame)
}
