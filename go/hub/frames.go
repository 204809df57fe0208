package hub

import (
	"encoding/json"
	"errors"
)

var errNotRegistered = errors.New("client is not registered with the hub")

// Pseudo node ids carried by whole-workflow status frames.
const (
	NodeCompiler = "__compiler__"
	NodeWorkflow = "__workflow__"
)

// clientFrame is a control message from the client.
type clientFrame struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

// serverFrame is the union of server-to-client messages; unused fields are
// omitted on the wire.
type serverFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Detail  string `json:"detail,omitempty"`

	ExecutionID string `json:"execution_id,omitempty"`
	NodeID      string `json:"node_id,omitempty"`
	Status      string `json:"status,omitempty"`
	WidgetID    string `json:"widget_id,omitempty"`
	Data        any    `json:"data,omitempty"`

	Table   string           `json:"table,omitempty"`
	Columns []map[string]any `json:"columns,omitempty"`
	Rows    []map[string]any `json:"rows,omitempty"`
}

func encodeFrame(f serverFrame) ([]byte, error) {
	return json.Marshal(f)
}

// ExecutionStatusFrame is one status transition on a per-execution channel.
func ExecutionStatusFrame(executionID, nodeID, status string, data any) ([]byte, error) {
	return encodeFrame(serverFrame{
		Type:        "execution_status",
		ExecutionID: executionID,
		NodeID:      nodeID,
		Status:      status,
		Data:        data,
	})
}

// LiveDataFrame is one changed-data notification on a per-widget channel.
func LiveDataFrame(widgetID string, data any) ([]byte, error) {
	return encodeFrame(serverFrame{Type: "live_data", WidgetID: widgetID, Data: data})
}

// TableRowsFrame carries the result rows of one table sink, streamed to
// subscribers of the owning execution's channel.
func TableRowsFrame(table string, columns, rows []map[string]any) ([]byte, error) {
	return encodeFrame(serverFrame{Type: "table_rows", Table: table, Columns: columns, Rows: rows})
}
