package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeEnforcesTenantPrefix(t *testing.T) {
	var cases = []struct {
		suffix string
		expect string
	}{
		{"execution:abc", "tessera:t1:execution:abc"},
		{"widget:w-9", "tessera:t1:widget:w-9"},
		{"general", "tessera:t1:general"},
		{"broadcast", "tessera:t1:broadcast"},
		// A client naming another tenant is rewritten onto its own.
		{"tessera:t2:execution:abc", "tessera:t1:execution:abc"},
	}
	for _, c := range cases {
		var got, err = Canonicalize("tessera", "t1", c.suffix)
		require.NoError(t, err, c.suffix)
		require.Equal(t, c.expect, got)
	}

	var _, err = Canonicalize("tessera", "t1", "journal:abc")
	require.Error(t, err)
	_, err = Canonicalize("tessera", "t1", "execution")
	require.Error(t, err)
}

func TestTableRowsFrameShape(t *testing.T) {
	var b, err = TableRowsFrame("out1",
		[]map[string]any{{"name": "v", "dtype": "int64"}},
		[]map[string]any{{"v": 1}})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.Equal(t, "table_rows", decoded["type"])
	require.Equal(t, "out1", decoded["table"])
	require.Len(t, decoded["columns"], 1)
	require.Len(t, decoded["rows"], 1)
	// Status fields stay off the wire for data frames.
	require.NotContains(t, decoded, "execution_id")
	require.NotContains(t, decoded, "status")
}

func TestHubDeliversToExactSubscribers(t *testing.T) {
	var h = New("tessera")
	var a, b = NewClient("t1"), NewClient("t1")
	h.Register(a)
	h.Register(b)
	defer h.Unregister(a)
	defer h.Unregister(b)

	channel, err := h.Subscribe(a, "execution:e1")
	require.NoError(t, err)
	require.Equal(t, "tessera:t1:execution:e1", channel)

	h.Dispatch(channel, []byte(`{"type":"execution_status"}`))

	select {
	case frame := <-a.Send:
		require.JSONEq(t, `{"type":"execution_status"}`, string(frame))
	default:
		t.Fatal("subscriber received nothing")
	}
	select {
	case <-b.Send:
		t.Fatal("non-subscriber received a frame")
	default:
	}
}

func TestHubGeneralChannelAttachedOnRegister(t *testing.T) {
	var h = New("tessera")
	var c = NewClient("t1")
	h.Register(c)
	defer h.Unregister(c)

	h.Dispatch("tessera:t1:general", []byte(`{"type":"ping"}`))
	select {
	case <-c.Send:
	default:
		t.Fatal("general channel frame not delivered")
	}

	// Another tenant's general channel stays silent.
	h.Dispatch("tessera:t2:general", []byte(`{"type":"ping"}`))
	select {
	case <-c.Send:
		t.Fatal("cross-tenant frame delivered")
	default:
	}
}

func TestHubUnregisterIsIdempotent(t *testing.T) {
	var h = New("tessera")
	var c = NewClient("t1")
	h.Register(c)

	channel, err := h.Subscribe(c, "widget:w1")
	require.NoError(t, err)
	require.Equal(t, 1, h.Subscribers(channel))

	h.Unregister(c)
	h.Unregister(c)
	require.Equal(t, 0, h.Subscribers(channel))

	_, err = h.Subscribe(c, "widget:w1")
	require.ErrorIs(t, err, errNotRegistered)
}

func TestHubEvictsUnresponsiveClient(t *testing.T) {
	var h = New("tessera")
	var c = NewClient("t1")
	h.Register(c)

	channel, err := h.Subscribe(c, "execution:e1")
	require.NoError(t, err)

	// Saturate the client's queue; the next fan-out cannot enqueue and the
	// client is removed from every channel set.
	for i := 0; i < sendBuffer; i++ {
		require.True(t, c.push([]byte("x")))
	}
	h.Dispatch(channel, []byte("y"))
	require.Equal(t, 0, h.Subscribers(channel))
	require.Equal(t, 0, h.Subscribers("tessera:t1:general"))
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	var h = New("tessera")
	var c = NewClient("t1")
	h.Register(c)
	defer h.Unregister(c)

	channel, err := h.Subscribe(c, "execution:e1")
	require.NoError(t, err)
	_, err = h.Unsubscribe(c, "execution:e1")
	require.NoError(t, err)

	h.Dispatch(channel, []byte("x"))
	select {
	case <-c.Send:
		t.Fatal("frame delivered after unsubscribe")
	default:
	}
}

func busFixture(t *testing.T) (*Bus, *Hub, context.Context) {
	t.Helper()
	var mr = miniredis.RunT(t)
	var client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	var ctx, cancel = context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var h = New("tessera")
	var bus = NewBus(client, "tessera")
	go bus.Run(ctx, h)
	time.Sleep(50 * time.Millisecond) // Let the pattern subscription settle.
	return bus, h, ctx
}

func TestBusRoundTrip(t *testing.T) {
	var bus, h, ctx = busFixture(t)

	var c = NewClient("t1")
	h.Register(c)
	defer h.Unregister(c)
	channel, err := h.Subscribe(c, "execution:e1")
	require.NoError(t, err)

	var pub = NewStatusPublisher(bus, "tessera")
	require.NoError(t, pub.ExecutionStatus(ctx, "t1", "e1", NodeWorkflow, "running", nil))

	select {
	case frame := <-c.Send:
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(frame, &decoded))
		require.Equal(t, "execution_status", decoded["type"])
		require.Equal(t, "e1", decoded["execution_id"])
		require.Equal(t, NodeWorkflow, decoded["node_id"])
		require.Equal(t, "running", decoded["status"])
	case <-time.After(2 * time.Second):
		t.Fatal("bus frame never arrived")
	}
	_ = channel
}

func TestPollerPublishesOnlyOnChange(t *testing.T) {
	var bus, h, ctx = busFixture(t)

	var c = NewClient("t1")
	h.Register(c)
	defer h.Unregister(c)
	_, err := h.Subscribe(c, "widget:w1")
	require.NoError(t, err)

	var results = make(chan any, 16)
	results <- map[string]any{"v": 1}
	results <- map[string]any{"v": 1}
	results <- map[string]any{"v": 2}

	var p = NewPoller(NewStatusPublisher(bus, "tessera"), 5*time.Millisecond, 1000)
	p.Watch(ctx, "t1", "w1", 5*time.Millisecond, func(context.Context) (any, error) {
		select {
		case r := <-results:
			return r, nil
		default:
			return map[string]any{"v": 2}, nil
		}
	})
	defer p.Stop()

	var frames []map[string]any
	var deadline = time.After(2 * time.Second)
	for len(frames) < 2 {
		select {
		case frame := <-c.Send:
			var decoded map[string]any
			require.NoError(t, json.Unmarshal(frame, &decoded))
			if decoded["type"] == "live_data" {
				frames = append(frames, decoded)
			}
		case <-deadline:
			t.Fatalf("expected 2 live_data frames, got %d", len(frames))
		}
	}
	p.Stop()

	require.Equal(t, map[string]any{"v": float64(1)}, frames[0]["data"])
	require.Equal(t, map[string]any{"v": float64(2)}, frames[1]["data"])

	// The steady state publishes nothing further.
	select {
	case frame := <-c.Send:
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(frame, &decoded))
		require.NotEqual(t, "live_data", decoded["type"])
	case <-time.After(100 * time.Millisecond):
	}
}
