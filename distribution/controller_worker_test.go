package distribution

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melodium-lang/melodium/builtin"
	"github.com/melodium-lang/melodium/descriptor"
	"github.com/melodium-lang/melodium/dtype"
	"github.com/melodium-lang/melodium/identifier"
	"github.com/melodium-lang/melodium/transmission"
	"github.com/melodium-lang/melodium/value"
	"github.com/melodium-lang/melodium/world"
)

// TestController_Worker_RunsATrackEndToEnd drives a worker over a pipe
// connection through Hello, Instanciate, StartTrack and TrackData, and
// checks the summed result comes back as TrackData on the output endpoint.
func TestController_Worker_RunsATrackEndToEnd(t *testing.T) {
	id, err := identifier.New("1.0.0", []string{"test", "distribution"}, "AddI32")
	require.NoError(t, err)

	collection := descriptor.NewCollection()
	w := world.NewWorld(collection.Wrap())
	require.NoError(t, builtin.Register(collection, w.Builder(), id, builtin.OpAdd, dtype.I32))

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	controller := NewController(NewConn(clientConn), "ctrl-1")
	worker := NewWorker(NewConn(serverConn), "worker-1", w)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go worker.Run(ctx)

	reply, err := controller.Hello(ctx)
	require.NoError(t, err)
	assert.Equal(t, RoleWorker, reply.Role)

	var mu sync.Mutex
	var results []value.Value
	ended := make(chan struct{}, 1)

	handler := &TrackHandler{
		OnData: func(endpoint string, batch transmission.Batch) {
			mu.Lock()
			results = append(results, batch...)
			mu.Unlock()
		},
		OnEnded: func(endpoint string) {
			select {
			case ended <- struct{}{}:
			default:
			}
		},
	}

	go controller.Run(ctx)

	instID, err := controller.Instanciate(Instanciate{Entry: id})
	require.NoError(t, err)

	trackID, err := controller.StartTrack(instID, "root", nil, handler)
	require.NoError(t, err)

	require.NoError(t, controller.SendData(trackID, "a", transmission.Batch{value.I32(19)}))
	require.NoError(t, controller.SendData(trackID, "b", transmission.Batch{value.I32(23)}))
	require.NoError(t, controller.SendEndOfStream(trackID, "a"))
	require.NoError(t, controller.SendEndOfStream(trackID, "b"))

	select {
	case <-ended:
	case <-ctx.Done():
		t.Fatal("timed out waiting for track output to end")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 1)
	n, ok := results[0].ToI64()
	require.True(t, ok)
	assert.Equal(t, int64(42), n)
}

func TestWorker_StartTrack_UnknownParentReportsError(t *testing.T) {
	collection := descriptor.NewCollection()
	w := world.NewWorld(collection.Wrap())

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	controller := NewController(NewConn(clientConn), "ctrl-1")
	worker := NewWorker(NewConn(serverConn), "worker-1", w)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go worker.Run(ctx)

	_, err := controller.Hello(ctx)
	require.NoError(t, err)

	_, err = controller.StartTrack("missing-instance", "root", nil, nil)
	require.NoError(t, err)

	msg, err := controller.conn.ReadMessage()
	require.NoError(t, err)
	errMsg, ok := msg.(ErrorMessage)
	require.True(t, ok)
	assert.Equal(t, "start_track_failed", errMsg.Code)
}
