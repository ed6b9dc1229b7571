package distribution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/melodium-lang/melodium/transmission"
)

// TrackHandler receives the messages a remote worker emits for one track:
// TrackData batches on its named endpoints, a notice once an endpoint
// reaches end-of-stream, and an asynchronous failure report.
type TrackHandler struct {
	OnData  func(endpoint string, batch transmission.Batch)
	OnEnded func(endpoint string)
	OnError func(msg ErrorMessage)
}

// Controller drives a remote worker: it sends Hello/LoadCollection/
// Instanciate/StartTrack and dispatches incoming TrackData/TrackEnded/
// Error messages to per-track handlers (spec.md §4.6).
type Controller struct {
	conn   *Conn
	peerID string

	instanceSeq int
	trackSeq    int

	mu       sync.Mutex
	handlers map[string]*TrackHandler

	metrics *metricSet
	logger  *slog.Logger
}

// ControllerOption configures a Controller at construction time.
type ControllerOption func(*Controller)

// WithControllerMetrics records frame counts against the given metric set.
func WithControllerMetrics(m *metricSet) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

// WithControllerLogger sets the logger used for protocol error logging.
func WithControllerLogger(l *slog.Logger) ControllerOption {
	return func(c *Controller) { c.logger = l }
}

// NewController wraps conn as the controller side of the protocol.
func NewController(conn *Conn, peerID string, opts ...ControllerOption) *Controller {
	c := &Controller{
		conn:     conn,
		peerID:   peerID,
		handlers: make(map[string]*TrackHandler),
		metrics:  noopMetrics(),
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Hello sends the initial handshake and waits for the worker's reply.
func (c *Controller) Hello(ctx context.Context) (Hello, error) {
	if err := c.send(Hello{Version: protocolVersion, PeerID: c.peerID, Role: RoleController}); err != nil {
		return Hello{}, err
	}
	msg, err := c.conn.ReadMessage()
	if err != nil {
		return Hello{}, err
	}
	reply, ok := msg.(Hello)
	if !ok {
		return Hello{}, fmt.Errorf("distribution: expected hello reply, got %s", msg.Kind())
	}
	return reply, nil
}

// LoadCollection ships a serialized descriptor closure to the worker.
func (c *Controller) LoadCollection(blob []byte) error {
	return c.send(LoadCollection{Collection: blob})
}

// Instanciate asks the worker to statically build entry, returning the
// instance id StartTrack must reference as Parent.
func (c *Controller) Instanciate(inst Instanciate) (string, error) {
	if inst.InstanceID == "" {
		c.instanceSeq++
		inst.InstanceID = fmt.Sprintf("inst-%d", c.instanceSeq)
	}
	if err := c.send(inst); err != nil {
		return "", err
	}
	return inst.InstanceID, nil
}

// StartTrack opens a track on the build named by parent (an instance id
// returned by Instanciate) and registers handler for the messages the
// worker emits back for it.
func (c *Controller) StartTrack(parent, sourceName string, contexts []ContextValue, handler *TrackHandler) (string, error) {
	c.mu.Lock()
	c.trackSeq++
	trackID := fmt.Sprintf("track-%d", c.trackSeq)
	if handler != nil {
		c.handlers[trackID] = handler
	}
	c.mu.Unlock()

	if err := c.send(StartTrack{TrackID: trackID, Parent: parent, SourceName: sourceName, InitialContexts: contexts}); err != nil {
		return "", err
	}
	return trackID, nil
}

// SendData pushes one batch into a track's named endpoint.
func (c *Controller) SendData(trackID, endpoint string, batch transmission.Batch) error {
	return c.send(TrackData{TrackID: trackID, EndpointName: endpoint, Batch: batch})
}

// SendEndOfStream reports that the controller has nothing further for a
// track's named endpoint.
func (c *Controller) SendEndOfStream(trackID, endpoint string) error {
	return c.send(TrackEnded{TrackID: trackID, EndpointName: endpoint})
}

// Ended sends the graceful half-close message. It does not close the
// connection and does not stop later sends through this Controller.
func (c *Controller) Ended() error {
	return c.send(Ended{})
}

// Close closes the underlying connection.
func (c *Controller) Close() error { return c.conn.Close() }

func (c *Controller) send(msg Message) error {
	c.metrics.frameSent(msg.Kind())
	return c.conn.WriteMessage(msg)
}

// Run reads incoming messages until the connection closes or the worker
// sends Ended, dispatching each to the registered handler for its track.
// It is meant to run in its own goroutine for the life of the connection.
func (c *Controller) Run(ctx context.Context) error {
	for {
		msg, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		c.metrics.frameReceived(msg.Kind())

		switch m := msg.(type) {
		case TrackData:
			if h := c.handlerFor(m.TrackID); h != nil && h.OnData != nil {
				h.OnData(m.EndpointName, m.Batch)
			}
		case TrackEnded:
			if h := c.handlerFor(m.TrackID); h != nil && h.OnEnded != nil {
				h.OnEnded(m.EndpointName)
			}
		case ErrorMessage:
			c.logger.Error("worker reported error", "track_id", m.TrackID, "code", m.Code, "message", m.Message)
			if h := c.handlerFor(m.TrackID); h != nil && h.OnError != nil {
				h.OnError(m)
			}
		case Ended:
			return nil
		default:
			c.logger.Warn("unexpected message", "kind", msg.Kind())
			if err := c.send(ErrorMessage{Code: "unexpected_message", Message: fmt.Sprintf("controller did not expect %s", msg.Kind())}); err != nil {
				return err
			}
		}
	}
}

func (c *Controller) handlerFor(trackID string) *TrackHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers[trackID]
}
