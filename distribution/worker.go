package distribution

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/melodium-lang/melodium/transmission"
	"github.com/melodium-lang/melodium/world"
)

// Worker is the remote side of the protocol: it holds the live world a
// controller drives, turning Instanciate/StartTrack/TrackData/TrackEnded
// messages into builder and track calls, and pumping a track's root
// outputs back to the controller as TrackData/TrackEnded (spec.md §4.6).
type Worker struct {
	conn   *Conn
	peerID string
	world  *world.World

	// OnLoadCollection, if set, is invoked for every received
	// LoadCollection message. Building a descriptor.View from a
	// serialized blob is an external-loader concern (spec.md §6); a
	// worker with no hook configured reports the message unsupported.
	OnLoadCollection func(blob []byte) error

	mu     sync.Mutex
	builds map[string]*world.Build
	tracks map[string]world.TrackID

	metrics *metricSet
	logger  *slog.Logger
}

// WorkerOption configures a Worker at construction time.
type WorkerOption func(*Worker)

// WithWorkerMetrics records frame counts against the given metric set.
// The worker records no track lifetime observations.
func WithWorkerMetrics(m *metricSet) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

// WithWorkerLogger sets the logger used for protocol error logging.
func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = l }
}

// NewWorker wraps conn as the worker side of the protocol, serving tracks
// out of w.
func NewWorker(conn *Conn, peerID string, w *world.World, opts ...WorkerOption) *Worker {
	wk := &Worker{
		conn:    conn,
		peerID:  peerID,
		world:   w,
		builds:  make(map[string]*world.Build),
		tracks:  make(map[string]world.TrackID),
		metrics: noopMetrics(),
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(wk)
	}
	return wk
}

// Run serves the connection until it closes or the controller sends
// Ended. It is meant to run for the life of the connection.
func (w *Worker) Run(ctx context.Context) error {
	for {
		msg, err := w.conn.ReadMessage()
		if err != nil {
			return err
		}
		w.metrics.frameReceived(msg.Kind())

		switch m := msg.(type) {
		case Hello:
			if err := w.send(Hello{Version: protocolVersion, PeerID: w.peerID, Role: RoleWorker}); err != nil {
				return err
			}

		case LoadCollection:
			if w.OnLoadCollection == nil {
				if err := w.send(ErrorMessage{Code: "unsupported", Message: "worker has no collection loader configured"}); err != nil {
					return err
				}
				continue
			}
			if err := w.OnLoadCollection(m.Collection); err != nil {
				if err := w.send(ErrorMessage{Code: "load_collection_failed", Message: err.Error()}); err != nil {
					return err
				}
			}

		case Instanciate:
			if err := w.handleInstanciate(ctx, m); err != nil {
				w.logger.Error("instanciate failed", "instance_id", m.InstanceID, "error", err)
				if sendErr := w.send(ErrorMessage{Code: "instanciate_failed", Message: err.Error()}); sendErr != nil {
					return sendErr
				}
			}

		case StartTrack:
			if err := w.handleStartTrack(ctx, m); err != nil {
				w.logger.Error("start_track failed", "track_id", m.TrackID, "error", err)
				if sendErr := w.send(ErrorMessage{TrackID: m.TrackID, Code: "start_track_failed", Message: err.Error()}); sendErr != nil {
					return sendErr
				}
			}

		case TrackData:
			if err := w.handleTrackData(m); err != nil {
				w.logger.Error("track_data failed", "track_id", m.TrackID, "error", err)
				if sendErr := w.send(ErrorMessage{TrackID: m.TrackID, Code: "track_data_failed", Message: err.Error()}); sendErr != nil {
					return sendErr
				}
			}

		case TrackEnded:
			w.handleTrackEnded(m)

		case ErrorMessage:
			// Asynchronous failure reported by the controller; nothing to
			// reply with, the caller observes it through its own logging.

		case Ended:
			return nil

		default:
			w.logger.Warn("unrecognized message", "kind", msg.Kind())
			if err := w.send(ErrorMessage{Code: "unknown_variant", Message: fmt.Sprintf("unrecognized message %s", msg.Kind())}); err != nil {
				return err
			}
		}
	}
}

func (w *Worker) send(msg Message) error {
	w.metrics.frameSent(msg.Kind())
	return w.conn.WriteMessage(msg)
}

func (w *Worker) handleInstanciate(ctx context.Context, m Instanciate) error {
	bld, err := w.world.Builder().StaticBuild(ctx, m.Entry, m.InstanceID, world.Environment{Variables: m.Genesis})
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.builds[m.InstanceID] = bld
	w.mu.Unlock()
	return nil
}

func (w *Worker) handleStartTrack(ctx context.Context, m StartTrack) error {
	w.mu.Lock()
	bld, ok := w.builds[m.Parent]
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("distribution: no instanciated build %q", m.Parent)
	}

	trackID, err := w.world.OpenTrack(ctx, bld, toContexts(m.InitialContexts), world.Environment{})
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.tracks[m.TrackID] = trackID
	w.mu.Unlock()

	track, ok := w.world.Track(trackID)
	if !ok {
		return fmt.Errorf("distribution: track %s vanished before it could be pumped", trackID)
	}
	for key, recv := range track.RootOutputs() {
		go w.pumpOutput(m.TrackID, portName(key), recv)
	}

	return nil
}

// pumpOutput forwards every batch a track's output produces to the
// controller as TrackData, sending TrackEnded once the output closes.
func (w *Worker) pumpOutput(remoteTrackID, endpoint string, recv *transmission.ReceiveTransmitter) {
	ctx := context.Background()
	for {
		batch, err := recv.RecvMany(ctx)
		if err != nil {
			_ = w.send(TrackEnded{TrackID: remoteTrackID, EndpointName: endpoint})
			return
		}
		if err := w.send(TrackData{TrackID: remoteTrackID, EndpointName: endpoint, Batch: batch}); err != nil {
			return
		}
	}
}

func (w *Worker) handleTrackData(m TrackData) error {
	w.mu.Lock()
	trackID, ok := w.tracks[m.TrackID]
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("distribution: unknown track %q", m.TrackID)
	}
	track, ok := w.world.Track(trackID)
	if !ok {
		return fmt.Errorf("distribution: track %q is no longer live", m.TrackID)
	}
	sender, ok := track.InputByPort(m.EndpointName)
	if !ok {
		return fmt.Errorf("distribution: track %q has no input endpoint %q", m.TrackID, m.EndpointName)
	}
	return sender.SendMultiple(m.Batch)
}

func (w *Worker) handleTrackEnded(m TrackEnded) {
	w.mu.Lock()
	trackID, ok := w.tracks[m.TrackID]
	w.mu.Unlock()
	if !ok {
		return
	}
	track, ok := w.world.Track(trackID)
	if !ok {
		return
	}
	if sender, ok := track.InputByPort(m.EndpointName); ok {
		sender.Close()
	}
}

func toContexts(cv []ContextValue) []world.ContextInstance {
	out := make([]world.ContextInstance, len(cv))
	for i, c := range cv {
		out[i] = world.ContextInstance{ID: c.ID, Fields: c.Fields}
	}
	return out
}

// portName strips the "buildID:" prefix giveNext registers root ports
// under, leaving the bare port name the wire protocol uses.
func portName(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[i+1:]
	}
	return key
}
