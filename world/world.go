package world

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/melodium-lang/melodium/descriptor"
	"github.com/melodium-lang/melodium/design"
	"github.com/melodium-lang/melodium/identifier"
	"github.com/melodium-lang/melodium/model"
	"github.com/melodium-lang/melodium/transmission"
)

// TrackID uniquely identifies one dynamic-build instance (spec.md's
// "track"): a correlated execution context rooted at one build.
type TrackID string

// HostedModel is a user-supplied long-lived object with initialize and
// shutdown hooks (spec.md §4.5).
type HostedModel = model.HostedModel

// ModelHost owns one live model instanciation: its id, the world it
// belongs to, and the hosted object itself.
type ModelHost = model.Host

// sourceRoot records a treatment instanciation reachable from a model
// role binding that may be opened as a track root when that model opens
// the named source.
type sourceRoot struct {
	parentBuild *Build
	childBuild  *Build
	role        string
}

// World owns the collection handle, the set of live models, a
// continuous-task runner, a track-id allocator, and the graph of live
// builds (spec.md §4.3).
type World struct {
	mu sync.RWMutex

	collection *descriptor.View
	builder    *Builder

	models *model.Registry
	tracks map[TrackID]*Track

	// sourceRoots maps "modelID::sourceName" to every treatment
	// instanciation build that may be opened as a track for that
	// (model, source) pair.
	sourceRoots map[string][]sourceRoot

	continuous sync.WaitGroup
	cancels    []context.CancelFunc

	tracer trace.Tracer
	meter  metric.Meter
	logger *slog.Logger
	ledger *SQLiteLedger

	tracksOpened  metric.Int64Counter
	tracksClosed  metric.Int64Counter
}

// Option configures a World at construction time.
type Option func(*World)

// WithTracer sets the tracer used for per-track and per-build spans.
func WithTracer(t trace.Tracer) Option { return func(w *World) { w.tracer = t } }

// WithMeter sets the meter used for track-lifecycle counters.
func WithMeter(m metric.Meter) Option { return func(w *World) { w.meter = m } }

// WithLogger sets the logger used for lifecycle and error logging. The
// zero value logs nothing: callers that don't care about logs never need
// to inject one.
func WithLogger(l *slog.Logger) Option { return func(w *World) { w.logger = l } }

// WithLedger attaches a SQLite-backed track ledger for crash diagnosis.
// Purely additive: a World with no ledger attached behaves identically,
// just without the persisted record of track lifecycle.
func WithLedger(l *SQLiteLedger) Option { return func(w *World) { w.ledger = l } }

// NewWorld creates a world over the given descriptor collection view.
func NewWorld(collection *descriptor.View, opts ...Option) *World {
	w := &World{
		collection:  collection,
		models:      model.NewRegistry(),
		tracks:      make(map[TrackID]*Track),
		sourceRoots: make(map[string][]sourceRoot),
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.builder = NewBuilder(collection, w.tracer)
	w.builder.world = w

	if w.meter != nil {
		w.tracksOpened, _ = w.meter.Int64Counter("melodium.world.tracks_opened")
		w.tracksClosed, _ = w.meter.Int64Counter("melodium.world.tracks_closed")
	}

	return w
}

// Builder returns the world's builder, used to perform the static build
// of an entry-point treatment before the world can dynamically build
// tracks from it.
func (w *World) Builder() *Builder { return w.builder }

func (w *World) registerModel(id ModelID, descID identifier.Identifier, hosted HostedModel) {
	w.models.Put(&ModelHost{ID: id, Descriptor: descID, Hosted: hosted})
}

// openTrack allocates and registers a fresh track, wired to start a span
// if a tracer is configured. Shared by CreateTrack (model-source-driven)
// and OpenTrack (direct build reference).
func (w *World) openTrack(ctx context.Context, attrs ...attribute.KeyValue) (*Track, context.Context) {
	trackID := TrackID(uuid.NewString())
	track := newTrack(trackID, w)

	ctx2, cancel := context.WithCancel(ctx)
	track.cancel = cancel

	if w.tracer != nil {
		var span trace.Span
		ctx2, span = w.tracer.Start(ctx2, "world.track", trace.WithAttributes(
			append([]attribute.KeyValue{attribute.String("melodium.track_id", string(trackID))}, attrs...)...,
		))
		track.span = span
	}

	w.mu.Lock()
	w.tracks[trackID] = track
	w.mu.Unlock()
	if w.tracksOpened != nil {
		w.tracksOpened.Add(ctx, 1)
	}
	w.logger.Debug("track opened", "track_id", trackID)

	return track, ctx2
}

func (w *World) recordOpened(ctx context.Context, trackID TrackID, buildLabel string) {
	if w.ledger == nil {
		return
	}
	if err := w.ledger.RecordOpened(ctx, trackID, buildLabel); err != nil {
		w.logger.Error("ledger record_opened failed", "track_id", trackID, "error", err)
	}
}

// OpenTrack opens a track directly from a static build, without going
// through a model's source_from binding: the distribution worker's
// StartTrack handling uses this, naming the build to open by whatever
// reference it assigned when the build was instanciated.
func (w *World) OpenTrack(ctx context.Context, bld *Build, contexts []ContextInstance, env Environment) (TrackID, error) {
	track, ctx2 := w.openTrack(ctx, attribute.String("melodium.build_id", string(bld.ID)))
	w.recordOpened(ctx2, track.ID, bld.Label)
	if err := w.giveNext(ctx2, track, bld, contexts, env); err != nil {
		w.logger.Error("give_next failed", "track_id", track.ID, "build_label", bld.Label, "error", err)
		if w.ledger != nil {
			_ = w.ledger.RecordFailed(ctx2, track.ID, err)
		}
		return "", fmt.Errorf("world: give_next for %q: %w", bld.Label, err)
	}
	go track.reap()
	return track.ID, nil
}

// Track looks up a live track by id.
func (w *World) Track(id TrackID) (*Track, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	t, ok := w.tracks[id]
	return t, ok
}

func (w *World) registerSourceRoots(childTD *descriptor.TreatmentDescriptor, ti design.TreatmentInstanciation, parentBuild, childBuild *Build) {
	if len(childTD.SourceFrom) == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for role, sourceNames := range childTD.SourceFrom {
		localModel, bound := ti.ModelRoles[role]
		if !bound {
			continue
		}
		modelID, ok := parentBuild.Models[localModel]
		if !ok {
			continue
		}
		for _, sourceName := range sourceNames {
			key := string(modelID) + "::" + sourceName
			w.sourceRoots[key] = append(w.sourceRoots[key], sourceRoot{parentBuild: parentBuild, childBuild: childBuild, role: role})
		}
	}
}

// CreateTrack is called by a hosted model to open a track: the world
// finds every treatment instance whose source_from names the given
// (model, source) pair, and gives each a fresh track-local dynamic build
// (spec.md §4.5). inputHandler, if non-nil, is invoked with the freshly
// created per-track send transmitters the host uses to push data into
// the new track's Self inputs.
func (w *World) CreateTrack(ctx context.Context, modelID ModelID, sourceName string, contexts []ContextInstance, env Environment, inputHandler func(inputs map[string]*transmission.SendTransmitter)) (TrackID, error) {
	key := string(modelID) + "::" + sourceName
	w.mu.RLock()
	roots := append([]sourceRoot(nil), w.sourceRoots[key]...)
	w.mu.RUnlock()

	if len(roots) == 0 {
		return "", fmt.Errorf("world: no treatment sources for model %s source %q", modelID, sourceName)
	}

	track, ctx2 := w.openTrack(ctx, attribute.String("melodium.source", sourceName))
	trackID := track.ID
	w.recordOpened(ctx2, trackID, sourceName)

	for _, root := range roots {
		if err := w.giveNext(ctx2, track, root.childBuild, contexts, env); err != nil {
			w.logger.Error("give_next failed", "track_id", trackID, "build_label", root.childBuild.Label, "error", err)
			if w.ledger != nil {
				_ = w.ledger.RecordFailed(ctx2, trackID, err)
			}
			return "", fmt.Errorf("world: give_next for %q: %w", root.childBuild.Label, err)
		}
	}

	if inputHandler != nil {
		inputHandler(track.rootSelfInputSenders())
	}

	go track.reap()

	return trackID, nil
}

// CheckGiveNext is a dry-run variant of giveNext used by the validator.
func (w *World) CheckGiveNext(ctx context.Context, bld *Build) []error {
	return w.builder.CheckDynamicBuild(ctx, bld)
}

// Shutdown cancels continuous tasks first, then shuts down every model,
// then drops all transmitters, cascading end-of-stream through any
// still-running tasks (spec.md §4.5 shutdown order).
func (w *World) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	cancels := append([]context.CancelFunc(nil), w.cancels...)
	w.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	w.continuous.Wait()

	hosts := w.models.All()

	var firstErr error
	for _, h := range hosts {
		if err := h.Hosted.Shutdown(ctx); err != nil {
			w.logger.Error("model shutdown failed", "model_id", h.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	w.mu.RLock()
	tracks := make([]*Track, 0, len(w.tracks))
	for _, t := range w.tracks {
		tracks = append(tracks, t)
	}
	w.mu.RUnlock()
	for _, t := range tracks {
		t.cancel()
	}

	return firstErr
}

// RegisterContinuous records an abort handle for a continuous (long-
// lived, not track-bound) task, cancelled first at shutdown.
func (w *World) RegisterContinuous(cancel context.CancelFunc) {
	w.mu.Lock()
	w.cancels = append(w.cancels, cancel)
	w.mu.Unlock()
	w.continuous.Add(1)
}

// ContinuousDone marks one continuous task as finished.
func (w *World) ContinuousDone() { w.continuous.Done() }

func (w *World) untrack(id TrackID) {
	w.mu.Lock()
	delete(w.tracks, id)
	w.mu.Unlock()
	if w.tracksClosed != nil {
		w.tracksClosed.Add(context.Background(), 1)
	}
	w.logger.Debug("track closed", "track_id", id)
	if w.ledger != nil {
		if err := w.ledger.RecordClosed(context.Background(), id); err != nil {
			w.logger.Error("ledger record_closed failed", "track_id", id, "error", err)
		}
	}
}
