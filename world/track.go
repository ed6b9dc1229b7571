package world

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/melodium-lang/melodium/descriptor"
	"github.com/melodium-lang/melodium/design"
	"github.com/melodium-lang/melodium/transmission"
	"github.com/melodium-lang/melodium/value"
)

// Track is one dynamic-build instance: a correlated execution context
// rooted at one or more builds opened together by a single CreateTrack
// call, per spec.md §4.3/§4.5.
type Track struct {
	ID    TrackID
	world *World

	cancel context.CancelFunc
	span   trace.Span

	wg sync.WaitGroup

	mu          sync.Mutex
	rootInputs  map[string]*transmission.SendTransmitter
	rootOutputs map[string]*transmission.ReceiveTransmitter
}

func newTrack(id TrackID, w *World) *Track {
	return &Track{
		ID:          id,
		world:       w,
		rootInputs:  make(map[string]*transmission.SendTransmitter),
		rootOutputs: make(map[string]*transmission.ReceiveTransmitter),
	}
}

// rootSelfInputSenders returns a snapshot of every root-level input the
// host may push data into.
func (t *Track) rootSelfInputSenders() map[string]*transmission.SendTransmitter {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]*transmission.SendTransmitter, len(t.rootInputs))
	for k, v := range t.rootInputs {
		out[k] = v
	}
	return out
}

// RootOutputs returns a snapshot of every root-level output the host may
// read results from.
func (t *Track) RootOutputs() map[string]*transmission.ReceiveTransmitter {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]*transmission.ReceiveTransmitter, len(t.rootOutputs))
	for k, v := range t.rootOutputs {
		out[k] = v
	}
	return out
}

// RootInputs is an exported alias of rootSelfInputSenders, for callers
// outside the package (e.g. the distribution worker) that need to push
// data into a track opened directly from a build rather than through a
// model source.
func (t *Track) RootInputs() map[string]*transmission.SendTransmitter {
	return t.rootSelfInputSenders()
}

// InputByPort finds the root input sender for port, regardless of which
// root build registered it. Root input keys are "buildID:port"; a caller
// that only knows the port name (the distribution protocol's
// endpoint-name, which does not carry a build id) uses this instead of
// RootInputs. Ambiguous when a track has more than one root build
// declaring the same port name; the first match wins.
func (t *Track) InputByPort(port string) (*transmission.SendTransmitter, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	suffix := ":" + port
	for k, v := range t.rootInputs {
		if len(k) > len(suffix) && k[len(k)-len(suffix):] == suffix {
			return v, true
		}
	}
	return nil, false
}

// OutputByPort is InputByPort's counterpart for root outputs.
func (t *Track) OutputByPort(port string) (*transmission.ReceiveTransmitter, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	suffix := ":" + port
	for k, v := range t.rootOutputs {
		if len(k) > len(suffix) && k[len(k)-len(suffix):] == suffix {
			return v, true
		}
	}
	return nil, false
}

// reap waits for every task this track spawned to finish, then removes
// the track from the world.
func (t *Track) reap() {
	t.wg.Wait()
	if t.span != nil {
		t.span.End()
	}
	t.world.untrack(t.ID)
}

// newPorts allocates the public-facing transmitters for one build: a
// receive transmitter per declared input (the slot a producer attaches
// to) and a send transmitter per declared output (the slot a consumer
// attaches from).
func newPorts(td *descriptor.TreatmentDescriptor) (map[string]*transmission.ReceiveTransmitter, map[string]*transmission.SendTransmitter) {
	inputs := make(map[string]*transmission.ReceiveTransmitter, len(td.Inputs))
	for _, p := range td.Inputs {
		inputs[p.Name] = transmission.NewReceiveTransmitter()
	}
	outputs := make(map[string]*transmission.SendTransmitter, len(td.Outputs))
	for _, p := range td.Outputs {
		outputs[p.Name] = transmission.NewSendTransmitter()
	}
	return inputs, outputs
}

// giveNext performs give_next: it dynamically builds bld as a fresh
// track-local root, registering its public ports into the track's root
// input/output tables (spec.md §4.5).
func (w *World) giveNext(ctx context.Context, track *Track, bld *Build, contexts []ContextInstance, env Environment) error {
	inputs, outputs := newPorts(bld.Descriptor)
	if err := w.wireBuild(ctx, track, bld, contexts, env, inputs, outputs); err != nil {
		return err
	}

	track.mu.Lock()
	for port, recv := range inputs {
		hostSender := transmission.NewSendTransmitter()
		hostSender.Attach(recv)
		track.rootInputs[string(bld.ID)+":"+port] = hostSender
	}
	for port, send := range outputs {
		hostReceiver := transmission.NewReceiveTransmitter()
		send.Attach(hostReceiver)
		track.rootOutputs[string(bld.ID)+":"+port] = hostReceiver
	}
	track.mu.Unlock()

	return nil
}

// wireBuild wires one build's public ports (already allocated by the
// caller) either directly to a spawned leaf task (Compiled descriptors)
// or through the build's internal connection graph to its children
// (Designed descriptors).
func (w *World) wireBuild(ctx context.Context, track *Track, bld *Build, contexts []ContextInstance, env Environment, inputs map[string]*transmission.ReceiveTransmitter, outputs map[string]*transmission.SendTransmitter) error {
	if w.tracer != nil {
		_, span := w.tracer.Start(ctx, "world.dynamic_build",
			trace.WithAttributes(
				attribute.String("melodium.track_id", string(track.ID)),
				attribute.String("melodium.build_id", string(bld.ID)),
				attribute.String("melodium.label", bld.Label),
			))
		span.End()
	}

	if bld.Descriptor.Build == descriptor.Compiled {
		fn, ok := w.builder.treatments[bld.Descriptor.ID.Key()]
		if !ok {
			return fmt.Errorf("world: no compiled body registered for %s", bld.Descriptor.ID)
		}
		combined, err := w.resolveLeafEnvironment(bld, contexts, env)
		if err != nil {
			return err
		}
		track.wg.Add(1)
		go func() {
			defer track.wg.Done()
			_ = fn(ctx, combined, inputs, outputs)
		}()
		return nil
	}

	// Composite: forward the public inputs into internal producers, and
	// the internal consumers into the public outputs.
	internalProducers := make(map[string]*transmission.SendTransmitter, len(inputs))
	for port, recv := range inputs {
		sender := transmission.NewSendTransmitter()
		internalProducers[port] = sender
		track.pump(recv, sender)
	}
	internalConsumers := make(map[string]*transmission.ReceiveTransmitter, len(outputs))
	for port, send := range outputs {
		recv := transmission.NewReceiveTransmitter()
		internalConsumers[port] = recv
		track.pump(recv, send)
	}

	childInputs := make(map[string]map[string]*transmission.ReceiveTransmitter, len(bld.ChildOrder))
	childOutputs := make(map[string]map[string]*transmission.SendTransmitter, len(bld.ChildOrder))

	for _, name := range bld.ChildOrder {
		child := bld.Children[name]
		in, out := newPorts(child.Descriptor)
		childInputs[name] = in
		childOutputs[name] = out
		if err := w.wireBuild(ctx, track, child, contexts, env, in, out); err != nil {
			return fmt.Errorf("world: wiring child %q: %w", name, err)
		}
	}

	for _, c := range bld.Connections {
		producer := resolveProducer(c.From, internalProducers, childOutputs)
		consumer := resolveConsumer(c.To, internalConsumers, childInputs)
		if producer == nil || consumer == nil {
			return fmt.Errorf("world: dangling connection %v -> %v in %s", c.From, c.To, bld.Label)
		}
		producer.Attach(consumer)
	}

	return nil
}

func resolveProducer(ep design.Endpoint, selfIn map[string]*transmission.SendTransmitter, childOut map[string]map[string]*transmission.SendTransmitter) *transmission.SendTransmitter {
	if ep.Self {
		return selfIn[ep.Port]
	}
	if ports, ok := childOut[ep.Treatment]; ok {
		return ports[ep.Port]
	}
	return nil
}

func resolveConsumer(ep design.Endpoint, selfOut map[string]*transmission.ReceiveTransmitter, childIn map[string]map[string]*transmission.ReceiveTransmitter) *transmission.ReceiveTransmitter {
	if ep.Self {
		return selfOut[ep.Port]
	}
	if ports, ok := childIn[ep.Treatment]; ok {
		return ports[ep.Port]
	}
	return nil
}

// pump forwards every batch received on r onward into s, closing s once r
// observes end-of-stream. Used to bridge a composite treatment's public
// boundary ports (which must present a ReceiveTransmitter/SendTransmitter
// pair to the outside world) to its internal connection graph.
func (t *Track) pump(r *transmission.ReceiveTransmitter, s *transmission.SendTransmitter) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer s.Close()
		ctx := context.Background()
		for {
			batch, err := r.RecvMany(ctx)
			if err != nil {
				return
			}
			if sendErr := s.SendMultiple(batch); sendErr != nil {
				return
			}
		}
	}()
}

// resolveLeafEnvironment merges a leaf build's resolved const parameters
// with its deferred var parameters (resolved now against the track's
// contexts and contextual environment) into the environment handed to the
// compiled treatment body.
func (w *World) resolveLeafEnvironment(bld *Build, contexts []ContextInstance, env Environment) (Environment, error) {
	vars := make(map[string]value.Value, len(bld.ConstParameters)+len(bld.VarParameters))
	for k, v := range bld.ConstParameters {
		vars[k] = v
	}
	for k, pv := range bld.VarParameters {
		resolved, err := w.builder.resolveDynamicParameterValue(pv, contexts, env)
		if err != nil {
			return Environment{}, fmt.Errorf("world: resolving var parameter %q: %w", k, err)
		}
		vars[k] = resolved
	}
	return Environment{Variables: vars}, nil
}
