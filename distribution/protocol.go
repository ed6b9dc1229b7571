// Package distribution implements the length-framed wire protocol a
// controller and a worker speak to distribute a program across processes,
// per spec.md §4.6 and §6: u32-be length prefix, CBOR payload, a snake-case
// string discriminator, and a 20 second read/write inactivity timeout.
package distribution

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/melodium-lang/melodium/identifier"
	"github.com/melodium-lang/melodium/transmission"
	"github.com/melodium-lang/melodium/value"
)

// DefaultTimeout is the read/write inactivity timeout spec.md §4.6 mandates.
const DefaultTimeout = 20 * time.Second

// maxFrameLen bounds a single frame so a corrupt length prefix cannot make
// a peer attempt to allocate an unbounded buffer.
const maxFrameLen = 64 << 20

// Role identifies which side of the protocol a peer plays.
type Role string

const (
	RoleController Role = "controller"
	RoleWorker     Role = "worker"
)

// Kind discriminates a Message's wire variant.
type Kind string

const (
	KindHello          Kind = "hello"
	KindLoadCollection Kind = "load_collection"
	KindInstanciate    Kind = "instanciate"
	KindStartTrack     Kind = "start_track"
	KindTrackData      Kind = "track_data"
	KindTrackEnded     Kind = "track_ended"
	KindError          Kind = "error"
	KindEnded          Kind = "ended"
)

// Message is any value the wire protocol can carry. Every concrete
// message type in this package implements it.
type Message interface {
	Kind() Kind
}

// Hello is the first message either peer sends after the connection opens.
type Hello struct {
	Version string
	PeerID  string
	Role    Role
}

func (Hello) Kind() Kind { return KindHello }

// LoadCollection hands the remote side a serialized closure of descriptors
// and designs reachable from an entry point. The serialization format of
// Collection is out of core scope (spec.md §6's "persisted state" note);
// here it travels as an opaque blob produced by the caller's loader.
type LoadCollection struct {
	Collection []byte
}

func (LoadCollection) Kind() Kind { return KindLoadCollection }

// Instanciate triggers a static build of entry on the remote, under the
// given genesis (const-parameter) environment. InstanceID is assigned by
// the sender and is echoed back by StartTrack's Parent field to name which
// previously instanciated build a track should be opened from.
type Instanciate struct {
	InstanceID string
	Entry      identifier.Identifier
	Genesis    map[string]value.Value
}

func (Instanciate) Kind() Kind { return KindInstanciate }

// ContextValue is one context instance attached to a track, in wire form.
type ContextValue struct {
	ID     identifier.Identifier
	Fields map[string]value.Value
}

// StartTrack opens a track rooted at the build named by Parent (an
// InstanceID previously sent in an Instanciate message), giving it the
// supplied initial contexts. TrackID is assigned by the sender and used
// to correlate subsequent TrackData/TrackEnded/Error messages.
type StartTrack struct {
	TrackID         string
	Parent          string
	SourceName      string
	InitialContexts []ContextValue
}

func (StartTrack) Kind() Kind { return KindStartTrack }

// TrackData carries one batch of values bound for (or produced by) the
// named endpoint of a live track.
type TrackData struct {
	TrackID      string
	EndpointName string
	Batch        transmission.Batch
}

func (TrackData) Kind() Kind { return KindTrackData }

// TrackEnded reports that the named endpoint of a track has observed (or
// produced) end-of-stream.
type TrackEnded struct {
	TrackID      string
	EndpointName string
}

func (TrackEnded) Kind() Kind { return KindTrackEnded }

// ErrorMessage reports an asynchronous failure, optionally scoped to one
// track. The Code/Message shape mirrors the host's JSON API error
// envelope, adapted to the binary protocol.
type ErrorMessage struct {
	TrackID string
	Code    string
	Message string
}

func (ErrorMessage) Kind() Kind { return KindError }

func (e ErrorMessage) Error() string {
	if e.TrackID != "" {
		return fmt.Sprintf("distribution: [%s] track %s: %s", e.Code, e.TrackID, e.Message)
	}
	return fmt.Sprintf("distribution: [%s] %s", e.Code, e.Message)
}

// Ended is a graceful half-close: after sending it, a side closes its
// write half and sends no further messages.
type Ended struct{}

func (Ended) Kind() Kind { return KindEnded }

// ErrUnknownVariant is returned (and reported to the peer as an
// ErrorMessage) when a frame's discriminator names a kind this
// implementation does not recognize.
var ErrUnknownVariant = errors.New("distribution: unknown message variant")

// ErrTimeout is returned when a read or write does not complete within
// the connection's inactivity timeout. The connection should be closed
// after a timeout; a goroutine left blocked on the underlying transport
// is only released by closing it.
var ErrTimeout = errors.New("distribution: inactivity timeout")

// ErrFrameTooLarge is returned when a frame's length prefix exceeds
// maxFrameLen.
var ErrFrameTooLarge = errors.New("distribution: frame exceeds maximum size")

type frame struct {
	Type    Kind            `cbor:"type"`
	Payload cbor.RawMessage `cbor:"payload"`
}

func encodeMessage(msg Message) ([]byte, error) {
	payload, err := cbor.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("distribution: encoding %s payload: %w", msg.Kind(), err)
	}
	return cbor.Marshal(frame{Type: msg.Kind(), Payload: payload})
}

func decodeMessage(data []byte) (Message, error) {
	var f frame
	if err := cbor.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("distribution: decoding frame: %w", err)
	}
	var msg Message
	switch f.Type {
	case KindHello:
		msg = &Hello{}
	case KindLoadCollection:
		msg = &LoadCollection{}
	case KindInstanciate:
		msg = &Instanciate{}
	case KindStartTrack:
		msg = &StartTrack{}
	case KindTrackData:
		msg = &TrackData{}
	case KindTrackEnded:
		msg = &TrackEnded{}
	case KindError:
		msg = &ErrorMessage{}
	case KindEnded:
		msg = &Ended{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariant, f.Type)
	}
	if len(f.Payload) > 0 {
		if err := cbor.Unmarshal(f.Payload, msg); err != nil {
			return nil, fmt.Errorf("distribution: decoding %s payload: %w", f.Type, err)
		}
	}
	return derefMessage(msg), nil
}

// derefMessage returns the pointed-to value so callers receive the same
// value types they send (Hello, not *Hello), keeping type switches
// symmetric on both sides of the wire.
func derefMessage(msg Message) Message {
	switch m := msg.(type) {
	case *Hello:
		return *m
	case *LoadCollection:
		return *m
	case *Instanciate:
		return *m
	case *StartTrack:
		return *m
	case *TrackData:
		return *m
	case *TrackEnded:
		return *m
	case *ErrorMessage:
		return *m
	case *Ended:
		return *m
	default:
		return msg
	}
}

// Conn is one length-framed CBOR message stream over a bidirectional byte
// transport. Reads and writes are each serialized by their own mutex, so a
// single Conn may be read and written concurrently by different
// goroutines (the usual shape: one loop reading incoming messages, the
// caller writing outgoing ones).
type Conn struct {
	rwc     io.ReadWriteCloser
	timeout time.Duration

	writeMu chan struct{}
	readMu  chan struct{}
}

// NewConn wraps rwc in a framed message stream using DefaultTimeout.
func NewConn(rwc io.ReadWriteCloser) *Conn {
	return &Conn{
		rwc:     rwc,
		timeout: DefaultTimeout,
		writeMu: make(chan struct{}, 1),
		readMu:  make(chan struct{}, 1),
	}
}

// SetTimeout overrides the inactivity timeout (DefaultTimeout by default).
func (c *Conn) SetTimeout(d time.Duration) { c.timeout = d }

// Close closes the underlying transport, releasing any goroutine blocked
// on a pending read or write.
func (c *Conn) Close() error { return c.rwc.Close() }

// WriteMessage encodes and sends one message, framed with its u32-be
// length prefix.
func (c *Conn) WriteMessage(msg Message) error {
	body, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	if len(body) > maxFrameLen {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)

	c.writeMu <- struct{}{}
	defer func() { <-c.writeMu }()
	return c.withTimeout(func() error {
		_, err := c.rwc.Write(buf)
		return err
	})
}

// ReadMessage blocks for the next frame and decodes it.
func (c *Conn) ReadMessage() (Message, error) {
	c.readMu <- struct{}{}
	defer func() { <-c.readMu }()

	var lenBuf [4]byte
	if err := c.withTimeout(func() error {
		_, err := io.ReadFull(c.rwc, lenBuf[:])
		return err
	}); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameLen {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, n)
	if err := c.withTimeout(func() error {
		_, err := io.ReadFull(c.rwc, body)
		return err
	}); err != nil {
		return nil, err
	}

	return decodeMessage(body)
}

// withTimeout runs op in a goroutine and enforces the connection's
// inactivity timeout around it. A timed-out op is abandoned (its
// goroutine keeps blocking on the transport until the caller Closes the
// Conn); this matches spec.md §4.6's framing of the timeout as grounds to
// tear down the connection, not to resume it.
func (c *Conn) withTimeout(op func() error) error {
	done := make(chan error, 1)
	go func() { done <- op() }()
	select {
	case err := <-done:
		return err
	case <-time.After(c.timeout):
		return ErrTimeout
	}
}

