package distribution

import (
	"net"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melodium-lang/melodium/identifier"
	"github.com/melodium-lang/melodium/transmission"
	"github.com/melodium-lang/melodium/value"
)

func pipeConns() (*Conn, *Conn) {
	a, b := net.Pipe()
	return NewConn(a), NewConn(b)
}

func TestConn_WriteRead_RoundTripsEveryMessageKind(t *testing.T) {
	id, err := identifier.New("1.0.0", []string{"test"}, "Entry")
	require.NoError(t, err)

	cases := []Message{
		Hello{Version: "1", PeerID: "peer-a", Role: RoleController},
		LoadCollection{Collection: []byte{1, 2, 3}},
		Instanciate{InstanceID: "inst-1", Entry: id, Genesis: map[string]value.Value{"x": value.I32(7)}},
		StartTrack{TrackID: "track-1", Parent: "inst-1", SourceName: "root"},
		TrackData{TrackID: "track-1", EndpointName: "out", Batch: transmission.Batch{value.I32(1), value.I32(2)}},
		TrackEnded{TrackID: "track-1", EndpointName: "out"},
		ErrorMessage{TrackID: "track-1", Code: "boom", Message: "failed"},
		Ended{},
	}

	client, server := pipeConns()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		for _, msg := range cases {
			if err := client.WriteMessage(msg); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for _, want := range cases {
		got, err := server.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	require.NoError(t, <-done)
}

func TestDecodeMessage_UnknownVariantIsReported(t *testing.T) {
	body, err := cbor.Marshal(frame{Type: Kind("bogus")})
	require.NoError(t, err)

	_, err = decodeMessage(body)
	assert.ErrorIs(t, err, ErrUnknownVariant)
}

func TestConn_ReadMessage_TimesOutWhenNoFrameArrives(t *testing.T) {
	client, server := pipeConns()
	defer client.Close()
	defer server.Close()
	server.SetTimeout(20 * time.Millisecond)

	_, err := server.ReadMessage()
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestConn_WriteMessage_RejectsOversizedFrame(t *testing.T) {
	client, server := pipeConns()
	defer client.Close()
	defer server.Close()

	huge := make([]byte, maxFrameLen+1)
	err := client.WriteMessage(LoadCollection{Collection: huge})
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}
