package world

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melodium-lang/melodium/descriptor"
	"github.com/melodium-lang/melodium/transmission"
)

// testDSN returns a unique shared-memory DSN for test isolation.
func testDSN(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
}

func newTestLedger(t *testing.T) *SQLiteLedger {
	t.Helper()
	ledger, err := OpenSQLiteLedger(testDSN(t))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })
	return ledger
}

func TestSQLiteLedger_RecordOpened_ShowsUpAsUnclosed(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.RecordOpened(ctx, TrackID("track-1"), "root"))

	unclosed, err := ledger.Unclosed(ctx)
	require.NoError(t, err)
	require.Len(t, unclosed, 1)
	assert.Equal(t, TrackID("track-1"), unclosed[0].ID)
	assert.Equal(t, "root", unclosed[0].BuildLabel)
	assert.Equal(t, "running", unclosed[0].Status)
}

func TestSQLiteLedger_RecordClosed_RemovesFromUnclosed(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.RecordOpened(ctx, TrackID("track-1"), "root"))
	require.NoError(t, ledger.RecordClosed(ctx, TrackID("track-1")))

	unclosed, err := ledger.Unclosed(ctx)
	require.NoError(t, err)
	assert.Empty(t, unclosed)
}

func TestSQLiteLedger_RecordFailed_CapturesCause(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.RecordOpened(ctx, TrackID("track-1"), "root"))
	require.NoError(t, ledger.RecordFailed(ctx, TrackID("track-1"), errors.New("boom")))

	unclosed, err := ledger.Unclosed(ctx)
	require.NoError(t, err)
	assert.Empty(t, unclosed, "a failed track is no longer running")
}

func TestWorld_WithLedger_RecordsOpenedAndClosedTracks(t *testing.T) {
	ledger := newTestLedger(t)

	double := doubleTreatment()
	c := descriptor.NewCollection()
	require.NoError(t, c.Insert(double))

	w := NewWorld(c.Wrap(), WithLedger(ledger))
	w.Builder().RegisterTreatment(double.ID, func(ctx context.Context, env Environment, inputs map[string]*transmission.ReceiveTransmitter, outputs map[string]*transmission.SendTransmitter) error {
		out := outputs["doubled"]
		defer out.Close()
		return nil
	})

	bld, err := w.Builder().StaticBuild(context.Background(), double.ID, "root", Environment{})
	require.NoError(t, err)

	trackID, err := w.OpenTrack(context.Background(), bld, nil, Environment{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	unclosed, err := ledger.Unclosed(ctx)
	require.NoError(t, err)
	require.Len(t, unclosed, 1)
	assert.Equal(t, trackID, unclosed[0].ID)

	track, ok := w.Track(trackID)
	require.True(t, ok)
	for _, out := range track.RootOutputs() {
		_, _ = out.RecvMany(ctx)
	}

	require.Eventually(t, func() bool {
		remaining, err := ledger.Unclosed(ctx)
		return err == nil && len(remaining) == 0
	}, time.Second, 10*time.Millisecond)
}
