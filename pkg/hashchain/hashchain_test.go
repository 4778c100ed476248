package hashchain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/pkg/contracts"
)

func chainOf(t *testing.T, n int) []*contracts.Event {
	t.Helper()
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	prev := ""
	events := make([]*contracts.Event, 0, n)
	for i := 0; i < n; i++ {
		e := &contracts.Event{
			EventID:       "evt_" + string(rune('a'+i)),
			EventType:     "run.completed",
			EventVersion:  1,
			OccurredAt:    base.Add(time.Duration(i) * time.Second),
			WorkspaceID:   "ws_1",
			Actor:         contracts.Actor{Type: contracts.ActorService, ID: "svc"},
			Stream:        contracts.StreamRef{Type: contracts.StreamWorkspace, ID: "ws_1", Seq: int64(i + 1)},
			CorrelationID: "corr",
			Data:          map[string]any{"i": i},
			PrevEventHash: prev,
		}
		h, err := ComputeEventHash(e, prev)
		require.NoError(t, err)
		e.EventHash = h
		prev = h
		events = append(events, e)
	}
	return events
}

func TestVerify_IntactChain(t *testing.T) {
	events := chainOf(t, 5)
	assert.Nil(t, Verify(events, ""))
}

func TestVerify_SliceWithPrevHash(t *testing.T) {
	events := chainOf(t, 5)
	assert.Nil(t, Verify(events[2:], events[1].EventHash))
}

func TestVerify_TamperedPayload(t *testing.T) {
	events := chainOf(t, 4)
	events[2].Data["i"] = 999

	m := Verify(events, "")
	require.NotNil(t, m)
	assert.Equal(t, EventHashMismatch, m.Kind)
	assert.Equal(t, int64(3), m.StreamSeq)
}

func TestVerify_BrokenLink(t *testing.T) {
	events := chainOf(t, 4)
	events[3].PrevEventHash = "sha256:bogus"

	m := Verify(events, "")
	require.NotNil(t, m)
	assert.Equal(t, PrevHashMismatch, m.Kind)
	assert.Equal(t, int64(4), m.StreamSeq)
}

func TestVerify_MissingHash(t *testing.T) {
	events := chainOf(t, 2)
	events[1].EventHash = ""

	m := Verify(events, "")
	require.NotNil(t, m)
	assert.Equal(t, EventHashMissing, m.Kind)
}

func TestComputeEventHash_Deterministic(t *testing.T) {
	events := chainOf(t, 1)
	h1, err := ComputeEventHash(events[0], "")
	require.NoError(t, err)
	h2, err := ComputeEventHash(events[0], "")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	h3, err := ComputeEventHash(events[0], "sha256:other")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3, "prev hash must be covered by the event hash")
}
