package evidence

import (
	"context"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/pkg/contracts"
	"github.com/arbiterhq/arbiter/pkg/eventstore"
)

func seedStream(t *testing.T, events *eventstore.MemoryStore, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := events.Append(context.Background(), eventstore.Envelope{
			EventType:     contracts.EventMessageCreated,
			WorkspaceID:   "ws_1",
			Actor:         contracts.Actor{Type: contracts.ActorAgent, ID: "agt_1"},
			Stream:        eventstore.StreamKey{Type: contracts.StreamThread, ID: "thr_1"},
			CorrelationID: "corr_1",
			Data:          map[string]any{"text": "hello", "n": i},
		})
		require.NoError(t, err)
	}
}

func TestFinalizeVerifiesChain(t *testing.T) {
	ctx := context.Background()
	events := eventstore.NewMemoryStore()
	seedStream(t, events, 5)

	m, err := NewFinalizer(events).Finalize(ctx, "ws_1", contracts.StreamThread, "thr_1", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), m.VerifiedThroughSeq)
	assert.Equal(t, 5, m.EventCount)
	assert.NotEmpty(t, m.HeadHash)
	assert.NotEmpty(t, m.ManifestHash)

	// The head hash matches the stream's last event.
	slice, err := events.ReadStream(ctx, contracts.StreamThread, "thr_1", 5, 1)
	require.NoError(t, err)
	assert.Equal(t, slice[0].EventHash, m.HeadHash)
}

func TestFinalizeMidStreamSliceUsesAnchor(t *testing.T) {
	ctx := context.Background()
	events := eventstore.NewMemoryStore()
	seedStream(t, events, 5)

	m, err := NewFinalizer(events).Finalize(ctx, "ws_1", contracts.StreamThread, "thr_1", 3, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(3), m.FromSeq)
	assert.Equal(t, int64(5), m.VerifiedThroughSeq)
	assert.Equal(t, 3, m.EventCount)
}

func TestFinalizeEmptySlice(t *testing.T) {
	events := eventstore.NewMemoryStore()
	_, err := NewFinalizer(events).Finalize(context.Background(), "ws_1", contracts.StreamThread, "missing", 1, 0)
	assert.ErrorIs(t, err, ErrEmptySlice)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	events := eventstore.NewMemoryStore()
	seedStream(t, events, 3)
	fin := NewFinalizer(events)

	_, err := fin.Finalize(ctx, "ws_1", contracts.StreamThread, "thr_1", 1, 3)
	require.NoError(t, err)
	_, err = fin.Finalize(ctx, "ws_1", contracts.StreamThread, "thr_1", 1, 3)
	require.NoError(t, err)

	ws, err := events.ReadStream(ctx, contracts.StreamWorkspace, "ws_1", 1, 0)
	require.NoError(t, err)
	finalized := 0
	for _, e := range ws {
		if e.EventType == "evidence.manifest.finalized" {
			finalized++
		}
	}
	assert.Equal(t, 1, finalized)
}

type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (f *fakeObjectStore) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, 0, 512)
	tmp := make([]byte, 256)
	for {
		n, err := in.Body.Read(tmp)
		buf = append(buf, tmp[:n]...)
		if err != nil {
			break
		}
	}
	f.objects[*in.Key] = buf
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeObjectStore) HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[*in.Key]; ok {
		return &s3.HeadObjectOutput{}, nil
	}
	return nil, assert.AnError
}

func TestArchiveContentAddressed(t *testing.T) {
	ctx := context.Background()
	events := eventstore.NewMemoryStore()
	seedStream(t, events, 2)
	m, err := NewFinalizer(events).Finalize(ctx, "ws_1", contracts.StreamThread, "thr_1", 1, 0)
	require.NoError(t, err)

	store := newFakeObjectStore()
	arch := NewArchiverWithStore(store, "audit-bucket", "evidence/")

	key, err := arch.Archive(ctx, m)
	require.NoError(t, err)
	assert.Contains(t, key, "evidence/")
	assert.Contains(t, key, ".json")
	assert.Equal(t, 1, store.puts)

	// Re-archiving the same manifest hits the head check, not a second put.
	again, err := arch.Archive(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, key, again)
	assert.Equal(t, 1, store.puts)
}
