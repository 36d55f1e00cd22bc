package checkpoint

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fyrsmithlabs/cardline/internal/natstest"
	"github.com/fyrsmithlabs/cardline/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStages = []string{"generate", "collect_evidence", "validate", "score", "decide", "debug"}

type unitState struct {
	ArtifactRef string   `json:"artifact_ref"`
	Claim       string   `json:"claim"`
	Flags       []string `json:"flags,omitempty"`
	Score       float64  `json:"score"`
}

// storeFactories lets every behavioral test run against both backends.
func storeFactories(t *testing.T) map[string]func(opts ...Option) Store {
	return map[string]func(opts ...Option) Store{
		"file": func(opts ...Option) Store {
			s, err := NewFileStore(t.TempDir(), testStages, nil, opts...)
			require.NoError(t, err)
			return s
		},
		"nats": func(opts ...Option) Store {
			_, js := natstest.Connect(t)
			s, err := NewKVStore(context.Background(), js, "TEST_CHECKPOINTS", testStages, nil, opts...)
			require.NoError(t, err)
			return s
		},
	}
}

func TestStore_RoundTrip(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			store := newStore(WithClock(func() time.Time { return fixed }))
			ctx := context.Background()

			in := unitState{ArtifactRef: "s3://bucket/card-1", Claim: "all tests pass", Score: 8.6}
			require.NoError(t, store.Save(ctx, "card-1", "score", in))

			cp, err := store.Load(ctx, "card-1")
			require.NoError(t, err)
			require.NotNil(t, cp)

			assert.Equal(t, SchemaVersion, cp.Version)
			assert.Equal(t, "card-1", cp.UnitID)
			assert.Equal(t, "score", cp.Stage)
			assert.True(t, fixed.Equal(cp.Timestamp))

			var out unitState
			require.NoError(t, cp.Decode(&out))
			assert.Equal(t, in, out)
		})
	}
}

func TestStore_SaveOverwritesPrevious(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore()
			ctx := context.Background()

			require.NoError(t, store.Save(ctx, "card-2", "generate", unitState{Claim: "first"}))
			require.NoError(t, store.Save(ctx, "card-2", "validate", unitState{Claim: "second"}))

			cp, err := store.Load(ctx, "card-2")
			require.NoError(t, err)
			assert.Equal(t, "validate", cp.Stage)

			var out unitState
			require.NoError(t, cp.Decode(&out))
			assert.Equal(t, "second", out.Claim)
		})
	}
}

func TestStore_LoadMissingReturnsNil(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			cp, err := newStore().Load(context.Background(), "never-saved")
			require.NoError(t, err)
			assert.Nil(t, cp)
		})
	}
}

func TestStore_Delete(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore()
			ctx := context.Background()

			require.NoError(t, store.Save(ctx, "card-3", "decide", unitState{}))
			require.NoError(t, store.Delete(ctx, "card-3"))

			cp, err := store.Load(ctx, "card-3")
			require.NoError(t, err)
			assert.Nil(t, cp)

			// deleting again is not an error
			assert.NoError(t, store.Delete(ctx, "card-3"))
		})
	}
}

func TestStore_UnknownStageRejected(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			err := newStore().Save(context.Background(), "card-4", "publish", unitState{})
			assert.ErrorIs(t, err, ErrUnknownStage)
		})
	}
}

func TestStore_InvalidUnitID(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore()
			ctx := context.Background()

			for _, id := range []string{"", "../etc/passwd", "a/b", ".hidden"} {
				assert.ErrorIs(t, store.Save(ctx, id, "generate", nil), ErrInvalidUnitID, id)
				_, err := store.Load(ctx, id)
				assert.ErrorIs(t, err, ErrInvalidUnitID, id)
			}
		})
	}
}

func TestFileStore_LoadUnknownStageIsFatal(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, testStages, nil)
	require.NoError(t, err)

	// A record written by a pipeline with a different stage sequence.
	raw, err := json.Marshal(Checkpoint{
		Version: 1,
		UnitID:  "card-5",
		Stage:   "transcribe",
		Data:    json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "card-5.json"), raw, 0600))

	_, err = store.Load(context.Background(), "card-5")
	assert.ErrorIs(t, err, ErrUnknownStage)
}

func TestFileStore_LoadRejectsNewerVersionAndGarbage(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, testStages, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "v9.json"),
		[]byte(`{"version":9,"unit_id":"v9","stage":"generate","data":{}}`), 0600))
	_, err = store.Load(ctx, "v9")
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.json"), []byte(`{not json`), 0600))
	_, err = store.Load(ctx, "junk")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestFileStore_NoTempFilesLeftBehind(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, testStages, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Save(context.Background(), "card-6", "generate", unitState{Score: float64(i)}))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "card-6.json", entries[0].Name())

	info, err := entries[0].Info()
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestFileStore_RecordsSpans(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	store, err := NewFileStore(t.TempDir(), testStages, nil,
		WithTracerProvider(tel.TracerProvider()),
		WithMeterProvider(tel.MeterProvider()))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "card-7", "generate", unitState{}))
	_, err = store.Load(ctx, "card-7")
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, "card-7"))

	tel.AssertSpanExists(t, "checkpoint.save")
	tel.AssertSpanExists(t, "checkpoint.load")
	tel.AssertSpanExists(t, "checkpoint.delete")
	assert.Equal(t, int64(3), tel.SumValue(t, "cardline.checkpoint.operations"))
}

func TestNewStore_RequiresStages(t *testing.T) {
	_, err := NewFileStore(t.TempDir(), nil, nil)
	assert.Error(t, err)
}
