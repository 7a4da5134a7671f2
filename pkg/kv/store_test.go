package kv

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"urlstore/pkg/readiness"
	"urlstore/storage"
)

// testEngine wraps a MemoryEngine to count calls, hold initialization and
// inject failures.
type testEngine struct {
	*storage.MemoryEngine

	existsErr error
	release   chan struct{} // when set, TableExists blocks until closed or ctx ends

	existsCalls  atomic.Int32
	createCalls  atomic.Int32
	selectCalls  atomic.Int32
	upsertCalls  atomic.Int32
	destroyCalls atomic.Int32
	destroyErr   error
}

func newTestEngine() *testEngine {
	return &testEngine{MemoryEngine: storage.NewMemoryEngine(storage.DefaultSchema)}
}

func (e *testEngine) TableExists(ctx context.Context) (bool, error) {
	e.existsCalls.Add(1)
	if e.release != nil {
		select {
		case <-e.release:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if e.existsErr != nil {
		return false, e.existsErr
	}
	return e.MemoryEngine.TableExists(ctx)
}

func (e *testEngine) CreateTable(ctx context.Context) error {
	e.createCalls.Add(1)
	return e.MemoryEngine.CreateTable(ctx)
}

func (e *testEngine) SelectByKey(ctx context.Context, key string) (storage.Record, bool, error) {
	e.selectCalls.Add(1)
	return e.MemoryEngine.SelectByKey(ctx, key)
}

func (e *testEngine) Upsert(ctx context.Context, key string, value []byte) error {
	e.upsertCalls.Add(1)
	return e.MemoryEngine.Upsert(ctx, key, value)
}

func (e *testEngine) Destroy(ctx context.Context) error {
	e.destroyCalls.Add(1)
	if e.destroyErr != nil {
		return e.destroyErr
	}
	return e.MemoryEngine.Destroy(ctx)
}

// setupTestStore opens a store over the named backend in a temp dir.
func setupTestStore(t *testing.T, backend string, opts ...Option) *Store {
	t.Helper()
	engine, err := storage.Open(storage.Options{
		Backend:  backend,
		DataDir:  t.TempDir(),
		InMemory: true,
		Schema:   storage.DefaultSchema,
	})
	require.NoError(t, err)

	st := New(engine, opts...)
	t.Cleanup(func() {
		st.Close(context.Background())
	})
	require.NoError(t, st.Ready(context.Background()))
	return st
}

var backends = []string{
	storage.BackendSQLite,
	storage.BackendBolt,
	storage.BackendBadger,
	storage.BackendMemory,
}

func TestStore_Scenario(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			st := setupTestStore(t, backend)
			ctx := context.Background()

			require.NoError(t, st.Save(ctx, "k1", map[string]any{"amount": 100}))
			v, err := st.Fetch(ctx, "k1")
			require.NoError(t, err)
			assert.Equal(t, map[string]any{"amount": float64(100)}, v)

			require.NoError(t, st.Save(ctx, "k1", map[string]any{"amount": 200}))
			v, err = st.Fetch(ctx, "k1")
			require.NoError(t, err)
			assert.Equal(t, map[string]any{"amount": float64(200)}, v)

			require.NoError(t, st.Delete(ctx, "k1"))
			v, err = st.Fetch(ctx, "k1")
			require.NoError(t, err)
			assert.Nil(t, v)
		})
	}
}

func TestStore_NeverSavedKey(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			st := setupTestStore(t, backend)
			ctx := context.Background()
			key := uuid.NewString()

			v, err := st.Fetch(ctx, key)
			require.NoError(t, err)
			assert.Nil(t, v)

			exists, err := st.Exists(ctx, key)
			require.NoError(t, err)
			assert.False(t, exists)

			require.NoError(t, st.Delete(ctx, key), "delete of a missing key is idempotent")
		})
	}
}

func TestStore_RoundTrip(t *testing.T) {
	values := map[string]any{
		"string": "lnurl1dp68gurn8ghj7",
		"number": 21.5,
		"bool":   true,
		"list":   []any{"a", float64(1), nil},
		"nested": map[string]any{
			"tag":             "withdrawRequest",
			"minWithdrawable": float64(1000),
			"params":          map[string]any{"uses": float64(3)},
		},
	}
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			st := setupTestStore(t, backend)
			ctx := context.Background()

			for name, value := range values {
				require.NoError(t, st.Save(ctx, name, value))
				got, err := st.Fetch(ctx, name)
				require.NoError(t, err)
				assert.Equal(t, value, got, name)

				exists, err := st.Exists(ctx, name)
				require.NoError(t, err)
				assert.True(t, exists, name)
			}
		})
	}
}

type withdrawParams struct {
	Tag     string `json:"tag"`
	Amount  int64  `json:"amount"`
	Uses    int    `json:"uses,omitempty"`
	Comment string `json:"comment,omitempty"`
}

func TestStore_FetchInto(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			st := setupTestStore(t, backend)
			ctx := context.Background()

			in := withdrawParams{Tag: "withdrawRequest", Amount: 5000, Uses: 2}
			require.NoError(t, st.Save(ctx, "hash", in))

			var out withdrawParams
			found, err := st.FetchInto(ctx, "hash", &out)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, in, out)

			var missing withdrawParams
			found, err = st.FetchInto(ctx, "nope", &missing)
			require.NoError(t, err)
			assert.False(t, found)
			assert.Zero(t, missing)
		})
	}
}

func TestStore_FetchIntoNilDestination(t *testing.T) {
	st := setupTestStore(t, storage.BackendMemory)
	_, err := st.FetchInto(context.Background(), "k", nil)
	assert.Error(t, err)
}

func TestStore_CreateAndUpdate(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			st := setupTestStore(t, backend)
			ctx := context.Background()

			err := st.Update(ctx, "k", "v0")
			assert.ErrorIs(t, err, storage.ErrNotFound)

			require.NoError(t, st.Create(ctx, "k", "v1"))
			err = st.Create(ctx, "k", "v2")
			assert.ErrorIs(t, err, storage.ErrDuplicateKey)

			require.NoError(t, st.Update(ctx, "k", "v3"))
			v, err := st.Fetch(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "v3", v)
		})
	}
}

func TestStore_CheckThenWrite(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			st := setupTestStore(t, backend, WithCheckThenWrite())
			ctx := context.Background()

			require.NoError(t, st.Save(ctx, "k", "v1"))
			require.NoError(t, st.Save(ctx, "k", "v2"))
			v, err := st.Fetch(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "v2", v)
		})
	}
}

func TestStore_SaveUsesSingleUpsert(t *testing.T) {
	engine := newTestEngine()
	st := New(engine)
	defer st.Close(context.Background())
	ctx := context.Background()

	require.NoError(t, st.Save(ctx, "k", 1))
	require.NoError(t, st.Save(ctx, "k", 2))

	assert.Equal(t, int32(2), engine.upsertCalls.Load())
	assert.Equal(t, int32(0), engine.selectCalls.Load(), "save must not read before writing")
}

func TestStore_ConcurrentFirstSaves(t *testing.T) {
	st := setupTestStore(t, storage.BackendSQLite)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- st.Save(ctx, "shared", map[string]any{"writer": i})
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	exists, err := st.Exists(ctx, "shared")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestStore_SerializationErrors(t *testing.T) {
	st := setupTestStore(t, storage.BackendMemory)
	ctx := context.Background()

	err := st.Save(ctx, "k", make(chan int))
	var serr *SerializationError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "encode", serr.Op)
	assert.Equal(t, "k", serr.Key)

	_, err = decodeValue(storage.Record{Key: "bad", Encoding: storage.EncodingText, Data: []byte("{oops")})
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "decode", serr.Op)
	assert.Equal(t, "bad", serr.Key)
}

func TestStore_CorruptStoredText(t *testing.T) {
	ctx := context.Background()
	engine, err := storage.NewSQLiteEngine(filepath.Join(t.TempDir(), "corrupt.db"), storage.DefaultSchema)
	require.NoError(t, err)
	st := New(engine)
	defer st.Close(ctx)
	require.NoError(t, st.Ready(ctx))

	// Bypass the codec to plant text that is not JSON.
	require.NoError(t, engine.Upsert(ctx, "k", []byte("not-json")))

	_, err = st.Fetch(ctx, "k")
	var serr *SerializationError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "decode", serr.Op)

	_, err = st.Exists(ctx, "k")
	assert.ErrorAs(t, err, &serr)
}

func TestStore_StoredNullReadsAsAbsent(t *testing.T) {
	st := setupTestStore(t, storage.BackendSQLite)
	ctx := context.Background()

	require.NoError(t, st.Save(ctx, "k", nil))
	v, err := st.Fetch(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, v)

	exists, err := st.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStore_FetchIntoStoredNull(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			st := setupTestStore(t, backend)
			ctx := context.Background()
			require.NoError(t, st.Save(ctx, "k", nil))

			dst := map[string]any{"untouched": true}
			found, err := st.FetchInto(ctx, "k", &dst)
			require.NoError(t, err)
			assert.False(t, found)
			assert.Equal(t, map[string]any{"untouched": true}, dst)
		})
	}
}

func TestStore_LogsTableOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	st := New(newTestEngine(), WithLogger(logger))
	defer st.Close(context.Background())
	require.NoError(t, st.Ready(context.Background()))

	line := buf.String()
	assert.Contains(t, line, "table created")
	assert.Equal(t, 1, strings.Count(line, "table=urls"))
}

func TestStore_InitFailureIsSticky(t *testing.T) {
	engine := newTestEngine()
	boom := errors.New("disk on fire")
	engine.existsErr = boom

	st := New(engine)
	defer st.Close(context.Background())
	ctx := context.Background()

	err := st.Ready(ctx)
	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, readiness.Failed, st.State())

	ops := map[string]func() error{
		"save":   func() error { return st.Save(ctx, "k", 1) },
		"create": func() error { return st.Create(ctx, "k", 1) },
		"update": func() error { return st.Update(ctx, "k", 1) },
		"fetch":  func() error { _, err := st.Fetch(ctx, "k"); return err },
		"into":   func() error { var v any; _, err := st.FetchInto(ctx, "k", &v); return err },
		"exists": func() error { _, err := st.Exists(ctx, "k"); return err },
		"delete": func() error { return st.Delete(ctx, "k") },
	}
	for name, op := range ops {
		got := op()
		assert.Same(t, initErr, got, name)
	}

	assert.Equal(t, int32(1), engine.existsCalls.Load(), "preparation must never be retried")
	assert.Equal(t, int32(0), engine.createCalls.Load())
	assert.Equal(t, int32(0), engine.selectCalls.Load())
	assert.Equal(t, int32(0), engine.upsertCalls.Load())
}

func TestStore_OperationsWaitForInit(t *testing.T) {
	engine := newTestEngine()
	engine.release = make(chan struct{})

	st := New(engine)
	defer st.Close(context.Background())
	ctx := context.Background()
	assert.Equal(t, readiness.Initializing, st.State())

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- st.Save(ctx, uuid.NewString(), i)
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), engine.upsertCalls.Load(), "no engine writes before readiness")

	close(engine.release)
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(n), engine.upsertCalls.Load())
	assert.Equal(t, int32(1), engine.createCalls.Load())
	assert.Equal(t, n, engine.Len())
}

func TestStore_ExistingTableNotRecreated(t *testing.T) {
	engine := newTestEngine()
	require.NoError(t, engine.MemoryEngine.CreateTable(context.Background()))

	st := New(engine)
	defer st.Close(context.Background())
	require.NoError(t, st.Ready(context.Background()))

	assert.Equal(t, int32(0), engine.createCalls.Load())
	assert.Equal(t, readiness.Ready, st.State())
}

func TestStore_ReadyHonoursContext(t *testing.T) {
	engine := newTestEngine()
	engine.release = make(chan struct{})
	defer close(engine.release)

	st := New(engine)
	defer st.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, st.Save(ctx, "k", 1), context.DeadlineExceeded)
}

func TestStore_CloseDuringInit(t *testing.T) {
	engine := newTestEngine()
	engine.release = make(chan struct{}) // never released

	st := New(engine)
	ctx := context.Background()

	waiter := make(chan error, 1)
	go func() { waiter <- st.Save(ctx, "k", 1) }()

	require.NoError(t, st.Close(ctx))
	assert.Equal(t, int32(1), engine.destroyCalls.Load())
	assert.Equal(t, readiness.Failed, st.State())

	select {
	case err := <-waiter:
		var initErr *InitError
		require.ErrorAs(t, err, &initErr)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("pending save never settled after Close")
	}
}

func TestStore_CloseAfterFailureAndTwice(t *testing.T) {
	engine := newTestEngine()
	engine.existsErr = errors.New("nope")

	st := New(engine)
	ctx := context.Background()
	require.Error(t, st.Ready(ctx))

	require.NoError(t, st.Close(ctx))
	require.NoError(t, st.Close(ctx))
	assert.Equal(t, int32(1), engine.destroyCalls.Load())
}

func TestStore_CloseErrorReported(t *testing.T) {
	engine := newTestEngine()
	engine.destroyErr = errors.New("busy")

	st := New(engine)
	ctx := context.Background()
	require.NoError(t, st.Ready(ctx))

	assert.ErrorIs(t, st.Close(ctx), engine.destroyErr)
	assert.Equal(t, readiness.Ready, st.State(), "close failure leaves gate state alone")
}

func TestStore_OperationsAfterClose(t *testing.T) {
	ctx := context.Background()
	engine := storage.NewMemoryEngine(storage.DefaultSchema)
	st := New(engine)
	require.NoError(t, st.Ready(ctx))
	require.NoError(t, st.Close(ctx))

	assert.ErrorIs(t, st.Save(ctx, "k", 1), storage.ErrClosed)
}

func TestStore_IndependentInstances(t *testing.T) {
	a := setupTestStore(t, storage.BackendMemory)
	b := setupTestStore(t, storage.BackendMemory)
	ctx := context.Background()

	require.NoError(t, a.Save(ctx, "k", "a"))
	v, err := b.Fetch(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, v)
}
