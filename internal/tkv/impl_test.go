package tkv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"
)

type testTKV struct {
	tkv TKV
	dir string
}

func (t *testTKV) Cleanup() error {
	t.tkv.Close()
	return os.RemoveAll(t.dir)
}

func createTestTKV(ctx context.Context) (*testTKV, error) {
	dir, err := os.MkdirTemp(os.TempDir(), "tkv_test_*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir for test: %w", err)
	}

	tkv, err := New(Config{
		Logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		})),
		Directory: dir,
		AppCtx:    ctx,
	})
	if err != nil {
		return nil, err
	}
	return &testTKV{tkv: tkv, dir: dir}, nil
}

// -------------------------- TESTS

func TestTKV_GetSetDelete(t *testing.T) {
	tkvTest, err := createTestTKV(context.Background())
	if err != nil {
		t.Fatalf("Failed to create test TKV: %v", err)
	}
	defer tkvTest.Cleanup()

	t.Run("Set and Get basic value", func(t *testing.T) {
		if err := tkvTest.tkv.Set("k1", "v1"); err != nil {
			t.Errorf("Set() error = %v, wantErr nil", err)
		}
		got, err := tkvTest.tkv.Get("k1")
		if err != nil {
			t.Errorf("Get() error = %v, wantErr nil", err)
		}
		if got != "v1" {
			t.Errorf("Get() got = %v, want %v", got, "v1")
		}
	})

	t.Run("Get non-existent key", func(t *testing.T) {
		_, err := tkvTest.tkv.Get("missing")
		var keyNotFound *ErrKeyNotFound
		if !errors.As(err, &keyNotFound) {
			t.Fatalf("Get() expected ErrKeyNotFound, got %T", err)
		}
		if keyNotFound.Key != "missing" {
			t.Errorf("ErrKeyNotFound.Key got = %s, want %s", keyNotFound.Key, "missing")
		}
	})

	t.Run("Delete existing key", func(t *testing.T) {
		if err := tkvTest.tkv.Set("gone", "soon"); err != nil {
			t.Fatalf("Setup: Set() error = %v", err)
		}
		if err := tkvTest.tkv.Delete("gone"); err != nil {
			t.Errorf("Delete() error = %v, wantErr nil", err)
		}
		_, err := tkvTest.tkv.Get("gone")
		if !errors.As(err, new(*ErrKeyNotFound)) {
			t.Errorf("Get() after Delete expected ErrKeyNotFound, got %v", err)
		}
	})

	t.Run("Delete non-existent key", func(t *testing.T) {
		if err := tkvTest.tkv.Delete("never-there"); err != nil {
			t.Errorf("Delete() of non-existent key error = %v, wantErr nil", err)
		}
	})
}

func TestTKV_SetNX(t *testing.T) {
	tkvTest, err := createTestTKV(context.Background())
	if err != nil {
		t.Fatalf("Failed to create test TKV: %v", err)
	}
	defer tkvTest.Cleanup()

	if err := tkvTest.tkv.SetNX("once", "first"); err != nil {
		t.Fatalf("SetNX() error = %v", err)
	}
	err = tkvTest.tkv.SetNX("once", "second")
	var exists *ErrKeyExists
	if !errors.As(err, &exists) {
		t.Fatalf("SetNX() on existing key expected ErrKeyExists, got %v", err)
	}
	got, _ := tkvTest.tkv.Get("once")
	if got != "first" {
		t.Errorf("SetNX() overwrote value, got %q", got)
	}
}

func TestTKV_Iterate(t *testing.T) {
	tkvTest, err := createTestTKV(context.Background())
	if err != nil {
		t.Fatalf("Failed to create test TKV: %v", err)
	}
	defer tkvTest.Cleanup()

	for i := 0; i < 5; i++ {
		tkvTest.tkv.Set(fmt.Sprintf("req:%d", i), strconv.Itoa(i))
	}
	tkvTest.tkv.Set("other:1", "x")

	tests := []struct {
		name   string
		offset int
		limit  int
		want   []string
	}{
		{"all", 0, 0, []string{"0", "1", "2", "3", "4"}},
		{"limit", 0, 2, []string{"0", "1"}},
		{"offset", 3, 0, []string{"3", "4"}},
		{"offset and limit", 1, 2, []string{"1", "2"}},
		{"past end", 10, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := tkvTest.tkv.Iterate("req:", tt.offset, tt.limit)
			if err != nil {
				t.Fatalf("Iterate() error = %v", err)
			}
			var got []string
			for _, e := range entries {
				got = append(got, e.Value)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("Iterate() got = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTKV_Update(t *testing.T) {
	tkvTest, err := createTestTKV(context.Background())
	if err != nil {
		t.Fatalf("Failed to create test TKV: %v", err)
	}
	defer tkvTest.Cleanup()

	t.Run("missing key", func(t *testing.T) {
		err := tkvTest.tkv.Update("nope", func(string) (string, bool, error) { return "x", false, nil })
		if !errors.As(err, new(*ErrKeyNotFound)) {
			t.Errorf("Update() expected ErrKeyNotFound, got %v", err)
		}
	})

	t.Run("mutator error passes through", func(t *testing.T) {
		tkvTest.tkv.Set("keep", "same")
		sentinel := errors.New("refused")
		err := tkvTest.tkv.Update("keep", func(string) (string, bool, error) { return "changed", false, sentinel })
		if !errors.Is(err, sentinel) {
			t.Errorf("Update() expected sentinel error, got %v", err)
		}
		got, _ := tkvTest.tkv.Get("keep")
		if got != "same" {
			t.Errorf("Update() applied a refused change, got %q", got)
		}
	})

	t.Run("remove", func(t *testing.T) {
		tkvTest.tkv.Set("drop", "v")
		if err := tkvTest.tkv.Update("drop", func(string) (string, bool, error) { return "", true, nil }); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		if _, err := tkvTest.tkv.Get("drop"); !errors.As(err, new(*ErrKeyNotFound)) {
			t.Errorf("expected key removed, got %v", err)
		}
	})

	t.Run("concurrent increments are not lost", func(t *testing.T) {
		tkvTest.tkv.Set("counter", "0")
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 5; j++ {
					err := tkvTest.tkv.Update("counter", func(cur string) (string, bool, error) {
						n, _ := strconv.Atoi(cur)
						return strconv.Itoa(n + 1), false, nil
					})
					if err != nil {
						t.Errorf("Update() error = %v", err)
					}
				}
			}()
		}
		wg.Wait()
		got, _ := tkvTest.tkv.Get("counter")
		if got != "40" {
			t.Errorf("counter got = %s, want 40", got)
		}
	})
}

func TestTKV_TakeHasSingleWinner(t *testing.T) {
	tkv, err := New(Config{InMemory: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer tkv.Close()

	tkv.Set("result", "done")

	var (
		mu      sync.Mutex
		winners int
		wg      sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, taken, err := tkv.Take("result", func(v string) bool { return v == "done" })
			if err != nil && !errors.As(err, new(*ErrKeyNotFound)) {
				t.Errorf("Take() error = %v", err)
			}
			if taken {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Errorf("Take() winners = %d, want 1", winners)
	}

	tkv.Set("pending", "working")
	value, taken, err := tkv.Take("pending", func(v string) bool { return v == "done" })
	if err != nil || taken || value != "working" {
		t.Errorf("Take() of unaccepted value = (%q, %v, %v)", value, taken, err)
	}
	if _, err := tkv.Get("pending"); err != nil {
		t.Errorf("unaccepted value should remain, got %v", err)
	}
}

func TestTKV_GCFollowsAppContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := New(Config{
		Logger:     slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn})),
		Directory:  t.TempDir(),
		AppCtx:     ctx,
		GCInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	for i := 0; i < 50; i++ {
		key := "gc" + strconv.Itoa(i)
		if err := store.Set(key, "value"); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		if err := store.Delete(key); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
	}
	time.Sleep(30 * time.Millisecond)

	cancel()
	select {
	case <-store.(*tkv).gcDone:
	case <-time.After(2 * time.Second):
		t.Fatal("value log gc still running after the app context ended")
	}

	// The store itself stays usable until its owner closes it.
	if err := store.Set("after", "cancel"); err != nil {
		t.Errorf("Set() after cancel error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestTKV_CloseStopsGC(t *testing.T) {
	store, err := New(Config{
		Logger:     slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn})),
		Directory:  t.TempDir(),
		AppCtx:     context.Background(),
		GCInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	closed := make(chan error, 1)
	go func() { closed <- store.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("Close() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close() did not return")
	}
	select {
	case <-store.(*tkv).gcDone:
	default:
		t.Error("value log gc still running after Close")
	}
}
