package diagnosis

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRecords(t *testing.T, path string, records []Record) {
	t.Helper()
	data, err := json.Marshal(records)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestWatchFileReimportsOnWrite(t *testing.T) {
	svc, _, _, _ := readyService(t)
	path := filepath.Join(t.TempDir(), "extra.json")
	writeRecords(t, path, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	imported := make(chan int, 4)
	done := make(chan error, 1)
	go func() {
		done <- svc.WatchFile(ctx, path, 50*time.Millisecond, func(n int, err error) {
			assert.NoError(t, err)
			imported <- n
		})
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeRecords(t, path, []Record{{Code: "ORPHA:558", Name: "Síndrome de Marfan bis", Symptoms: "aracnodactilia"}})

	select {
	case n := <-imported:
		assert.Equal(t, 1, n)
	case <-time.After(5 * time.Second):
		t.Fatal("file write did not trigger an import")
	}

	cs, err := svc.CollectionStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(6), cs.RowCount)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestWatchFileMissingDir(t *testing.T) {
	svc, _, _, _ := readyService(t)
	err := svc.WatchFile(context.Background(), filepath.Join(t.TempDir(), "nope", "r.json"), 0, nil)
	assert.Error(t, err)
}
