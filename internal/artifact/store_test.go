package artifact

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_RoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())

	id, err := store.StoreText("agent_message", "step 1 complete", map[string]string{"agent": "iss-42"})
	require.NoError(t, err)
	assert.Regexp(t, `^\d+-[0-9a-f]{8}$`, id)

	text, total, err := store.LoadText(id, 0)
	require.NoError(t, err)
	assert.Equal(t, "step 1 complete", text)
	assert.Equal(t, len("step 1 complete"), total)
}

func TestStore_Truncation(t *testing.T) {
	store := NewStore(t.TempDir())

	id, err := store.StoreText("agent_complete", "abcdefghij", nil)
	require.NoError(t, err)

	text, total, err := store.LoadText(id, 4)
	require.NoError(t, err)
	assert.Equal(t, "abcd", text)
	assert.Equal(t, 10, total)
}

func TestStore_UniqueIDs(t *testing.T) {
	store := NewStore(t.TempDir())

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		id, err := store.StoreText("agent_message", "x", nil)
		require.NoError(t, err)
		assert.False(t, seen[id], "artifact id %s reused", id)
		seen[id] = true
	}
}

func TestStore_IndexAppendOnly(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	first, err := store.StoreText("agent_message", "one", nil)
	require.NoError(t, err)
	second, err := store.StoreText("agent_complete", "two", nil)
	require.NoError(t, err)

	f, err := os.Open(filepath.Join(dir, "artifacts", "index.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var records []IndexRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec IndexRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}

	require.Len(t, records, 2)
	assert.Equal(t, first, records[0].ID)
	assert.Equal(t, "agent_message", records[0].Kind)
	assert.Equal(t, second, records[1].ID)
}

func TestStore_InvalidID(t *testing.T) {
	store := NewStore(t.TempDir())

	_, _, err := store.LoadText("../../etc/passwd", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid artifact id")

	_, _, err = store.LoadText("123-nothex!!", 0)
	assert.Error(t, err)
}
