package replay

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/waves-tools/go-reproduce/entities"
)

func entry(key, valueType, value string) entities.DataEntry {
	return entities.DataEntry{Key: key, Type: valueType, Value: json.RawMessage(value)}
}

func TestProjection_Apply(t *testing.T) {
	testData := []struct {
		name     string
		entry    entities.DataEntry
		expected any
	}{
		{name: "integer", entry: entry("k", "integer", "9007199254740993"), expected: int64(9007199254740993)},
		{name: "negative integer", entry: entry("k", "integer", "-5"), expected: int64(-5)},
		{name: "boolean", entry: entry("k", "boolean", "true"), expected: true},
		{name: "string", entry: entry("k", "string", `"hello"`), expected: "hello"},
		{name: "binary", entry: entry("k", "binary", `"base64:AQID"`), expected: []byte{1, 2, 3}},
		{name: "empty binary", entry: entry("k", "binary", `"base64:"`), expected: []byte{}},
	}

	for _, testRun := range testData {
		t.Run(testRun.name, func(t *testing.T) {
			projection := NewProjection([]string{accountA})
			require.NoError(t, projection.Apply(accountA, []entities.DataEntry{testRun.entry}))

			value, ok := projection.Get(accountA, "k")
			require.True(t, ok)
			assert.Equal(t, testRun.expected, value)
		})
	}
}

func TestProjection_Apply_delete(t *testing.T) {
	projection := NewProjection([]string{accountA})
	require.NoError(t, projection.Apply(accountA, []entities.DataEntry{
		entry("kept", "string", `"v"`),
		entry("removed", "integer", "1"),
		entry("typed delete", "boolean", "false"),
	}))
	require.NoError(t, projection.Apply(accountA, []entities.DataEntry{
		entry("removed", "", "null"),
		entry("typed delete", "boolean", "null"),
		entry("never set", "", "null"),
	}))

	assert.Equal(t, map[string]any{"kept": "v"}, projection.Account(accountA))
}

func TestProjection_Apply_untracked(t *testing.T) {
	projection := NewProjection([]string{accountA, accountB})
	require.NoError(t, projection.Apply(accountC, []entities.DataEntry{entry("k", "integer", "1")}))

	_, ok := projection.Get(accountC, "k")
	assert.False(t, ok)
	assert.Equal(t, []string{accountA, accountB}, projection.Accounts())
}

func TestProjection_Apply_invalid(t *testing.T) {
	testData := []struct {
		name  string
		entry entities.DataEntry
	}{
		{name: "unknown type", entry: entry("k", "list", "[]")},
		{name: "integer as string", entry: entry("k", "integer", `"1"`)},
		{name: "bad base64", entry: entry("k", "binary", `"base64:%%%"`)},
	}

	for _, testRun := range testData {
		t.Run(testRun.name, func(t *testing.T) {
			projection := NewProjection([]string{accountA})
			err := projection.Apply(accountA, []entities.DataEntry{testRun.entry})
			assert.ErrorIs(t, err, entities.ErrCorruptRecord)
		})
	}
}

func TestProjection_Account_isCopy(t *testing.T) {
	projection := NewProjection([]string{accountA})
	require.NoError(t, projection.Apply(accountA, []entities.DataEntry{entry("k", "integer", "1")}))

	storage := projection.Account(accountA)
	storage["k"] = int64(2)

	value, _ := projection.Get(accountA, "k")
	assert.Equal(t, int64(1), value)
}
