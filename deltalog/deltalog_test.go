package deltalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionJSONRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		action Action
	}{
		{"add", AddAction(Add{Path: "part-1.json", Size: 100, DataChange: true})},
		{"remove", RemoveAction(Remove{Path: "part-1.json", DeletionTimestamp: 5})},
		{"metaData", MetaDataAction(MetaData{Id: "t1", Format: "json", SchemaString: `{"type":"struct"}`})},
		{"protocol", ProtocolAction(Protocol{MinReaderVersion: 1, MinWriterVersion: 2})},
		{"commitInfo", CommitInfoAction(CommitInfo{Timestamp: 1, Operation: "WRITE"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := SerializeCommit([]Action{tt.action})
			require.NoError(t, err)
			actions, err := ParseCommit(data)
			require.NoError(t, err)
			require.Len(t, actions, 1)
			kind, ok := actions[0].Kind()
			require.True(t, ok)
			wantKind, _ := tt.action.Kind()
			assert.Equal(t, wantKind, kind)
		})
	}
}

func TestParseCommitToleratesCRLFAndBlankLines(t *testing.T) {
	raw := []byte("{\"add\":{\"path\":\"a.json\",\"size\":1}}\r\n\r\n{\"remove\":{\"path\":\"b.json\"}}\r\n")
	actions, err := ParseCommit(raw)
	require.NoError(t, err)
	require.Len(t, actions, 2)
}

func TestActionValidatePathContract(t *testing.T) {
	tests := []struct {
		name    string
		action  Action
		wantErr bool
	}{
		{"valid relative path", AddAction(Add{Path: "a/b.json"}), false},
		{"empty path", AddAction(Add{Path: ""}), true},
		{"absolute path", AddAction(Add{Path: "/a/b.json"}), true},
		{"dot-slash prefix", AddAction(Add{Path: "./a.json"}), true},
		{"traversal segment", AddAction(Add{Path: "a/../b.json"}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := tt.action.Validate()
			if tt.wantErr {
				assert.NotEmpty(t, errs)
			} else {
				assert.Empty(t, errs)
			}
		})
	}
}

func TestStatsValidate(t *testing.T) {
	tests := []struct {
		name    string
		stats   Stats
		wantErr bool
	}{
		{"ok", Stats{NumRecords: 10, NullCount: map[string]int64{"c": 5}}, false},
		{"negative numRecords", Stats{NumRecords: -1}, true},
		{"nullCount exceeds numRecords", Stats{NumRecords: 2, NullCount: map[string]int64{"c": 5}}, true},
		{"negative nullCount", Stats{NumRecords: 5, NullCount: map[string]int64{"c": -1}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := tt.stats.Validate()
			if tt.wantErr {
				assert.NotEmpty(t, errs)
			} else {
				assert.Empty(t, errs)
			}
		})
	}
}

func TestFormatAndParseVersion(t *testing.T) {
	formatted := FormatVersion(42)
	assert.Equal(t, "00000000000000000042", formatted)
	v, err := ParseVersion(formatted + ".json")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
}

func TestParseVersionRejectsBadFilenames(t *testing.T) {
	tests := []string{
		"42.json",
		"00000000000000000042.txt",
		"0000000000000000004X.json",
	}
	for _, name := range tests {
		_, err := ParseVersion(name)
		assert.Error(t, err, name)
	}
}

func TestLogPathAndCheckpointPath(t *testing.T) {
	assert.Equal(t, "mytable/_delta_log/00000000000000000001.json", LogPath("mytable", 1))
	assert.Equal(t, "mytable/_delta_log/00000000000000000001.checkpoint.parquet", CheckpointPath("mytable", 1))
	assert.Equal(t, "mytable/_delta_log/00000000000000000001.json", LogPath("mytable/", 1))
}

func TestActionKindUnset(t *testing.T) {
	var a Action
	_, ok := a.Kind()
	assert.False(t, ok)
	_, err := a.MarshalJSON()
	assert.Error(t, err)
}
