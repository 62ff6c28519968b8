/*
Copyright (C) 2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package deltalog implements the Delta-Lake-compatible transaction log
// (spec §4.3): NDJSON action records (add, remove, metaData, protocol,
// commitInfo), 20-digit zero-padded version filenames, and a validator
// enforcing the path/stats contract. Grounded on the teacher's
// tag-plus-payload line encoding in storage/persistence-s3.go
// (s3EncDelete/s3EncInsert), generalized to Delta Lake's action schema.
package deltalog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ActionKind tags the concrete action carried in one NDJSON line.
type ActionKind string

const (
	KindAdd        ActionKind = "add"
	KindRemove     ActionKind = "remove"
	KindMetaData   ActionKind = "metaData"
	KindProtocol   ActionKind = "protocol"
	KindCommitInfo ActionKind = "commitInfo"
)

// Stats carries per-file statistics for an Add action.
type Stats struct {
	NumRecords int64            `json:"numRecords"`
	MinValues  map[string]any   `json:"minValues,omitempty"`
	MaxValues  map[string]any   `json:"maxValues,omitempty"`
	NullCount  map[string]int64 `json:"nullCount,omitempty"`
}

// Validate enforces numRecords >= 0 and 0 <= nullCount[c] <= numRecords.
func (s Stats) Validate() []string {
	var errs []string
	if s.NumRecords < 0 {
		errs = append(errs, "numRecords must be >= 0")
	}
	for col, n := range s.NullCount {
		if n < 0 {
			errs = append(errs, fmt.Sprintf("nullCount[%s] must be >= 0", col))
		}
		if n > s.NumRecords {
			errs = append(errs, fmt.Sprintf("nullCount[%s] (%d) must be <= numRecords (%d)", col, n, s.NumRecords))
		}
	}
	return errs
}

// Add records a new data file.
type Add struct {
	Path             string         `json:"path"`
	Size             int64          `json:"size"`
	ModificationTime int64          `json:"modificationTime"`
	DataChange       bool           `json:"dataChange"`
	PartitionValues  map[string]string `json:"partitionValues,omitempty"`
	Stats            *Stats         `json:"stats,omitempty"`
}

// Remove records the logical removal of a data file.
type Remove struct {
	Path              string            `json:"path"`
	DeletionTimestamp int64             `json:"deletionTimestamp"`
	DataChange        bool              `json:"dataChange"`
	Size              int64             `json:"size,omitempty"`
	PartitionValues   map[string]string `json:"partitionValues,omitempty"`
}

// MetaData defines table identity, schema, and partitioning.
type MetaData struct {
	Id               string   `json:"id"`
	Name             string   `json:"name,omitempty"`
	Format           string   `json:"format"`
	SchemaString     string   `json:"schemaString"`
	PartitionColumns []string `json:"partitionColumns,omitempty"`
	CreatedTime      int64    `json:"createdTime,omitempty"`
}

// Protocol declares the minimum reader/writer protocol versions.
type Protocol struct {
	MinReaderVersion int `json:"minReaderVersion"`
	MinWriterVersion int `json:"minWriterVersion"`
}

func (p Protocol) Validate() []string {
	var errs []string
	if p.MinReaderVersion < 1 {
		errs = append(errs, "minReaderVersion must be >= 1")
	}
	if p.MinWriterVersion < 1 {
		errs = append(errs, "minWriterVersion must be >= 1")
	}
	return errs
}

// CommitInfo carries commit provenance.
type CommitInfo struct {
	Timestamp   int64             `json:"timestamp"`
	Operation   string            `json:"operation"`
	Parameters  map[string]string `json:"operationParameters,omitempty"`
	ReadVersion int64             `json:"readVersion"`
}

// Action is one line of a commit: exactly one of the pointer fields is set.
type Action struct {
	Add        *Add        `json:"-"`
	Remove     *Remove     `json:"-"`
	MetaData   *MetaData   `json:"-"`
	Protocol   *Protocol   `json:"-"`
	CommitInfo *CommitInfo `json:"-"`
}

func AddAction(a Add) Action               { return Action{Add: &a} }
func RemoveAction(r Remove) Action          { return Action{Remove: &r} }
func MetaDataAction(m MetaData) Action      { return Action{MetaData: &m} }
func ProtocolAction(p Protocol) Action      { return Action{Protocol: &p} }
func CommitInfoAction(c CommitInfo) Action  { return Action{CommitInfo: &c} }

// Kind reports which variant this action carries.
func (a Action) Kind() (ActionKind, bool) {
	switch {
	case a.Add != nil:
		return KindAdd, true
	case a.Remove != nil:
		return KindRemove, true
	case a.MetaData != nil:
		return KindMetaData, true
	case a.Protocol != nil:
		return KindProtocol, true
	case a.CommitInfo != nil:
		return KindCommitInfo, true
	default:
		return "", false
	}
}

// Validate applies the §4.3 path and stats contract. It does not mutate a.
func (a Action) Validate() []string {
	var errs []string
	switch {
	case a.Add != nil:
		errs = append(errs, validatePath(a.Add.Path)...)
		if a.Add.Size < 0 {
			errs = append(errs, "add.size must be >= 0")
		}
		if a.Add.Stats != nil {
			errs = append(errs, a.Add.Stats.Validate()...)
		}
	case a.Remove != nil:
		errs = append(errs, validatePath(a.Remove.Path)...)
		if a.Remove.DeletionTimestamp < 0 {
			errs = append(errs, "remove.deletionTimestamp must be >= 0")
		}
	case a.MetaData != nil:
		if a.MetaData.Id == "" {
			errs = append(errs, "metaData.id must not be empty")
		}
		if a.MetaData.SchemaString == "" {
			errs = append(errs, "metaData.schemaString must not be empty")
		}
		var js json.RawMessage
		if err := json.Unmarshal([]byte(a.MetaData.SchemaString), &js); err != nil {
			errs = append(errs, "metaData.schemaString must be valid JSON: "+err.Error())
		}
	case a.Protocol != nil:
		errs = append(errs, a.Protocol.Validate()...)
	case a.CommitInfo != nil:
		if a.CommitInfo.ReadVersion < 0 {
			errs = append(errs, "commitInfo.readVersion must be >= 0")
		}
	default:
		errs = append(errs, "action carries no variant")
	}
	return errs
}

func validatePath(p string) []string {
	var errs []string
	if p == "" {
		errs = append(errs, "path must not be empty")
		return errs
	}
	if strings.HasPrefix(p, "/") {
		errs = append(errs, "path must be relative")
	}
	if strings.HasPrefix(p, "./") {
		errs = append(errs, "path must not have a './' prefix")
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			errs = append(errs, "path must not contain '..' segments")
			break
		}
	}
	return errs
}

type wireEnvelope struct {
	Add        *Add        `json:"add,omitempty"`
	Remove     *Remove     `json:"remove,omitempty"`
	MetaData   *MetaData   `json:"metaData,omitempty"`
	Protocol   *Protocol   `json:"protocol,omitempty"`
	CommitInfo *CommitInfo `json:"commitInfo,omitempty"`
}

// MarshalJSON encodes the action as a single-key object, e.g. {"add": {...}}.
func (a Action) MarshalJSON() ([]byte, error) {
	if _, ok := a.Kind(); !ok {
		return nil, fmt.Errorf("deltalog: action carries no variant")
	}
	return json.Marshal(wireEnvelope{
		Add: a.Add, Remove: a.Remove, MetaData: a.MetaData,
		Protocol: a.Protocol, CommitInfo: a.CommitInfo,
	})
}

func (a *Action) UnmarshalJSON(data []byte) error {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	*a = Action{Add: env.Add, Remove: env.Remove, MetaData: env.MetaData, Protocol: env.Protocol, CommitInfo: env.CommitInfo}
	if _, ok := a.Kind(); !ok {
		return fmt.Errorf("deltalog: unrecognized action tag in %s", string(data))
	}
	return nil
}

// SerializeCommit encodes actions as NDJSON, one action per line, in order.
func SerializeCommit(actions []Action) ([]byte, error) {
	var buf bytes.Buffer
	for _, a := range actions {
		line, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// ParseCommit decodes NDJSON, tolerating CRLF line endings and blank lines.
func ParseCommit(data []byte) ([]Action, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var actions []Action
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimRight(scanner.Bytes(), "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var a Action
		if err := json.Unmarshal(line, &a); err != nil {
			return nil, fmt.Errorf("deltalog: line %d: %w", lineNo, err)
		}
		actions = append(actions, a)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return actions, nil
}

// versionWidth is the fixed filename width required by §4.3.
const versionWidth = 20

// FormatVersion renders version as a 20-digit zero-padded decimal filename
// stem, e.g. "00000000000000000042".
func FormatVersion(version int64) string {
	return fmt.Sprintf("%0*d", versionWidth, version)
}

// LogPath returns "<table>/_delta_log/<version>.json".
func LogPath(table string, version int64) string {
	return strings.TrimSuffix(table, "/") + "/_delta_log/" + FormatVersion(version) + ".json"
}

// CheckpointPath returns "<table>/_delta_log/<version>.checkpoint.parquet".
func CheckpointPath(table string, version int64) string {
	return strings.TrimSuffix(table, "/") + "/_delta_log/" + FormatVersion(version) + ".checkpoint.parquet"
}

// ParseVersion extracts the version from a log filename (just the base
// name, e.g. "00000000000000000042.json"), rejecting any width other
// than 20 digits or a non-".json" suffix.
func ParseVersion(filename string) (int64, error) {
	if !strings.HasSuffix(filename, ".json") {
		return 0, fmt.Errorf("deltalog: %q does not have a .json suffix", filename)
	}
	stem := strings.TrimSuffix(filename, ".json")
	if len(stem) != versionWidth {
		return 0, fmt.Errorf("deltalog: %q version stem must be exactly %d digits, got %d", filename, versionWidth, len(stem))
	}
	for _, r := range stem {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("deltalog: %q version stem must be all digits", filename)
		}
	}
	v, err := strconv.ParseInt(stem, 10, 64)
	if err != nil {
		return 0, err
	}
	return v, nil
}
