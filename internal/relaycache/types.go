// Package relaycache keeps a local mirror of Notion-backed task, project, member, team and
// client records coherent with the source of record.
package relaycache

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

type EntityType string

const (
	EntityTask    EntityType = "task"
	EntityProject EntityType = "project"
	EntityMember  EntityType = "member"
	EntityTeam    EntityType = "team"
	EntityClient  EntityType = "client"
)

var AllEntityTypes = []EntityType{EntityTask, EntityProject, EntityMember, EntityTeam, EntityClient}

func (t EntityType) Valid() bool {
	switch t {
	case EntityTask, EntityProject, EntityMember, EntityTeam, EntityClient:
		return true
	default:
		return false
	}
}

func ParseEntityType(raw string) (EntityType, error) {
	t := EntityType(strings.ToLower(strings.TrimSpace(raw)))
	if !t.Valid() {
		return "", invalidInput("unknown entity type", "entity_type", raw)
	}
	return t, nil
}

const (
	FieldID                  = "id"
	DefaultLastModifiedField = "lastModified"

	MarkerPendingSync      = "_pendingSync"
	MarkerTemporary        = "_temporary"
	MarkerSyncError        = "_syncError"
	MarkerSyncErrorMessage = "_syncErrorMessage"

	TemporaryIDPrefix = "temp-"
)

func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TemporaryIDPrefix)
}

// Snapshot is a point-in-time view of one entity. Snapshots are replaced, never edited: every
// helper that changes fields returns a new map.
type Snapshot map[string]any

func (s Snapshot) ID() string {
	return s.String(FieldID)
}

func (s Snapshot) String(field string) string {
	if s == nil {
		return ""
	}
	switch v := s[field].(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// StringSlice reads a relation list. It accepts []string, []any of strings and a single string.
func (s Snapshot) StringSlice(field string) []string {
	if s == nil {
		return nil
	}
	switch v := s[field].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok && str != "" {
				out = append(out, str)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}

func (s Snapshot) Bool(field string) bool {
	if s == nil {
		return false
	}
	v, _ := s[field].(bool)
	return v
}

func (s Snapshot) IsProvisional() bool {
	return s.Bool(MarkerPendingSync)
}

// With returns a copy of s with updates laid over it.
func (s Snapshot) With(updates map[string]any) Snapshot {
	out := s.Clone()
	if out == nil {
		out = Snapshot{}
	}
	for k, v := range updates {
		out[k] = cloneValue(v)
	}
	return out
}

// Without returns a copy of s with the given fields removed.
func (s Snapshot) Without(fields ...string) Snapshot {
	out := s.Clone()
	for _, f := range fields {
		delete(out, f)
	}
	return out
}

func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = cloneValue(v)
	}
	return out
}

func (s Snapshot) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case Snapshot:
		return typed.Clone()
	case map[string]any:
		return map[string]any(Snapshot(typed).Clone())
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), typed...)
	default:
		return v
	}
}

func decodeSnapshot(data []byte) (Snapshot, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return snap, nil
}
