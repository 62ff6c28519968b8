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

// Package event defines the immutable CDC event record, its ordering, and
// the entity/relationship target grammar (spec §3, §6).
package event

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/launix-de/kerndb/variant"
)

// Op identifies the kind of mutation an event records.
type Op uint8

const (
	Create Op = iota
	Update
	Delete
)

func (o Op) String() string {
	switch o {
	case Create:
		return "CREATE"
	case Update:
		return "UPDATE"
	case Delete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Event is an immutable CDC record. Equality is by Id.
type Event struct {
	Id       string
	Ts       int64 // milliseconds
	Op       Op
	Target   string        // "ns:id" or "ns:from:predicate:ns:to"
	Before   variant.Value // prior payload; variant.Null() if none
	After    variant.Value // new payload; variant.Null() if none
	Actor    string
	Metadata map[string]string
}

// Equal implements the spec's event-equality semantics: same id.
func (e Event) Equal(o Event) bool { return e.Id == o.Id }

// Less implements the spec ordering: by (ts, id) ascending, ties broken
// by id lexicographically.
func Less(a, b Event) bool {
	if a.Ts != b.Ts {
		return a.Ts < b.Ts
	}
	return a.Id < b.Id
}

// NewId returns a fresh event id: a random (version 4) UUID string from
// github.com/google/uuid, which reads its randomness from crypto/rand.
func NewId() string {
	return uuid.New().String()
}

// InvalidIdError is returned by Normalize on a malformed namespace/id.
type InvalidIdError struct {
	Namespace string
	LocalId   string
	Reason    string
}

func (e *InvalidIdError) Error() string {
	return fmt.Sprintf("invalid id (ns=%q, id=%q): %s", e.Namespace, e.LocalId, e.Reason)
}

// Normalize implements §6's normalize(ns, id): if id already contains a
// "/", it is treated as pre-qualified "<ns>/<local>" and validated; else
// the result is "<lowercase(ns)>/<id>".
func Normalize(ns, id string) (string, error) {
	if strings.Contains(id, "/") {
		parts := strings.SplitN(id, "/", 2)
		if parts[0] == "" || parts[1] == "" {
			return "", &InvalidIdError{ns, id, "qualified id must have non-empty namespace and local-id"}
		}
		return parts[0] + "/" + parts[1], nil
	}
	if ns == "" {
		return "", &InvalidIdError{ns, id, "empty namespace"}
	}
	if id == "" {
		return "", &InvalidIdError{ns, id, "empty local-id"}
	}
	return strings.ToLower(ns) + "/" + id, nil
}

// InvalidTargetError is returned by ParseTarget/ParseRelationshipTarget.
type InvalidTargetError struct {
	Target string
	Reason string
}

func (e *InvalidTargetError) Error() string {
	return fmt.Sprintf("invalid target %q: %s", e.Target, e.Reason)
}

// EntityTarget holds the parsed "<ns>:<local-id>" entity target.
type EntityTarget struct {
	Namespace string
	LocalId   string
}

func validNamespace(ns string) bool {
	return ns != "" && ns[0] != '_' && ns[0] != '$'
}

// ParseEntityTarget parses and validates an entity target string.
func ParseEntityTarget(target string) (EntityTarget, error) {
	idx := strings.Index(target, ":")
	if idx < 0 {
		return EntityTarget{}, &InvalidTargetError{target, "missing ':' separator"}
	}
	ns, local := target[:idx], target[idx+1:]
	if !validNamespace(ns) {
		return EntityTarget{}, &InvalidTargetError{target, "namespace must not be empty or start with '_'/'$'"}
	}
	if local == "" {
		return EntityTarget{}, &InvalidTargetError{target, "local-id must not be empty"}
	}
	return EntityTarget{Namespace: ns, LocalId: local}, nil
}

// RelationshipTarget holds the parsed "<nsFrom>:<idFrom>:<predicate>:<nsTo>:<idTo>" target.
type RelationshipTarget struct {
	FromNamespace string
	FromId        string
	Predicate     string
	ToNamespace   string
	ToId          string
}

// ParseRelationshipTarget parses and validates a relationship target
// string. The target is split at its first four ':' delimiters into five
// fields; local-ids may contain slashes, and any further ':' stays part
// of the to local-id.
func ParseRelationshipTarget(target string) (RelationshipTarget, error) {
	parts := strings.SplitN(target, ":", 5)
	if len(parts) != 5 {
		return RelationshipTarget{}, &InvalidTargetError{target, "expected 5 ':'-separated fields"}
	}
	nsFrom, idFrom, pred, nsTo, idTo := parts[0], parts[1], parts[2], parts[3], parts[4]
	if !validNamespace(nsFrom) || !validNamespace(nsTo) {
		return RelationshipTarget{}, &InvalidTargetError{target, "namespace must not be empty or start with '_'/'$'"}
	}
	if idFrom == "" || idTo == "" || pred == "" {
		return RelationshipTarget{}, &InvalidTargetError{target, "from-id, predicate, and to-id must not be empty"}
	}
	return RelationshipTarget{nsFrom, idFrom, pred, nsTo, idTo}, nil
}

// IsRelationshipTarget reports whether target looks like a relationship
// target (four ':' separators) rather than an entity target (one).
func IsRelationshipTarget(target string) bool {
	return strings.Count(target, ":") >= 4
}
