// Package resolver merges divergent local and remote versions of a record.
// Every policy is a pure function of its two inputs: no clock, no I/O.
package resolver

import (
	"bytes"
	"fmt"
	"time"

	"github.com/msconstructor/data-sync/store"
)

const (
	PolicyRemoteWins = "remote_wins"
	PolicyFieldMerge = "field_merge"
)

type Resolver interface {
	Resolve(local, remote store.Record) store.Record
}

// Func adapts a plain function to Resolver.
type Func func(local, remote store.Record) store.Record

func (f Func) Resolve(local, remote store.Record) store.Record {
	return f(local, remote)
}

// ForPolicy returns the resolver configured by name. An empty name selects
// remote-wins.
func ForPolicy(name string) (Resolver, error) {
	switch name {
	case "", PolicyRemoteWins, "server_wins":
		return Func(RemoteWins), nil
	case PolicyFieldMerge:
		return Func(FieldMerge), nil
	default:
		return nil, fmt.Errorf("unknown conflict policy %q", name)
	}
}

// RemoteWins keeps the record with the higher version. At equal versions with
// different content the later updatedAt wins; remaining ties are broken by
// the canonical payload encoding and then by preferring the tombstone, so the
// outcome does not depend on which side is called local.
func RemoteWins(local, remote store.Record) store.Record {
	winner := remote
	if !prefer(remote, local) {
		winner = local
	}
	merged := winner.Clone()
	merged.ID = local.ID
	merged.CreatedAt = earliest(local, remote)
	merged.Version = settleVersion(merged, local, remote)
	return merged
}

// FieldMerge combines both payloads key by key. Keys present on one side only
// are kept; keys present on both take the value of the side RemoteWins would
// pick. A tombstone on the preferred side deletes the record; a tombstone on
// the other side is overridden by the surviving edits.
func FieldMerge(local, remote store.Record) store.Record {
	winner, loser := remote, local
	if !prefer(remote, local) {
		winner, loser = local, remote
	}
	merged := winner.Clone()
	merged.ID = local.ID
	merged.CreatedAt = earliest(local, remote)
	if loser.UpdatedAt.After(merged.UpdatedAt) {
		merged.UpdatedAt = loser.UpdatedAt
	}
	if !winner.Tombstone && !loser.Tombstone {
		payload := loser.Payload.Clone()
		if payload == nil {
			payload = store.Map{}
		}
		for k, v := range merged.Payload {
			payload[k] = v
		}
		merged.Payload = payload
	}
	merged.Version = settleVersion(merged, local, remote)
	return merged
}

// prefer reports whether a should win over b.
func prefer(a, b store.Record) bool {
	if a.Version != b.Version {
		return a.Version > b.Version
	}
	if a.SameContent(b) {
		return true
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	if a.ID != b.ID {
		return a.ID > b.ID
	}
	if c := bytes.Compare(encode(a), encode(b)); c != 0 {
		return c > 0
	}
	return a.Tombstone
}

// settleVersion never returns less than either input. Content equal to the
// remote copy keeps the remote version so that backend already holds it;
// anything else new gets a version above both.
func settleVersion(merged, local, remote store.Record) int64 {
	switch {
	case merged.SameContent(remote) && remote.Version >= local.Version:
		return remote.Version
	case merged.SameContent(local) && local.Version > remote.Version:
		return local.Version
	default:
		return max(local.Version, remote.Version) + 1
	}
}

func earliest(a, b store.Record) time.Time {
	switch {
	case a.CreatedAt.IsZero():
		return b.CreatedAt
	case b.CreatedAt.IsZero():
		return a.CreatedAt
	case b.CreatedAt.Before(a.CreatedAt):
		return b.CreatedAt
	default:
		return a.CreatedAt
	}
}

func encode(r store.Record) []byte {
	p := r.Payload
	if p == nil {
		p = store.Map{}
	}
	b, err := store.MarshalValue(p)
	if err != nil {
		return nil
	}
	return b
}
