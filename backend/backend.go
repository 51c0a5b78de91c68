// Package backend defines the Backend Adapter (C2): the polymorphic
// key-value + sorted-index store capability set consumed by the Table
// Manager and Session layer. Two concrete variants exist, redisdb and
// memdb (§4.2).
package backend

import (
	"context"
	"time"
)

// Row is a single component row, keyed by column name. The implicit
// system columns "id" (uint64) and "_version" (uint64) are always present
// on a stored row.
type Row map[string]interface{}

// Clone returns a shallow copy of the row, safe to hand to callers that
// must not observe later in-place mutation of backend-internal state.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// ID returns the row's surrogate primary key.
func (r Row) ID() uint64 {
	v, _ := r["id"].(uint64)
	return v
}

// Version returns the row's optimistic-concurrency version.
func (r Row) Version() uint64 {
	v, _ := r["_version"].(uint64)
	return v
}

// IndexEntry is one member of an ordered index, as returned by Range.
type IndexEntry struct {
	Score float64 // numeric columns: the column value; string columns: 0
	ID    uint64
	Value interface{} // the indexed column's live value, for string columns
}

// Bound is a range-query boundary. Unbounded represents ±∞ for a numeric
// column (expanded by the backend to the underlying type's maximum
// representable range, §4.2 "numeric boundaries ±∞ accepted") or the open
// end of a string/bytes column's lexicographic range.
//
// A numeric indexed column bounds by Value; a string/bytes indexed column
// bounds by StringValue (IsString true) against the raw column value, per
// §3's value-major string encoding. A query mixes the two only by mistake —
// callers derive both Bound values from the same indexed column's type.
type Bound struct {
	Unbounded   bool
	Value       float64
	StringValue string
	IsString    bool
}

// PreconditionKind names one of the four precondition checks a commit
// bundle may carry (§4.4 "Commit protocol").
type PreconditionKind int

const (
	// PrecondVersion requires the row at Key to currently have Version.
	PrecondVersion PreconditionKind = iota
	// PrecondNotExists requires Key to not currently exist (insert).
	PrecondNotExists
	// PrecondExists requires Key to currently exist (update/delete).
	PrecondExists
	// PrecondUnique requires the index at IndexKey to contain no member
	// with Value other than the ids listed in ExcludeIDs (swap/move
	// within one bundle, §9 Open Question 3). Value must be float64 for a
	// numeric column (the exact score to match) or string for a
	// string/bytes column (the exact value to match at score 0), mirroring
	// the index member encoding of §3.
	PrecondUnique
)

// Precondition is one atomically-checked guard in a commit bundle.
type Precondition struct {
	Kind       PreconditionKind
	Key        string // row key, for Version/NotExists/Exists
	Version    uint64
	IndexKey   string // index key, for Unique
	Value      interface{}
	ExcludeIDs []uint64
}

// MutationKind names one of the four bundle mutation operations.
type MutationKind int

const (
	MutationRowPut MutationKind = iota
	MutationRowDelete
	MutationIndexAdd
	MutationIndexRemove
)

// Mutation is one write applied atomically alongside a bundle's
// preconditions.
type Mutation struct {
	Kind     MutationKind
	Key      string // row key, for RowPut/RowDelete
	Row      Row    // for RowPut
	IndexKey string // for IndexAdd/IndexRemove
	Score    float64     // for IndexAdd: the ordered-set score (§3)
	Member   string      // pre-encoded index member (§3 encoding rules)
	ID       uint64      // for IndexAdd/IndexRemove: the row id this member refers to
	Value    interface{} // for IndexAdd: the live column value, for UNIQ precondition checks
}

// CommitBundle is the atomic payload a Session assembles: all
// preconditions and all mutations are applied as a single unit, or none
// are (§4.4 invariant I2).
type CommitBundle struct {
	// Channels lists the per-component pub/sub topics to publish a change
	// notification to on success, one entry per distinct component the
	// bundle touches (a bundle may span several components of one cluster).
	Channels     []string
	Preconditions []Precondition
	Mutations     []Mutation
}

// CommitOutcome distinguishes why a commit did not apply, alongside the
// ordinary committed/error duality.
type CommitOutcome int

const (
	Committed CommitOutcome = iota
	Raced                   // a precondition failed: VER/NX/EX (§4.4)
	UniqueConflict          // a UNIQ precondition failed (§4.4)
)

// CommitResult reports the result of a Commit call.
type CommitResult struct {
	Outcome CommitOutcome
	// ConflictIDs holds the offending row ids for a UniqueConflict.
	ConflictIDs []uint64
}

// Notification is one change token delivered on a subscribed channel. The
// payload is intentionally opaque to the Backend Adapter: subscribers
// re-read state themselves (§4.7 data plane) rather than trust the
// notification's content, so Notification only needs to say *that*
// something on Channel changed and *when*.
type Notification struct {
	Channel string
	At      time.Time
}

// Subscription is a live backend change-notification stream.
type Subscription interface {
	// C returns the channel of notifications. It is closed when the
	// subscription is closed or the backend connection is permanently lost.
	C() <-chan Notification
	Close() error
}

// Backend is the capability set of §4.2: atomic multi-op commit with
// precondition checks, ordered-index range query, key existence/read,
// change notification, and master/replica read split.
type Backend interface {
	// Get returns the row stored at key, or ok=false if absent.
	Get(ctx context.Context, key string) (row Row, ok bool, err error)

	// Range returns index members in [left, right] (inclusive), ordered
	// ascending unless desc is set, capped at limit (0 means unlimited).
	Range(ctx context.Context, indexKey string, left, right Bound, limit int, desc bool) ([]IndexEntry, error)

	// Commit atomically applies bundle's preconditions and mutations.
	Commit(ctx context.Context, bundle CommitBundle) (CommitResult, error)

	// Subscribe opens a change-notification stream for channel.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Close releases backend resources (connections, goroutines).
	Close() error
}
