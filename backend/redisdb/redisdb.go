// Package redisdb implements the networked Backend Adapter variant on
// github.com/go-redis/redis/v8 (§4.2): atomic commit via a single Lua
// script (EVAL), ordered-index range queries via ZRANGEBYSCORE /
// ZREVRANGEBYSCORE, and change notification via PUBLISH/SUBSCRIBE. The
// dependency is declared in the teacher's go.mod but unused in the
// retrieved file subset; this package is its wired home.
package redisdb

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/astraecs/engine/backend"
)

// ReplicaEndpoint is one weighted read replica (§4.2 "master/replica read
// split"; §6 "backend endpoints... master and zero-or-more read replicas
// with weights").
type ReplicaEndpoint struct {
	Client *goredis.Client
	Weight int
}

// Client is the Redis-backed Backend. Writes always go to Master; Get and
// Range reads are steered across Replicas by weighted random choice, or
// to Master if no replicas are configured.
type Client struct {
	Master   *goredis.Client
	Replicas []ReplicaEndpoint

	totalWeight int

	mu    sync.Mutex
	rnd   *rand.Rand
}

var _ backend.Backend = (*Client)(nil)

// Options configures a new Client.
type Options struct {
	MasterAddr   string
	Password     string
	DB           int
	Replicas     []ReplicaAddr
}

// ReplicaAddr is a replica connection target plus its read weight.
type ReplicaAddr struct {
	Addr   string
	Weight int
}

// New dials the master and every configured replica.
func New(opts Options) *Client {
	master := goredis.NewClient(&goredis.Options{Addr: opts.MasterAddr, Password: opts.Password, DB: opts.DB})

	c := &Client{Master: master, rnd: rand.New(rand.NewSource(1))}
	for _, r := range opts.Replicas {
		weight := r.Weight
		if weight <= 0 {
			weight = 1
		}
		rc := goredis.NewClient(&goredis.Options{Addr: r.Addr, Password: opts.Password, DB: opts.DB})
		c.Replicas = append(c.Replicas, ReplicaEndpoint{Client: rc, Weight: weight})
		c.totalWeight += weight
	}
	return c
}

// readClient picks a replica by weighted random choice, falling back to
// Master when no replica is configured (§4.2 "Master/replica policy:
// writes always go to master; reads may be steered to replicas by
// weighted random choice").
func (c *Client) readClient() *goredis.Client {
	if len(c.Replicas) == 0 {
		return c.Master
	}

	c.mu.Lock()
	pick := c.rnd.Intn(c.totalWeight)
	c.mu.Unlock()

	for _, r := range c.Replicas {
		if pick < r.Weight {
			return r.Client
		}
		pick -= r.Weight
	}
	return c.Master
}

func (c *Client) Get(ctx context.Context, key string) (backend.Row, bool, error) {
	fields, err := c.readClient().HGetAll(ctx, key).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redisdb: get %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	row := make(backend.Row, len(fields))
	for k, v := range fields {
		row[k] = decodeValue(v)
	}
	return row, true, nil
}

func (c *Client) Range(ctx context.Context, indexKey string, left, right backend.Bound, limit int, desc bool) ([]backend.IndexEntry, error) {
	if left.IsString || right.IsString {
		return c.rangeLex(ctx, indexKey, left, right, limit, desc)
	}

	loStr, hiStr := scoreBoundStrings(left, right)

	opt := &goredis.ZRangeBy{Min: loStr, Max: hiStr}
	if limit > 0 {
		opt.Count = int64(limit)
	}

	var members []goredis.Z
	var err error
	if desc {
		members, err = c.readClient().ZRevRangeByScoreWithScores(ctx, indexKey, opt).Result()
	} else {
		members, err = c.readClient().ZRangeByScoreWithScores(ctx, indexKey, opt).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("redisdb: range %s: %w", indexKey, err)
	}

	out := make([]backend.IndexEntry, 0, len(members))
	for _, z := range members {
		member, _ := z.Member.(string)
		id, value := splitMember(member)
		out = append(out, backend.IndexEntry{Score: z.Score, ID: id, Value: value})
	}
	return out, nil
}

// rangeLex answers a range query on a string/bytes indexed column.
// EncodeMember scores every string/bytes member at 0, so ZRANGEBYLEX's
// same-score requirement is met for free; the member prefix up to the
// trailing ":<id>" is the column's raw value (§3), so a lexicographic
// bound on the value translates to a ZRANGEBYLEX bound on the member with
// the upper edge widened by a trailing max byte to include every id
// suffixed to an exact value match.
func (c *Client) rangeLex(ctx context.Context, indexKey string, left, right backend.Bound, limit int, desc bool) ([]backend.IndexEntry, error) {
	loStr, hiStr := lexBoundStrings(left, right)

	opt := &goredis.ZRangeBy{Min: loStr, Max: hiStr}
	if limit > 0 {
		opt.Count = int64(limit)
	}

	var members []string
	var err error
	if desc {
		members, err = c.readClient().ZRevRangeByLex(ctx, indexKey, opt).Result()
	} else {
		members, err = c.readClient().ZRangeByLex(ctx, indexKey, opt).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("redisdb: range %s: %w", indexKey, err)
	}

	out := make([]backend.IndexEntry, 0, len(members))
	for _, member := range members {
		id, value := splitMember(member)
		out = append(out, backend.IndexEntry{Score: 0, ID: id, Value: value})
	}
	return out, nil
}

func scoreBoundStrings(left, right backend.Bound) (lo, hi string) {
	lo = "-inf"
	hi = "+inf"
	if !left.Unbounded {
		lo = strconv.FormatFloat(left.Value, 'f', -1, 64)
	}
	if !right.Unbounded {
		hi = strconv.FormatFloat(right.Value, 'f', -1, 64)
	}
	return lo, hi
}

// lexByteHigh is appended to an inclusive upper bound's value to make the
// ZRANGEBYLEX bound sort after every "<value>:<id>" member sharing that
// exact value, since ':' and the id digits that follow always compare
// below it.
const lexByteHigh = "\xff"

func lexBoundStrings(left, right backend.Bound) (lo, hi string) {
	lo = "-"
	hi = "+"
	if !left.Unbounded {
		lo = "[" + left.StringValue
	}
	if !right.Unbounded {
		hi = "[" + right.StringValue + lexByteHigh
	}
	return lo, hi
}

// splitMember reverses the Table Manager's index member encoding (§3):
// numeric columns encode the member as the bare row id; string columns
// encode "<value>:<id>".
func splitMember(member string) (id uint64, value interface{}) {
	for i := len(member) - 1; i >= 0; i-- {
		if member[i] == ':' {
			idPart := member[i+1:]
			n, err := strconv.ParseUint(idPart, 10, 64)
			if err == nil {
				return n, member[:i]
			}
		}
	}
	n, _ := strconv.ParseUint(member, 10, 64)
	return n, nil
}

type luaBundle struct {
	Preconditions []luaPrecond  `json:"preconditions"`
	Mutations     []luaMutation `json:"mutations"`
	Channels      []string      `json:"channels"`
}

type luaPrecond struct {
	Kind       string   `json:"kind"`
	Key        string   `json:"key,omitempty"`
	Version    uint64   `json:"version,omitempty"`
	IndexKey   string   `json:"index_key,omitempty"`
	ScoreLo    string   `json:"score_lo,omitempty"`
	ScoreHi    string   `json:"score_hi,omitempty"`
	ValueMatch string   `json:"value_match,omitempty"`
	ExcludeIDs []uint64 `json:"exclude_ids,omitempty"`
}

type luaMutation struct {
	Kind     string            `json:"kind"`
	Key      string            `json:"key,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
	IndexKey string            `json:"index_key,omitempty"`
	Score    float64           `json:"score,omitempty"`
	Member   string            `json:"member,omitempty"`
}

func toLuaBundle(bundle backend.CommitBundle) (luaBundle, error) {
	lb := luaBundle{Channels: bundle.Channels}

	for _, p := range bundle.Preconditions {
		switch p.Kind {
		case backend.PrecondVersion:
			lb.Preconditions = append(lb.Preconditions, luaPrecond{Kind: "VER", Key: p.Key, Version: p.Version})
		case backend.PrecondNotExists:
			lb.Preconditions = append(lb.Preconditions, luaPrecond{Kind: "NX", Key: p.Key})
		case backend.PrecondExists:
			lb.Preconditions = append(lb.Preconditions, luaPrecond{Kind: "EX", Key: p.Key})
		case backend.PrecondUnique:
			scoreStr := ""
			if s, ok := p.Value.(float64); ok {
				scoreStr = strconv.FormatFloat(s, 'f', -1, 64)
			}
			valueMatch := ""
			if scoreStr == "" {
				valueMatch = fmt.Sprintf("%v", p.Value)
				scoreStr = "0"
			}
			lb.Preconditions = append(lb.Preconditions, luaPrecond{
				Kind: "UNIQ", IndexKey: p.IndexKey, ScoreLo: scoreStr, ScoreHi: scoreStr,
				ValueMatch: valueMatch, ExcludeIDs: p.ExcludeIDs,
			})
		default:
			return luaBundle{}, fmt.Errorf("redisdb: unknown precondition kind %d", p.Kind)
		}
	}

	for _, m := range bundle.Mutations {
		switch m.Kind {
		case backend.MutationRowPut:
			fields := make(map[string]string, len(m.Row))
			for k, v := range m.Row {
				fields[k] = encodeValue(v)
			}
			lb.Mutations = append(lb.Mutations, luaMutation{Kind: "PUT", Key: m.Key, Fields: fields})
		case backend.MutationRowDelete:
			lb.Mutations = append(lb.Mutations, luaMutation{Kind: "DEL", Key: m.Key})
		case backend.MutationIndexAdd:
			lb.Mutations = append(lb.Mutations, luaMutation{Kind: "ZADD", IndexKey: m.IndexKey, Score: m.Score, Member: m.Member})
		case backend.MutationIndexRemove:
			lb.Mutations = append(lb.Mutations, luaMutation{Kind: "ZREM", IndexKey: m.IndexKey, Member: m.Member})
		default:
			return luaBundle{}, fmt.Errorf("redisdb: unknown mutation kind %d", m.Kind)
		}
	}

	return lb, nil
}

type scriptResult struct {
	Outcome   string   `json:"outcome"`
	Conflicts []string `json:"conflicts"`
}

func (c *Client) Commit(ctx context.Context, bundle backend.CommitBundle) (backend.CommitResult, error) {
	lb, err := toLuaBundle(bundle)
	if err != nil {
		return backend.CommitResult{}, err
	}
	payload, err := json.Marshal(lb)
	if err != nil {
		return backend.CommitResult{}, fmt.Errorf("redisdb: marshal bundle: %w", err)
	}

	raw, err := c.Master.Eval(ctx, commitScript, nil, string(payload)).Result()
	if err != nil {
		return backend.CommitResult{}, fmt.Errorf("redisdb: eval commit: %w", err)
	}

	str, ok := raw.(string)
	if !ok {
		return backend.CommitResult{}, fmt.Errorf("redisdb: unexpected eval result type %T", raw)
	}
	var res scriptResult
	if err := json.Unmarshal([]byte(str), &res); err != nil {
		return backend.CommitResult{}, fmt.Errorf("redisdb: decode eval result: %w", err)
	}

	switch res.Outcome {
	case "OK":
		return backend.CommitResult{Outcome: backend.Committed}, nil
	case "RACE":
		return backend.CommitResult{Outcome: backend.Raced}, nil
	case "UNIQUE":
		ids := make([]uint64, 0, len(res.Conflicts))
		for _, s := range res.Conflicts {
			n, _ := strconv.ParseUint(s, 10, 64)
			ids = append(ids, n)
		}
		return backend.CommitResult{Outcome: backend.UniqueConflict, ConflictIDs: ids}, nil
	default:
		return backend.CommitResult{}, fmt.Errorf("redisdb: unknown script outcome %q", res.Outcome)
	}
}

// subscription adapts a goredis.PubSub to backend.Subscription, translating
// each received PUBLISH into a Notification carrying the arrival time (the
// payload itself is unused — the broker always re-reads current state
// rather than trusting the message body, per §4.7's "recompute, don't
// trust the push").
type subscription struct {
	ps     *goredis.PubSub
	c      chan backend.Notification
	cancel context.CancelFunc
}

func (s *subscription) C() <-chan backend.Notification { return s.c }

func (s *subscription) Close() error {
	s.cancel()
	return s.ps.Close()
}

// Subscribe opens a Redis PUBLISH/SUBSCRIBE stream on channel (§4.2).
func (c *Client) Subscribe(ctx context.Context, channel string) (backend.Subscription, error) {
	ps := c.Master.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redisdb: subscribe %s: %w", channel, err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{ps: ps, c: make(chan backend.Notification, 16), cancel: cancel}

	go func() {
		defer close(sub.c)
		ch := ps.Channel()
		for {
			select {
			case <-pumpCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case sub.c <- backend.Notification{Channel: msg.Channel, At: time.Now()}:
				case <-pumpCtx.Done():
					return
				}
			}
		}
	}()

	return sub, nil
}

func (c *Client) Close() error {
	var firstErr error
	if err := c.Master.Close(); err != nil {
		firstErr = err
	}
	for _, r := range c.Replicas {
		if err := r.Client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
