package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/docflow/pkg/types"
)

// RedisLedger implements Ledger backed by Redis. Execution rows, step
// records, and pause requests live in per-execution keys; events go to a
// capped list with pub/sub fanout; leases are SET NX PX keys.
type RedisLedger struct {
	client   *redis.Client
	prefix   string
	ttl      time.Duration
	eventMax int64

	subsMu sync.Mutex
	subs   map[string][]*redisSub
	pubsub *redis.PubSub
	closed chan struct{}
}

type redisSub struct {
	ch     chan *types.Event
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL      string
	Password string
	DB       int

	// Prefix for all keys (default: "docflow")
	Prefix string

	// TTL applied to finished executions (default: 7 days)
	TTL time.Duration

	// EventMaxLen caps events kept per execution (default: 5000)
	EventMaxLen int64

	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		Prefix:       "docflow",
		TTL:          7 * 24 * time.Hour,
		EventMaxLen:  5000,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisLedger creates a new Redis-backed Ledger.
func NewRedisLedger(cfg *RedisConfig) (*RedisLedger, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	opts := &redis.Options{
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Password:     cfg.Password,
		DB:           cfg.DB,
	}
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && cfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && cfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "docflow"
	}

	eventMax := cfg.EventMaxLen
	if eventMax == 0 {
		eventMax = 5000
	}

	l := &RedisLedger{
		client:   client,
		prefix:   prefix,
		ttl:      cfg.TTL,
		eventMax: eventMax,
		subs:     make(map[string][]*redisSub),
		closed:   make(chan struct{}),
	}
	l.pubsub = client.PSubscribe(context.Background(), l.keyEventChannel("*"))
	go l.fanoutLoop()
	return l, nil
}

// Key helpers
func (l *RedisLedger) keyDefs() string          { return l.prefix + ":definitions" }
func (l *RedisLedger) keyExecSet() string       { return l.prefix + ":executions" }
func (l *RedisLedger) keyOpenPauses() string    { return l.prefix + ":pauses:open" }
func (l *RedisLedger) keyExec(id string) string { return fmt.Sprintf("%s:%s:exec", l.prefix, id) }
func (l *RedisLedger) keySteps(id string) string {
	return fmt.Sprintf("%s:%s:steps", l.prefix, id)
}
func (l *RedisLedger) keyPause(id string) string {
	return fmt.Sprintf("%s:%s:pause", l.prefix, id)
}
func (l *RedisLedger) keyPauseClaim(id string) string {
	return fmt.Sprintf("%s:%s:pause:claim", l.prefix, id)
}
func (l *RedisLedger) keyEvents(id string) string {
	return fmt.Sprintf("%s:%s:events", l.prefix, id)
}
func (l *RedisLedger) keySeq(id string) string { return fmt.Sprintf("%s:%s:seq", l.prefix, id) }
func (l *RedisLedger) keyLease(id string) string {
	return fmt.Sprintf("%s:%s:lease", l.prefix, id)
}
func (l *RedisLedger) keyEventChannel(id string) string {
	return fmt.Sprintf("%s:events:%s", l.prefix, id)
}

func (l *RedisLedger) PutDefinition(ctx context.Context, def *types.PipelineDefinition) error {
	b, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	return l.client.HSet(ctx, l.keyDefs(), def.ID, b).Err()
}

func (l *RedisLedger) GetDefinition(ctx context.Context, id string) (*types.PipelineDefinition, error) {
	b, err := l.client.HGet(ctx, l.keyDefs(), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrDefinitionNotFound
	}
	if err != nil {
		return nil, err
	}
	var def types.PipelineDefinition
	if err := json.Unmarshal(b, &def); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return &def, nil
}

func (l *RedisLedger) ListDefinitions(ctx context.Context) ([]string, error) {
	return l.client.HKeys(ctx, l.keyDefs()).Result()
}

func (l *RedisLedger) CreateExecution(ctx context.Context, exec *types.PipelineExecution) error {
	b, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	ok, err := l.client.SetNX(ctx, l.keyExec(exec.ID), b, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("execution %s already exists", exec.ID)
	}
	return l.client.SAdd(ctx, l.keyExecSet(), exec.ID).Err()
}

func (l *RedisLedger) getExecution(ctx context.Context, tx redis.Cmdable, id string) (*types.PipelineExecution, error) {
	b, err := tx.Get(ctx, l.keyExec(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, err
	}
	var exec types.PipelineExecution
	if err := json.Unmarshal(b, &exec); err != nil {
		return nil, fmt.Errorf("unmarshal execution: %w", err)
	}
	return &exec, nil
}

func (l *RedisLedger) GetExecution(ctx context.Context, id string) (*types.PipelineExecution, error) {
	return l.getExecution(ctx, l.client, id)
}

func (l *RedisLedger) ListExecutions(ctx context.Context) ([]string, error) {
	return l.client.SMembers(ctx, l.keyExecSet()).Result()
}

// expireFinished applies the configured TTL once an execution is terminal.
func (l *RedisLedger) expireFinished(ctx context.Context, pipe redis.Pipeliner, exec *types.PipelineExecution) {
	if l.ttl <= 0 || !exec.Status.Terminal() {
		return
	}
	for _, key := range []string{
		l.keyExec(exec.ID), l.keySteps(exec.ID), l.keyPause(exec.ID),
		l.keyPauseClaim(exec.ID), l.keyEvents(exec.ID), l.keySeq(exec.ID),
	} {
		pipe.Expire(ctx, key, l.ttl)
	}
}

func (l *RedisLedger) UpdateExecution(ctx context.Context, exec *types.PipelineExecution) error {
	key := l.keyExec(exec.ID)
	return l.client.Watch(ctx, func(tx *redis.Tx) error {
		stored, err := l.getExecution(ctx, tx, exec.ID)
		if err != nil {
			return err
		}
		if stored.Status.Terminal() {
			return ErrExecutionTerminal
		}
		mergeCancel(stored, exec)
		exec.UpdatedAt = time.Now().UTC()
		b, err := json.Marshal(exec)
		if err != nil {
			return fmt.Errorf("marshal execution: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, redis.KeepTTL)
			l.expireFinished(ctx, pipe, exec)
			return nil
		})
		return err
	}, key)
}

func (l *RedisLedger) RequestCancel(ctx context.Context, execID, reason string) error {
	key := l.keyExec(execID)
	return l.client.Watch(ctx, func(tx *redis.Tx) error {
		stored, err := l.getExecution(ctx, tx, execID)
		if err != nil {
			return err
		}
		if stored.Status.Terminal() {
			return ErrExecutionTerminal
		}
		stored.CancelRequested = true
		stored.CancelReason = reason
		stored.UpdatedAt = time.Now().UTC()
		b, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("marshal execution: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, redis.KeepTTL)
			return nil
		})
		return err
	}, key)
}

func (l *RedisLedger) GetStepRecord(ctx context.Context, execID, nodeID string) (*types.StepRecord, error) {
	b, err := l.client.HGet(ctx, l.keySteps(execID), nodeID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec types.StepRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal step record: %w", err)
	}
	return &rec, nil
}

func (l *RedisLedger) ListStepRecords(ctx context.Context, execID string) ([]*types.StepRecord, error) {
	vals, err := l.client.HGetAll(ctx, l.keySteps(execID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*types.StepRecord, 0, len(vals))
	for _, v := range vals {
		var rec types.StepRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}

func (l *RedisLedger) CommitStep(ctx context.Context, exec *types.PipelineExecution, rec *types.StepRecord) error {
	execKey := l.keyExec(exec.ID)
	stepsKey := l.keySteps(exec.ID)
	return l.client.Watch(ctx, func(tx *redis.Tx) error {
		prev, err := tx.HGet(ctx, stepsKey, rec.NodeID).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if prev != nil {
			var prevRec types.StepRecord
			if json.Unmarshal(prev, &prevRec) == nil &&
				prevRec.Status == types.StepStatusSucceeded &&
				rec.Status != types.StepStatusSucceeded {
				return fmt.Errorf("step %s/%s already succeeded", exec.ID, rec.NodeID)
			}
		}

		stored, err := l.getExecution(ctx, tx, exec.ID)
		if err != nil {
			return err
		}
		mergeCancel(stored, exec)
		exec.UpdatedAt = time.Now().UTC()
		execJSON, err := json.Marshal(exec)
		if err != nil {
			return fmt.Errorf("marshal execution: %w", err)
		}
		recJSON, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal step record: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, execKey, execJSON, redis.KeepTTL)
			pipe.HSet(ctx, stepsKey, rec.NodeID, recJSON)
			l.expireFinished(ctx, pipe, exec)
			return nil
		})
		return err
	}, execKey, stepsKey)
}

func (l *RedisLedger) CommitPause(ctx context.Context, exec *types.PipelineExecution, pause *types.PauseRequest) error {
	execKey := l.keyExec(exec.ID)
	return l.client.Watch(ctx, func(tx *redis.Tx) error {
		stored, err := l.getExecution(ctx, tx, exec.ID)
		if err != nil {
			return err
		}
		mergeCancel(stored, exec)
		exec.UpdatedAt = time.Now().UTC()
		execJSON, err := json.Marshal(exec)
		if err != nil {
			return fmt.Errorf("marshal execution: %w", err)
		}
		pauseJSON, err := json.Marshal(pause)
		if err != nil {
			return fmt.Errorf("marshal pause: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, execKey, execJSON, redis.KeepTTL)
			pipe.Set(ctx, l.keyPause(exec.ID), pauseJSON, redis.KeepTTL)
			if pause.Resolved {
				pipe.SRem(ctx, l.keyOpenPauses(), exec.ID)
			} else {
				pipe.Del(ctx, l.keyPauseClaim(exec.ID))
				pipe.SAdd(ctx, l.keyOpenPauses(), exec.ID)
			}
			return nil
		})
		return err
	}, execKey)
}

func (l *RedisLedger) GetPause(ctx context.Context, execID string) (*types.PauseRequest, error) {
	b, err := l.client.Get(ctx, l.keyPause(execID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrPauseNotFound
	}
	if err != nil {
		return nil, err
	}
	var pause types.PauseRequest
	if err := json.Unmarshal(b, &pause); err != nil {
		return nil, fmt.Errorf("unmarshal pause: %w", err)
	}
	return &pause, nil
}

func (l *RedisLedger) ResolvePause(ctx context.Context, execID string, resolution map[string]interface{}) (*types.PauseRequest, bool, error) {
	pause, err := l.GetPause(ctx, execID)
	if err != nil {
		return nil, false, err
	}
	if pause.Resolved {
		return pause, false, nil
	}

	// The claim key makes resolution exactly-once: only the caller that
	// wins SETNX proceeds to write the resolved pause.
	won, err := l.client.SetNX(ctx, l.keyPauseClaim(execID), "1", 0).Result()
	if err != nil {
		return nil, false, err
	}
	if !won {
		pause, err := l.GetPause(ctx, execID)
		return pause, false, err
	}

	now := time.Now().UTC()
	pause.Resolved = true
	pause.ResolvedAt = &now
	pause.Resolution = resolution
	b, err := json.Marshal(pause)
	if err != nil {
		return nil, false, fmt.Errorf("marshal pause: %w", err)
	}
	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, l.keyPause(execID), b, redis.KeepTTL)
		pipe.SRem(ctx, l.keyOpenPauses(), execID)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return pause, true, nil
}

func (l *RedisLedger) ListOpenPauses(ctx context.Context) ([]*types.PauseRequest, error) {
	ids, err := l.client.SMembers(ctx, l.keyOpenPauses()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*types.PauseRequest, 0, len(ids))
	for _, id := range ids {
		pause, err := l.GetPause(ctx, id)
		if errors.Is(err, ErrPauseNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !pause.Resolved {
			out = append(out, pause)
		}
	}
	return out, nil
}

// releaseLeaseScript deletes the lease only when held by the caller.
var releaseLeaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (l *RedisLedger) AcquireLease(ctx context.Context, execID, owner string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, l.keyLease(execID), owner, ttl).Result()
}

func (l *RedisLedger) ReleaseLease(ctx context.Context, execID, owner string) error {
	return releaseLeaseScript.Run(ctx, l.client, []string{l.keyLease(execID)}, owner).Err()
}

func (l *RedisLedger) AppendEvent(ctx context.Context, execID string, input *types.EventInput) (*types.Event, error) {
	seq, err := l.client.Incr(ctx, l.keySeq(execID)).Result()
	if err != nil {
		return nil, err
	}

	var data json.RawMessage
	if input.Data != nil {
		b, err := json.Marshal(input.Data)
		if err != nil {
			return nil, fmt.Errorf("marshal event data: %w", err)
		}
		data = b
	}

	evt := &types.Event{
		ID:            strconv.FormatInt(seq, 10),
		ExecutionID:   execID,
		Type:          input.Type,
		NodeID:        input.NodeID,
		Status:        input.Status,
		Progress:      input.Progress,
		CorrelationID: input.CorrelationID,
		Timestamp:     time.Now().UTC(),
		Data:          data,
	}
	evtJSON, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	pipe := l.client.Pipeline()
	pipe.RPush(ctx, l.keyEvents(execID), evtJSON)
	if l.eventMax > 0 {
		pipe.LTrim(ctx, l.keyEvents(execID), -l.eventMax, -1)
	}
	pipe.Publish(ctx, l.keyEventChannel(execID), evtJSON)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return evt, nil
}

func (l *RedisLedger) GetEventsSince(ctx context.Context, execID string, lastEventID string) ([]*types.Event, error) {
	vals, err := l.client.LRange(ctx, l.keyEvents(execID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	since := int64(0)
	if lastEventID != "" {
		since, _ = strconv.ParseInt(lastEventID, 10, 64)
	}
	var out []*types.Event
	for _, v := range vals {
		var evt types.Event
		if err := json.Unmarshal([]byte(v), &evt); err != nil {
			continue
		}
		id, _ := strconv.ParseInt(evt.ID, 10, 64)
		if id > since {
			out = append(out, &evt)
		}
	}
	return out, nil
}

func (l *RedisLedger) Subscribe(ctx context.Context, execID string) (<-chan *types.Event, func(), error) {
	sub := &redisSub{ch: make(chan *types.Event, 64)}

	l.subsMu.Lock()
	l.subs[execID] = append(l.subs[execID], sub)
	l.subsMu.Unlock()

	cleanup := func() {
		l.subsMu.Lock()
		defer l.subsMu.Unlock()
		subs := l.subs[execID]
		for i, s := range subs {
			if s == sub {
				l.subs[execID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	return sub.ch, cleanup, nil
}

// fanoutLoop delivers pub/sub messages to local subscribers.
func (l *RedisLedger) fanoutLoop() {
	chanPrefix := l.keyEventChannel("")
	for {
		select {
		case <-l.closed:
			return
		case msg, ok := <-l.pubsub.Channel():
			if !ok {
				return
			}
			execID := msg.Channel[len(chanPrefix):]
			var evt types.Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				continue
			}
			l.subsMu.Lock()
			for _, sub := range l.subs[execID] {
				if sub.closed {
					continue
				}
				select {
				case sub.ch <- &evt:
				default:
				}
			}
			l.subsMu.Unlock()
		}
	}
}

func (l *RedisLedger) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	execCount, err := l.client.SCard(ctx, l.keyExecSet()).Result()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"adapter":    "redis",
		"executions": execCount,
	}, nil
}

func (l *RedisLedger) Close() error {
	close(l.closed)
	_ = l.pubsub.Close()
	return l.client.Close()
}

var _ Ledger = (*RedisLedger)(nil)
