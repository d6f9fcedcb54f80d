package coordstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tzsystem/dispatchd/internal/domain"
)

const queueKey = "assignment_queue"

// popAndLockScript is the one atomic operation correctness depends on: it
// must pop, check, and conditionally lock-or-requeue without any other
// caller's commands interleaving. redis.Script runs it via EVALSHA (falling
// back to EVAL on a cache miss), which is how go-redis gives a sequence of
// Redis commands the indivisibility a single command already has.
var popAndLockScript = redis.NewScript(`
local task_id = redis.call('LPOP', KEYS[1])
if not task_id then
    return {"none"}
end

local agent_id = ARGV[1]
local disable_threshold = tonumber(ARGV[2])
local lock_ttl = tonumber(ARGV[3])

local global_skip_key = 'task:global_skips:' .. task_id
local global_skip_count = tonumber(redis.call('GET', global_skip_key) or 0)
if global_skip_count >= disable_threshold then
    return {"disabled", task_id}
end

local skip_key = 'task:skipped:' .. task_id .. ':' .. agent_id
if redis.call('EXISTS', skip_key) == 1 then
    redis.call('RPUSH', KEYS[1], task_id)
    return {"skipped", task_id}
end

local lock_key = 'task:locked:' .. task_id
local locked = redis.call('SET', lock_key, agent_id, 'NX', 'EX', lock_ttl)
if locked then
    return {"success", task_id}
end

redis.call('RPUSH', KEYS[1], task_id)
return {"locked", task_id}
`)

// defaultDisableThreshold is K_disable: the global skip count at which a
// task is dropped by PopAndLock rather than offered. Overridable via
// WithDisableThreshold since it's configuration, not a constant (see
// internal/config.EngineConfig.DisableThreshold).
const defaultDisableThreshold = 5

// Redis implements Store against a go-redis v9 client.
type Redis struct {
	rdb              *redis.Client
	disableThreshold int64
}

// Option configures a Redis store at construction time.
type Option func(*Redis)

// WithDisableThreshold overrides K_disable (default 5).
func WithDisableThreshold(n int64) Option {
	return func(r *Redis) { r.disableThreshold = n }
}

// New wraps an already-configured *redis.Client. The caller owns the
// client's lifecycle (construction and Close), matching the teacher's
// convention of constructor-injecting externally-owned connections.
func New(rdb *redis.Client, opts ...Option) *Redis {
	r := &Redis{rdb: rdb, disableThreshold: defaultDisableThreshold}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ Store = (*Redis)(nil)

func lockKey(t domain.TaskID) string     { return "task:locked:" + strconv.FormatInt(int64(t), 10) }
func activeKey(a domain.AgentID) string  { return "agent:active:" + strconv.FormatInt(int64(a), 10) }
func skipKey(t domain.TaskID, a domain.AgentID) string {
	return fmt.Sprintf("task:skipped:%d:%d", t, a)
}
func globalSkipKey(t domain.TaskID) string {
	return "task:global_skips:" + strconv.FormatInt(int64(t), 10)
}

func (r *Redis) PopAndLock(ctx context.Context, agentID domain.AgentID, lockTTL time.Duration) (PopResult, error) {
	res, err := popAndLockScript.Run(ctx, r.rdb, []string{queueKey},
		strconv.FormatInt(int64(agentID), 10),
		r.disableThreshold,
		int64(lockTTL/time.Second),
	).Slice()
	if err != nil {
		if err == redis.Nil {
			return PopResult{Outcome: PopNone}, nil
		}
		return PopResult{}, fmt.Errorf("coordstore: pop and lock: %w", err)
	}
	if len(res) == 0 {
		return PopResult{Outcome: PopNone}, nil
	}
	tag, _ := res[0].(string)
	var taskID domain.TaskID
	if len(res) > 1 {
		idStr, _ := res[1].(string)
		n, perr := strconv.ParseInt(idStr, 10, 64)
		if perr == nil {
			taskID = domain.TaskID(n)
		}
	}
	switch tag {
	case "none":
		return PopResult{Outcome: PopNone}, nil
	case "disabled":
		return PopResult{Outcome: PopDisabled, TaskID: taskID}, nil
	case "skipped":
		return PopResult{Outcome: PopSkipped, TaskID: taskID}, nil
	case "locked":
		return PopResult{Outcome: PopLocked, TaskID: taskID}, nil
	case "success":
		return PopResult{Outcome: PopSuccess, TaskID: taskID}, nil
	default:
		return PopResult{}, fmt.Errorf("coordstore: unexpected script tag %q", tag)
	}
}

func (r *Redis) ReplaceQueue(ctx context.Context, ids []domain.TaskID) error {
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, queueKey)
	if len(ids) > 0 {
		vals := make([]any, len(ids))
		for i, id := range ids {
			vals[i] = strconv.FormatInt(int64(id), 10)
		}
		pipe.RPush(ctx, queueKey, vals...)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("coordstore: replace queue: %w", err)
	}
	return nil
}

func (r *Redis) QueueLen(ctx context.Context) (int64, error) {
	n, err := r.rdb.LLen(ctx, queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("coordstore: queue len: %w", err)
	}
	return n, nil
}

func (r *Redis) GetActiveAssignment(ctx context.Context, agentID domain.AgentID) (*domain.TaskAssignment, error) {
	raw, err := r.rdb.Get(ctx, activeKey(agentID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("coordstore: get active assignment: %w", err)
	}
	var a domain.TaskAssignment
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("coordstore: decode active assignment: %w", err)
	}
	return &a, nil
}

func (r *Redis) SetActiveAssignment(ctx context.Context, agentID domain.AgentID, a domain.TaskAssignment, ttl time.Duration) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("coordstore: encode active assignment: %w", err)
	}
	if err := r.rdb.Set(ctx, activeKey(agentID), data, ttl).Err(); err != nil {
		return fmt.Errorf("coordstore: set active assignment: %w", err)
	}
	return nil
}

func (r *Redis) DeleteActiveAssignment(ctx context.Context, agentID domain.AgentID) error {
	if err := r.rdb.Del(ctx, activeKey(agentID)).Err(); err != nil {
		return fmt.Errorf("coordstore: delete active assignment: %w", err)
	}
	return nil
}

func (r *Redis) LockOwner(ctx context.Context, taskID domain.TaskID) (domain.AgentID, bool, error) {
	v, err := r.rdb.Get(ctx, lockKey(taskID)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("coordstore: lock owner: %w", err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("coordstore: parse lock owner: %w", err)
	}
	return domain.AgentID(n), true, nil
}

func (r *Redis) IsLocked(ctx context.Context, taskID domain.TaskID) (bool, error) {
	n, err := r.rdb.Exists(ctx, lockKey(taskID)).Result()
	if err != nil {
		return false, fmt.Errorf("coordstore: is locked: %w", err)
	}
	return n == 1, nil
}

func (r *Redis) DeleteLock(ctx context.Context, taskID domain.TaskID) error {
	if err := r.rdb.Del(ctx, lockKey(taskID)).Err(); err != nil {
		return fmt.Errorf("coordstore: delete lock: %w", err)
	}
	return nil
}

func (r *Redis) SetSkipCooldown(ctx context.Context, taskID domain.TaskID, agentID domain.AgentID, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, skipKey(taskID, agentID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("coordstore: set skip cooldown: %w", err)
	}
	return nil
}

func (r *Redis) IncrGlobalSkip(ctx context.Context, taskID domain.TaskID, window time.Duration) (int64, error) {
	key := globalSkipKey(taskID)
	n, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("coordstore: incr global skip: %w", err)
	}
	if n == 1 {
		if err := r.rdb.Expire(ctx, key, window).Err(); err != nil {
			return 0, fmt.Errorf("coordstore: expire global skip: %w", err)
		}
	}
	return n, nil
}

func (r *Redis) GlobalSkipCount(ctx context.Context, taskID domain.TaskID) (int64, error) {
	v, err := r.rdb.Get(ctx, globalSkipKey(taskID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("coordstore: global skip count: %w", err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("coordstore: parse global skip count: %w", err)
	}
	return n, nil
}

func (r *Redis) DisabledTasks(ctx context.Context, threshold int64) ([]domain.DisabledTask, error) {
	var out []domain.DisabledTask
	iter := r.rdb.Scan(ctx, 0, "task:global_skips:*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		v, err := r.rdb.Get(ctx, key).Result()
		if err != nil {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < threshold {
			continue
		}
		idStr := key[len("task:global_skips:"):]
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, domain.DisabledTask{TaskID: domain.TaskID(id), SkipCount: n})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("coordstore: scan disabled tasks: %w", err)
	}
	return out, nil
}

// ResetAllGlobalSkips deletes every global-skip counter regardless of its
// value — the corrected semantics for /api/tasks/reset-disabled (spec fixes
// the original's inconsistent ">= 2" reset against the engine's ">= 5"
// disable check; see DESIGN.md).
func (r *Redis) ResetAllGlobalSkips(ctx context.Context) (int, error) {
	var keys []string
	iter := r.rdb.Scan(ctx, 0, "task:global_skips:*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("coordstore: scan global skips: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
		return 0, fmt.Errorf("coordstore: reset global skips: %w", err)
	}
	return len(keys), nil
}

func (r *Redis) RemoveFromQueue(ctx context.Context, taskID domain.TaskID) error {
	if err := r.rdb.LRem(ctx, queueKey, 0, strconv.FormatInt(int64(taskID), 10)).Err(); err != nil {
		return fmt.Errorf("coordstore: remove from queue: %w", err)
	}
	return nil
}

func (r *Redis) AddCompleted(ctx context.Context, taskID domain.TaskID, ttl time.Duration) error {
	key := "task:completed:" + strconv.FormatInt(int64(taskID), 10)
	if err := r.rdb.Set(ctx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("coordstore: add completed: %w", err)
	}
	return nil
}

func (r *Redis) IsCompleted(ctx context.Context, taskID domain.TaskID) (bool, error) {
	key := "task:completed:" + strconv.FormatInt(int64(taskID), 10)
	n, err := r.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("coordstore: is completed: %w", err)
	}
	return n == 1, nil
}

func (r *Redis) AppendAudit(ctx context.Context, list string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("coordstore: encode audit record: %w", err)
	}
	if err := r.rdb.LPush(ctx, list, data).Err(); err != nil {
		return fmt.Errorf("coordstore: append audit: %w", err)
	}
	return nil
}

func (r *Redis) AuditList(ctx context.Context, list string, limit int64) ([]string, error) {
	vals, err := r.rdb.LRange(ctx, list, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("coordstore: audit list: %w", err)
	}
	return vals, nil
}

func (r *Redis) LockedCount(ctx context.Context, ids []domain.TaskID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Exists(ctx, lockKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("coordstore: locked count: %w", err)
	}
	count := 0
	for _, c := range cmds {
		if c.Val() == 1 {
			count++
		}
	}
	return count, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("coordstore: ping: %w", err)
	}
	return nil
}
