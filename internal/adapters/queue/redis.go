package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"deployq/internal/domain"
)

// Ready messages are ordered by priority (high first) then enqueue time.
// priorityScale keeps the millisecond timestamp below one priority step.
const priorityScale = 1e13

var sendScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'body', ARGV[2], 'priority', ARGV[3], 'enqueued_at', ARGV[4], 'score', ARGV[5], 'delivery_count', 0)
if tonumber(ARGV[6]) > 0 then
  redis.call('ZADD', KEYS[3], ARGV[6], ARGV[1])
else
  redis.call('ZADD', KEYS[2], ARGV[5], ARGV[1])
end
return 1
`)

// maintainScript and receiveScript walk ids read from a zset, so the message
// hashes they touch cannot be declared up front. They are derived from the
// prefix passed in ARGV, which carries the same hash tag as KEYS and so maps
// to the same cluster slot.
var maintainScript = redis.NewScript(`
local promoted = 0
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, 500)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  local score = redis.call('HGET', ARGV[2] .. id, 'score')
  if score then
    redis.call('ZADD', KEYS[1], score, id)
    promoted = promoted + 1
  end
end
local reclaimed = 0
local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', '(' .. ARGV[1], 'LIMIT', 0, 500)
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[3], id)
  local key = ARGV[2] .. id
  local score = redis.call('HGET', key, 'score')
  if score then
    redis.call('HDEL', key, 'lock_token', 'locked_until')
    redis.call('ZADD', KEYS[1], score, id)
    reclaimed = reclaimed + 1
  end
end
return {promoted, reclaimed}
`)

var receiveScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, tonumber(ARGV[1]) - 1)
local out = {}
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[3] .. id
  if redis.call('EXISTS', key) == 1 then
    local token = ARGV[4] .. ':' .. id
    local count = redis.call('HINCRBY', key, 'delivery_count', 1)
    redis.call('HSET', key, 'lock_token', token, 'locked_until', ARGV[2])
    redis.call('ZADD', KEYS[2], ARGV[2], id)
    local h = redis.call('HMGET', key, 'body', 'priority', 'enqueued_at')
    table.insert(out, {id, h[1], count, token, h[2], h[3]})
  end
end
return out
`)

// lockCheck is shared by the settle scripts: the caller must still hold the
// lock token and its lease must not have ended.
const lockCheck = `
local token = redis.call('HGET', KEYS[1], 'lock_token')
if token ~= ARGV[2] then return 0 end
local until_ms = tonumber(redis.call('HGET', KEYS[1], 'locked_until') or '0')
if until_ms < tonumber(ARGV[3]) then return 0 end
`

var completeScript = redis.NewScript(lockCheck + `
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[1])
return 1
`)

var abandonScript = redis.NewScript(lockCheck + `
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[1], 'lock_token', 'locked_until')
redis.call('HSET', KEYS[1], 'last_reason', ARGV[4])
redis.call('ZADD', KEYS[3], redis.call('HGET', KEYS[1], 'score'), ARGV[1])
return 1
`)

var renewScript = redis.NewScript(lockCheck + `
redis.call('HSET', KEYS[1], 'locked_until', ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
return 1
`)

var deadLetterScript = redis.NewScript(lockCheck + `
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[1])
redis.call('LPUSH', KEYS[3], ARGV[4])
return 1
`)

type RedisConfig struct {
	Queue        string
	Lease        time.Duration
	PollInterval time.Duration
}

// RedisTransport is a lease-based queue on Redis. All keys of a queue share
// a hash tag so the scripts stay on one cluster slot.
type RedisTransport struct {
	client *redis.Client
	cfg    RedisConfig
	prefix string
	now    func() time.Time
}

func NewRedisTransport(client *redis.Client, cfg RedisConfig) *RedisTransport {
	if cfg.Queue == "" {
		cfg.Queue = "deployments"
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	return &RedisTransport{
		client: client,
		cfg:    cfg,
		prefix: fmt.Sprintf("deployq:{%s}:", cfg.Queue),
		now:    time.Now,
	}
}

func (r *RedisTransport) readyKey() string    { return r.prefix + "ready" }
func (r *RedisTransport) delayedKey() string  { return r.prefix + "delayed" }
func (r *RedisTransport) inflightKey() string { return r.prefix + "inflight" }
func (r *RedisTransport) deadKey() string     { return r.prefix + "dead" }
func (r *RedisTransport) msgPrefix() string   { return r.prefix + "msg:" }
func (r *RedisTransport) msgKey(id string) string {
	return r.msgPrefix() + id
}

func millis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

func readyScore(priority int, enqueued time.Time) float64 {
	return float64(domain.MaxPriority-priority)*priorityScale + float64(millis(enqueued))
}

func (r *RedisTransport) Send(ctx context.Context, body []byte, opts domain.SendOptions) error {
	id := opts.MessageID
	if id == "" {
		id = uuid.NewString()
	}
	now := r.now()
	priority := domain.ClampPriority(opts.Priority)
	var deliverAt int64
	if opts.DeliverAt.After(now) {
		deliverAt = millis(opts.DeliverAt)
	}

	score := strconv.FormatFloat(readyScore(priority, now), 'f', 0, 64)
	err := sendScript.Run(ctx, r.client,
		[]string{r.msgKey(id), r.readyKey(), r.delayedKey()},
		id, body, priority, millis(now), score, deliverAt,
	).Err()
	if err != nil {
		return errors.Wrapf(err, "send message %s", id)
	}
	return nil
}

func (r *RedisTransport) ScheduleAt(ctx context.Context, body []byte, at time.Time, opts domain.SendOptions) error {
	opts.DeliverAt = at
	return r.Send(ctx, body, opts)
}

// ReceiveBatch polls until at least one message is available or maxWait
// elapses. It returns nil, nil when the wait expires empty.
func (r *RedisTransport) ReceiveBatch(ctx context.Context, maxCount int, maxWait time.Duration) ([]*domain.LockedMessage, error) {
	if maxCount <= 0 {
		maxCount = 1
	}
	deadline := r.now().Add(maxWait)
	for {
		if _, _, err := r.Maintain(ctx, r.now()); err != nil {
			return nil, err
		}
		msgs, err := r.lockBatch(ctx, maxCount)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}
		if !r.now().Before(deadline) {
			return nil, nil
		}
		wait := r.cfg.PollInterval
		if remaining := deadline.Sub(r.now()); remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (r *RedisTransport) lockBatch(ctx context.Context, maxCount int) ([]*domain.LockedMessage, error) {
	now := r.now()
	leaseUntil := now.Add(r.cfg.Lease)
	raw, err := receiveScript.Run(ctx, r.client,
		[]string{r.readyKey(), r.inflightKey()},
		maxCount, millis(leaseUntil), r.msgPrefix(), uuid.NewString(),
	).Result()
	if err != nil {
		return nil, errors.Wrap(err, "receive batch")
	}
	rows, ok := raw.([]interface{})
	if !ok {
		return nil, errors.Errorf("unexpected receive reply %T", raw)
	}

	out := make([]*domain.LockedMessage, 0, len(rows))
	for _, row := range rows {
		fields, ok := row.([]interface{})
		if !ok || len(fields) != 6 {
			return nil, errors.Errorf("unexpected receive row %v", row)
		}
		msg := &domain.LockedMessage{
			ID:          toString(fields[0]),
			Body:        []byte(toString(fields[1])),
			LockToken:   toString(fields[3]),
			LockedUntil: leaseUntil,
		}
		msg.DeliveryCount = int(toInt(fields[2]))
		msg.Priority = int(toInt(fields[4]))
		msg.EnqueuedAt = time.Unix(0, toInt(fields[5])*int64(time.Millisecond))
		out = append(out, msg)
	}
	return out, nil
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func toInt(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

func (r *RedisTransport) settle(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) error {
	n, err := script.Run(ctx, r.client, keys, args...).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrLockLost
	}
	return nil
}

func (r *RedisTransport) Complete(ctx context.Context, msg *domain.LockedMessage) error {
	return r.settle(ctx, completeScript,
		[]string{r.msgKey(msg.ID), r.inflightKey()},
		msg.ID, msg.LockToken, millis(r.now()),
	)
}

// Renew extends the lease of a message the caller still holds.
func (r *RedisTransport) Renew(ctx context.Context, msg *domain.LockedMessage) error {
	now := r.now()
	return r.settle(ctx, renewScript,
		[]string{r.msgKey(msg.ID), r.inflightKey()},
		msg.ID, msg.LockToken, millis(now), millis(now.Add(r.cfg.Lease)),
	)
}

func (r *RedisTransport) Abandon(ctx context.Context, msg *domain.LockedMessage, reason string) error {
	return r.settle(ctx, abandonScript,
		[]string{r.msgKey(msg.ID), r.inflightKey(), r.readyKey()},
		msg.ID, msg.LockToken, millis(r.now()), reason,
	)
}

func (r *RedisTransport) DeadLetter(ctx context.Context, msg *domain.LockedMessage, reason domain.DeadLetterReason, detail string) error {
	rec := domain.DeadLetterRecord{
		MessageID:     msg.ID,
		Reason:        reason,
		FinalError:    detail,
		DeliveryCount: msg.DeliveryCount,
		DeadLetterAt:  r.now().UTC(),
	}
	if qm, err := domain.DecodeQueueMessage(msg.Body); err == nil {
		rec.Message = qm
	} else {
		rec.RawBody = msg.Body
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode dead-letter record")
	}
	return r.settle(ctx, deadLetterScript,
		[]string{r.msgKey(msg.ID), r.inflightKey(), r.deadKey()},
		msg.ID, msg.LockToken, millis(r.now()), payload,
	)
}

// DeadLetters returns the most recent dead-lettered messages first.
func (r *RedisTransport) DeadLetters(ctx context.Context, limit int) ([]domain.DeadLetterRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := r.client.LRange(ctx, r.deadKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "read dead letters")
	}
	out := make([]domain.DeadLetterRecord, 0, len(raw))
	for _, item := range raw {
		var rec domain.DeadLetterRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, errors.Wrap(err, "decode dead-letter record")
		}
		out = append(out, rec)
	}
	return out, nil
}

// Maintain promotes due scheduled messages and returns messages whose lease
// ended to the ready set.
func (r *RedisTransport) Maintain(ctx context.Context, now time.Time) (int, int, error) {
	res, err := maintainScript.Run(ctx, r.client,
		[]string{r.readyKey(), r.delayedKey(), r.inflightKey()},
		millis(now), r.msgPrefix(),
	).Result()
	if err != nil {
		return 0, 0, errors.Wrap(err, "queue maintenance")
	}
	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return 0, 0, errors.Errorf("unexpected maintenance reply %v", res)
	}
	return int(toInt(pair[0])), int(toInt(pair[1])), nil
}

func (r *RedisTransport) Close() error {
	return r.client.Close()
}
