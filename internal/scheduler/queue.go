// Package scheduler assigns accounts to sync workers. Redis holds the authority:
// a pending queue and an assignment hash per zone, changed only by Lua scripts so
// that every claim, unassign and transfer is a single atomic step.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/vdavid/mailsync/internal/metrics"
)

// claimScript pops the queue head and assigns it unless another worker already
// owns it. Ids travel as strings since Lua numbers cannot hold 64-bit ids.
var claimScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if not id then
	return {'empty'}
end
if redis.call('HSETNX', KEYS[2], id, ARGV[1]) == 1 then
	return {'claimed', id}
end
return {'lost', id}
`)

// unassignScript deletes the assignment only if it still names the expected worker.
var unassignScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) == ARGV[2] then
	redis.call('HDEL', KEYS[1], ARGV[1])
	return 1
end
return 0
`)

// transferScript moves an assignment to another worker, possibly in another
// zone's map. The new entry is written before the old one is removed. An empty
// ARGV[3] skips the current-owner check.
var transferScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], ARGV[1])
if not current then
	return 0
end
if ARGV[3] ~= '' and current ~= ARGV[3] then
	return 0
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
if KEYS[1] ~= KEYS[2] then
	redis.call('HDEL', KEYS[1], ARGV[1])
end
return 1
`)

// QueueKey is the pending list of a zone. The braces keep both keys of a zone in
// one cluster slot.
func QueueKey(zone string) string {
	return fmt.Sprintf("mailsync:{%s}:queue", zone)
}

// AssignmentsKey is the account id -> worker id hash of a zone.
func AssignmentsKey(zone string) string {
	return fmt.Sprintf("mailsync:{%s}:assignments", zone)
}

// QueueClient is the zone-scoped view of the assignment store.
type QueueClient struct {
	rdb  redis.Cmdable
	zone string
}

func NewQueueClient(rdb redis.Cmdable, zone string) *QueueClient {
	return &QueueClient{rdb: rdb, zone: zone}
}

func (q *QueueClient) Zone() string {
	return q.zone
}

// ClaimNext pops the next queued account and assigns it to workerID. It returns
// false without an error when the queue is empty or another worker won the account.
func (q *QueueClient) ClaimNext(ctx context.Context, workerID string) (int64, bool, error) {
	res, err := claimScript.Run(ctx, q.rdb, []string{QueueKey(q.zone), AssignmentsKey(q.zone)}, workerID).Slice()
	if err != nil {
		return 0, false, fmt.Errorf("failed to claim account: %w", err)
	}
	if len(res) == 0 {
		return 0, false, errors.New("failed to claim account: empty script reply")
	}

	outcome, _ := res[0].(string)
	metrics.Claims.WithLabelValues(outcome).Inc()
	if outcome != "claimed" {
		return 0, false, nil
	}
	id, err := parseID(res[1])
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// Unassign removes the assignment if workerID still owns the account.
func (q *QueueClient) Unassign(ctx context.Context, accountID int64, workerID string) (bool, error) {
	n, err := unassignScript.Run(ctx, q.rdb, []string{AssignmentsKey(q.zone)}, formatID(accountID), workerID).Int()
	if err != nil {
		return false, fmt.Errorf("failed to unassign account %d: %w", accountID, err)
	}
	return n == 1, nil
}

// Transfer hands an account owned in this zone to newWorkerID in toZone. When
// expectedWorker is set the transfer only happens if it is the current owner.
func (q *QueueClient) Transfer(ctx context.Context, accountID int64, newWorkerID, toZone, expectedWorker string) (bool, error) {
	keys := []string{AssignmentsKey(q.zone), AssignmentsKey(toZone)}
	n, err := transferScript.Run(ctx, q.rdb, keys, formatID(accountID), newWorkerID, expectedWorker).Int()
	if err != nil {
		return false, fmt.Errorf("failed to transfer account %d: %w", accountID, err)
	}
	return n == 1, nil
}

// Enqueue appends accounts to the pending queue.
func (q *QueueClient) Enqueue(ctx context.Context, accountIDs ...int64) error {
	if len(accountIDs) == 0 {
		return nil
	}
	values := make([]interface{}, len(accountIDs))
	for i, id := range accountIDs {
		values[i] = formatID(id)
	}
	if err := q.rdb.RPush(ctx, QueueKey(q.zone), values...).Err(); err != nil {
		return fmt.Errorf("failed to enqueue accounts: %w", err)
	}
	return nil
}

// Queued lists the pending queue, head first.
func (q *QueueClient) Queued(ctx context.Context) ([]int64, error) {
	raw, err := q.rdb.LRange(ctx, QueueKey(q.zone), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	out := make([]int64, 0, len(raw))
	for _, s := range raw {
		id, err := parseID(s)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// Assignments returns the account id -> worker id map of the zone.
func (q *QueueClient) Assignments(ctx context.Context) (map[int64]string, error) {
	raw, err := q.rdb.HGetAll(ctx, AssignmentsKey(q.zone)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read assignments: %w", err)
	}
	out := make(map[int64]string, len(raw))
	for k, worker := range raw {
		id, err := parseID(k)
		if err != nil {
			return nil, err
		}
		out[id] = worker
	}
	return out, nil
}

// Owner returns the worker an account is assigned to.
func (q *QueueClient) Owner(ctx context.Context, accountID int64) (string, bool, error) {
	worker, err := q.rdb.HGet(ctx, AssignmentsKey(q.zone), formatID(accountID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read owner of account %d: %w", accountID, err)
	}
	return worker, true, nil
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func parseID(v interface{}) (int64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected account id %v (%T)", v, v)
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid account id %q: %w", s, err)
	}
	return id, nil
}
