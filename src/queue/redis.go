// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package queue

import (
	"context"
	"fmt"
	"math"

	"github.com/go-redis/redis/v8"
)

const (
	priorityQueueKey = "task:priority_queue"
	enqueueSeqKey    = "task:enqueue_seq"

	// bandWidth spaces priority bands far enough apart that the per-band
	// FIFO sequence never crosses into the next band.
	bandWidth = 1e9
)

// Redis is a ZSET-backed Queue for deployments where enqueue durability must
// survive the process independently of the store, or where several API
// processes feed one dispatcher. Score encodes (priority desc, arrival asc):
// lower score pops first, so score = -priority*bandWidth + arrivalSeq.
type Redis struct {
	rdb  *redis.Client
	ctx  context.Context
	wake chan struct{}
}

func NewRedis(addr string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &Redis{rdb: rdb, ctx: ctx, wake: make(chan struct{}, 1)}, nil
}

func (q *Redis) Close() error { return q.rdb.Close() }

func score(priority int, seq int64) float64 {
	return -float64(priority)*bandWidth + float64(seq)
}

func (q *Redis) Enqueue(taskID string, priority int) (int, error) {
	seq, err := q.rdb.Incr(q.ctx, enqueueSeqKey).Result()
	if err != nil {
		return 0, err
	}
	// ZAdd acknowledges only after Redis has the entry; with appendonly
	// enabled that is the durability point.
	if err := q.rdb.ZAdd(q.ctx, priorityQueueKey, &redis.Z{
		Score:  score(priority, seq),
		Member: taskID,
	}).Err(); err != nil {
		return 0, err
	}
	rank, err := q.rdb.ZRank(q.ctx, priorityQueueKey, taskID).Result()
	if err != nil {
		return 0, err
	}
	q.signal()
	return int(rank) + 1, nil
}

func (q *Redis) DequeueNext() (string, bool, error) {
	res := q.rdb.ZPopMin(q.ctx, priorityQueueKey, 1).Val()
	if len(res) == 0 {
		return "", false, nil
	}
	id, _ := res[0].Member.(string)
	return id, true, nil
}

func (q *Redis) Reposition(taskID string, newPriority int) error {
	old, err := q.rdb.ZScore(q.ctx, priorityQueueKey, taskID).Result()
	if err == redis.Nil {
		return nil
	} else if err != nil {
		return err
	}
	// Recover the arrival sequence from the old score so enqueue order
	// within the new band is preserved.
	seq := old - math.Floor(old/bandWidth)*bandWidth
	return q.rdb.ZAdd(q.ctx, priorityQueueKey, &redis.Z{
		Score:  -float64(newPriority)*bandWidth + seq,
		Member: taskID,
	}).Err()
}

func (q *Redis) Remove(taskID string) (bool, error) {
	n, err := q.rdb.ZRem(q.ctx, priorityQueueKey, taskID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (q *Redis) Status() (*Status, error) {
	ids, err := q.rdb.ZRange(q.ctx, priorityQueueKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	st := &Status{Depth: len(ids), Positions: make(map[string]int, len(ids))}
	for i, id := range ids {
		st.Positions[id] = i + 1
	}
	return st, nil
}

func (q *Redis) Wake() <-chan struct{} { return q.wake }

func (q *Redis) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
