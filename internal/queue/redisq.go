package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/Dhrubot/choukidar-sub001/internal/clock"
	"github.com/Dhrubot/choukidar-sub001/internal/domain"
)

// Redis is the broker-backed queue. Layout per tier:
//
//	ready:{tier}  ZSET scored by Score(priority, readyAt); members carry a
//	              zero-padded insertion sequence so equal scores pop FIFO
//	delay:{tier}  ZSET scored by ReadyAt epoch-ms, promoted by MoveDue
//	active:{tier} ZSET scored by processing deadline, swept by ReclaimStalled
//	job:{id}      JSON record envelope
//	completed:{tier}, failed:{tier} counters
type Redis struct {
	rdb *r.Client
	clk clock.Clock
}

func NewRedis(rdb *r.Client, clk clock.Clock) *Redis {
	return &Redis{rdb: rdb, clk: clk}
}

func (q *Redis) Name() domain.Backend { return domain.BackendBroker }

func readyKey(t domain.Tier) string  { return "ready:" + t.String() }
func delayKey(t domain.Tier) string  { return "delay:" + t.String() }
func activeKey(t domain.Tier) string { return "active:" + t.String() }
func jobKey(id string) string        { return "job:" + id }

func member(seq uint64, id string) string {
	return fmt.Sprintf("%020d:%s", seq, id)
}

func memberID(m string) string {
	if len(m) > 21 {
		return m[21:]
	}
	return ""
}

func (q *Redis) Enqueue(ctx context.Context, job *domain.Job) error {
	seq, err := q.rdb.Incr(ctx, "seq").Result()
	if err != nil {
		return errors.Wrap(err, "broker enqueue: sequence")
	}
	rec := record{Seq: uint64(seq), Job: job}
	job.Status = domain.Queued
	job.Backend = domain.BackendBroker

	raw, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "broker enqueue: marshal")
	}

	m := member(uint64(seq), job.ID)
	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), raw, 0)
	if job.ReadyAt.After(q.clk.Now()) {
		pipe.ZAdd(ctx, delayKey(job.Tier), r.Z{Score: float64(job.ReadyAt.UnixMilli()), Member: m})
	} else {
		pipe.ZAdd(ctx, readyKey(job.Tier), r.Z{Score: Score(job.Priority, job.ReadyAt), Member: m})
	}
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "broker enqueue")
}

// claimScript moves the lowest-scored member from the ready set into the
// active set in one atomic step. A claimed job is always in exactly one
// ZSET, so a crash or network error mid-dequeue leaves it recoverable by
// the stall sweep instead of stranded outside both sets.
var claimScript = r.NewScript(`
local m = redis.call('ZRANGE', KEYS[1], 0, 0)
if #m == 0 then
  return false
end
redis.call('ZREM', KEYS[1], m[1])
redis.call('ZADD', KEYS[2], ARGV[1], m[1])
return m[1]
`)

func (q *Redis) Dequeue(ctx context.Context, tier domain.Tier, deadline time.Time) (*domain.Job, error) {
	// a few extra claims tolerate orphaned members left by crashed writers
	for attempt := 0; attempt < 3; attempt++ {
		m, err := claimScript.Run(ctx, q.rdb,
			[]string{readyKey(tier), activeKey(tier)}, deadline.UnixMilli()).Text()
		if err != nil {
			if errors.Is(err, r.Nil) {
				return nil, nil
			}
			return nil, errors.Wrap(err, "broker dequeue")
		}
		rec, err := q.getRecord(ctx, memberID(m))
		if err != nil {
			if errors.Is(err, r.Nil) {
				q.rdb.ZRem(ctx, activeKey(tier), m)
				continue
			}
			return nil, err
		}

		rec.Job.Status = domain.Active
		raw, err := json.Marshal(rec)
		if err != nil {
			return nil, errors.Wrap(err, "broker dequeue: marshal")
		}
		// the member already sits in the active set; if this write fails
		// the sweep picks the job up after its deadline
		if err := q.rdb.Set(ctx, jobKey(rec.Job.ID), raw, 0).Err(); err != nil {
			return nil, errors.Wrap(err, "broker dequeue: record")
		}
		return rec.Job, nil
	}
	return nil, nil
}

func (q *Redis) Complete(ctx context.Context, job *domain.Job) error {
	rec, err := q.getRecord(ctx, job.ID)
	if err != nil {
		return err
	}
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, activeKey(job.Tier), member(rec.Seq, job.ID))
	pipe.Del(ctx, jobKey(job.ID))
	pipe.Incr(ctx, "completed:"+job.Tier.String())
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "broker complete")
}

func (q *Redis) Retry(ctx context.Context, job *domain.Job) error {
	rec, err := q.getRecord(ctx, job.ID)
	if err != nil {
		return err
	}
	rec.Job = job
	raw, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "broker retry: marshal")
	}
	m := member(rec.Seq, job.ID)
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, activeKey(job.Tier), m)
	pipe.Set(ctx, jobKey(job.ID), raw, 0)
	if job.ReadyAt.After(q.clk.Now()) {
		pipe.ZAdd(ctx, delayKey(job.Tier), r.Z{Score: float64(job.ReadyAt.UnixMilli()), Member: m})
	} else {
		pipe.ZAdd(ctx, readyKey(job.Tier), r.Z{Score: Score(job.Priority, job.ReadyAt), Member: m})
	}
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "broker retry")
}

func (q *Redis) Discard(ctx context.Context, job *domain.Job) error {
	rec, err := q.getRecord(ctx, job.ID)
	if err != nil {
		return err
	}
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, activeKey(job.Tier), member(rec.Seq, job.ID))
	pipe.Del(ctx, jobKey(job.ID))
	pipe.Incr(ctx, "failed:"+job.Tier.String())
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "broker discard")
}

func (q *Redis) MoveDue(ctx context.Context, tier domain.Tier, now time.Time, batch int64) (int, error) {
	ms, err := q.rdb.ZRangeByScore(ctx, delayKey(tier), &r.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10), Offset: 0, Count: batch,
	}).Result()
	if err != nil || len(ms) == 0 {
		return 0, errors.Wrap(err, "broker move due")
	}

	pipe := q.rdb.TxPipeline()
	moved := 0
	for _, m := range ms {
		rec, err := q.getRecord(ctx, memberID(m))
		if err != nil {
			if errors.Is(err, r.Nil) {
				pipe.ZRem(ctx, delayKey(tier), m)
				continue
			}
			return moved, err
		}
		pipe.ZAdd(ctx, readyKey(tier), r.Z{Score: Score(rec.Job.Priority, rec.Job.ReadyAt), Member: m})
		pipe.ZRem(ctx, delayKey(tier), m)
		moved++
	}
	_, err = pipe.Exec(ctx)
	return moved, errors.Wrap(err, "broker move due")
}

func (q *Redis) ReclaimStalled(ctx context.Context, tier domain.Tier, now time.Time, batch int64) ([]*domain.Job, error) {
	ms, err := q.rdb.ZRangeByScore(ctx, activeKey(tier), &r.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10), Offset: 0, Count: batch,
	}).Result()
	if err != nil || len(ms) == 0 {
		return nil, errors.Wrap(err, "broker reclaim")
	}

	var out []*domain.Job
	for _, m := range ms {
		rec, err := q.getRecord(ctx, memberID(m))
		if err != nil {
			if errors.Is(err, r.Nil) {
				q.rdb.ZRem(ctx, activeKey(tier), m)
				continue
			}
			return out, err
		}
		rec.Job.StallCount++
		rec.Job.Status = domain.Stalled
		raw, err := json.Marshal(rec)
		if err != nil {
			return out, errors.Wrap(err, "broker reclaim: marshal")
		}
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, activeKey(tier), m)
		pipe.Set(ctx, jobKey(rec.Job.ID), raw, 0)
		if _, err := pipe.Exec(ctx); err != nil {
			return out, errors.Wrap(err, "broker reclaim")
		}
		out = append(out, rec.Job)
	}
	return out, nil
}

func (q *Redis) Stats(ctx context.Context, tier domain.Tier) (Stats, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.ZCard(ctx, readyKey(tier))
	active := pipe.ZCard(ctx, activeKey(tier))
	delayed := pipe.ZCard(ctx, delayKey(tier))
	completed := pipe.Get(ctx, "completed:"+tier.String())
	failed := pipe.Get(ctx, "failed:"+tier.String())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, r.Nil) {
		return Stats{}, errors.Wrap(err, "broker stats")
	}
	s := Stats{
		Waiting: waiting.Val(),
		Active:  active.Val(),
		Delayed: delayed.Val(),
	}
	s.Completed, _ = strconv.ParseInt(completed.Val(), 10, 64)
	s.Failed, _ = strconv.ParseInt(failed.Val(), 10, 64)
	return s, nil
}

func (q *Redis) getRecord(ctx context.Context, id string) (*record, error) {
	raw, err := q.rdb.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		return nil, errors.Wrapf(err, "broker: job %s", id)
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errors.Wrapf(err, "broker: job %s: unmarshal", id)
	}
	return &rec, nil
}
