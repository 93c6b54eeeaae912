package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// promoteScript move membros vencidos do conjunto atrasado para a fila pronta
// de forma atômica, usando o score lembrado em KEYS[3].
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, member in ipairs(due) do
	local score = redis.call('HGET', KEYS[3], member)
	if score then
		redis.call('ZADD', KEYS[2], score, member)
	end
	redis.call('ZREM', KEYS[1], member)
	redis.call('HDEL', KEYS[3], member)
end
return #due
`)

func scoresKey(delayed string) string {
	return delayed + ":scores"
}

func (s *Storage) Push(ctx context.Context, queue, member string, score float64) error {
	return s.client.ZAdd(ctx, queue, redis.Z{Score: score, Member: member}).Err()
}

func (s *Storage) PopMin(ctx context.Context, queue string, count int) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}
	items, err := s.client.ZPopMin(ctx, queue, int64(count)).Result()
	if err != nil {
		return nil, err
	}
	members := make([]string, 0, len(items))
	for _, item := range items {
		switch m := item.Member.(type) {
		case string:
			members = append(members, m)
		default:
			members = append(members, fmt.Sprint(m))
		}
	}
	return members, nil
}

func (s *Storage) Remove(ctx context.Context, queue, member string) error {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, queue, member)
	pipe.HDel(ctx, scoresKey(queue), member)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Storage) Len(ctx context.Context, queue string) (int64, error) {
	return s.client.ZCard(ctx, queue).Result()
}

func (s *Storage) Schedule(ctx context.Context, delayed, member string, at time.Time, readyScore float64) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, scoresKey(delayed), member, strconv.FormatFloat(readyScore, 'f', -1, 64))
	pipe.ZAdd(ctx, delayed, redis.Z{Score: float64(at.UnixMilli()), Member: member})
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Storage) PromoteDue(ctx context.Context, delayed, ready string, now time.Time, max int) (int, error) {
	if max <= 0 {
		return 0, nil
	}
	n, err := promoteScript.Run(ctx, s.client,
		[]string{delayed, ready, scoresKey(delayed)},
		now.UnixMilli(), max,
	).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}
