package preview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "reconcile:preview:"

// putScript сохраняет план, только если он не старше сохранённого (last write wins по времени вычисления).
var putScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'ts')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'ts', ARGV[1], 'entry', ARGV[2])
if tonumber(ARGV[3]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

// RedisStore хранит предпросмотры в Redis, чтобы они переживали перезапуск
// и были общими для нескольких экземпляров сервиса.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisStore подключается к Redis по адресу addr и проверяет соединение.
func NewRedisStore(addr string, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, defaultKeyPrefix, ttl), nil
}

// NewRedisStoreWithClient создаёт хранилище поверх существующего клиента.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}
}

func (s *RedisStore) key(depositID int64) string {
	return s.keyPrefix + strconv.FormatInt(depositID, 10)
}

// Get возвращает предпросмотр депозита.
func (s *RedisStore) Get(ctx context.Context, depositID int64) (Entry, bool, error) {
	raw, err := s.client.HGet(ctx, s.key(depositID), "entry").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("get preview: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode preview: %w", err)
	}
	return e, true, nil
}

// Put сохраняет предпросмотр; более старая запись не перетирает более новую.
func (s *RedisStore) Put(ctx context.Context, depositID int64, e Entry) (bool, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("encode preview: %w", err)
	}

	res, err := putScript.Run(ctx, s.client,
		[]string{s.key(depositID)},
		e.ComputedAt.UnixMicro(), raw, s.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("put preview: %w", err)
	}
	return res == 1, nil
}

// Delete удаляет предпросмотр депозита.
func (s *RedisStore) Delete(ctx context.Context, depositID int64) error {
	if err := s.client.Del(ctx, s.key(depositID)).Err(); err != nil {
		return fmt.Errorf("delete preview: %w", err)
	}
	return nil
}

// Close закрывает клиент Redis.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
