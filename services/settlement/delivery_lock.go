package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DeliveryLock evita que réplicas diferentes processem a mesma entrega ao mesmo tempo.
// A correção não depende dele (o lock de linha garante); ele só evita trabalho duplicado.
type DeliveryLock interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// NoopDeliveryLock é usado quando não há Redis configurado
type NoopDeliveryLock struct{}

func (NoopDeliveryLock) Acquire(ctx context.Context, key string) (func(), error) {
	return func() {}, nil
}

// releaseScript só apaga a chave se o token ainda for o nosso
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisDeliveryLock implementa DeliveryLock com SET NX PX
type RedisDeliveryLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeliveryLock cria uma nova instância de RedisDeliveryLock
func NewRedisDeliveryLock(client *redis.Client, ttl time.Duration) *RedisDeliveryLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisDeliveryLock{client: client, ttl: ttl}
}

// Acquire retorna ErrDeliveryInProgress se outra réplica segura a chave.
// Se o Redis estiver indisponível o lock é ignorado (fail open).
func (l *RedisDeliveryLock) Acquire(ctx context.Context, key string) (func(), error) {
	redisKey := deliveryLockKey(key)
	token := uuid.New().String()

	ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
	if err != nil {
		log.Printf("⚠️  [DELIVERY LOCK] redis unavailable, continuing without lock | Key=%s | Error=%v", redisKey, err)
		return func() {}, nil
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeliveryInProgress, key)
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			log.Printf("⚠️  [DELIVERY LOCK] release failed | Key=%s | Error=%v", redisKey, err)
		}
	}
	return release, nil
}

func deliveryLockKey(key string) string {
	return fmt.Sprintf("settlement:delivery:%s", key)
}
