package queue

import (
	"errors"

	"github.com/redis/go-redis/v9"

	"ai-digest/internal/domain"
)

// Open выбирает брокер задач: RabbitMQ, если задан amqpURL, иначе список Redis.
// Возвращаемая функция освобождает соединение брокера и может быть вызвана всегда.
func Open(amqpURL string, client redis.UniversalClient, name string) (domain.DigestQueue, func() error, error) {
	if amqpURL != "" {
		rabbit, err := NewRabbitDigestQueue(amqpURL, name)
		if err != nil {
			return nil, nil, err
		}
		return rabbit, rabbit.Close, nil
	}
	if client == nil {
		return nil, nil, errors.New("не задан ни RabbitMQ, ни Redis для очереди дайджестов")
	}
	return NewRedisDigestQueue(client, name), func() error { return nil }, nil
}
