package redisx

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// StreamMessage is a single entry read from a Redis Stream.
type StreamMessage struct {
	Stream string
	ID     string
	Values map[string]interface{}
}

// PublishJSONToStream serializes data to JSON and appends it to a stream,
// alongside a unix timestamp field.
func PublishJSONToStream(ctx context.Context, client *redis.Client, stream string, data interface{}) (string, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return "", err
	}

	return client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data":      string(jsonBytes),
			"timestamp": fmt.Sprintf("%d", time.Now().Unix()),
		},
	}).Result()
}

// ReadFromStream reads pending entries for a consumer group, blocking up to
// five seconds when the stream is empty.
func ReadFromStream(ctx context.Context, client *redis.Client, stream string, consumerGroup string, consumer string, count int64) ([]StreamMessage, error) {
	streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    time.Second * 5,
	}).Result()

	if err != nil {
		if err == redis.Nil {
			return []StreamMessage{}, nil
		}
		return nil, err
	}

	var messages []StreamMessage
	for _, s := range streams {
		for _, msg := range s.Messages {
			messages = append(messages, StreamMessage{
				Stream: s.Stream,
				ID:     msg.ID,
				Values: msg.Values,
			})
		}
	}

	return messages, nil
}

// AckMessage acknowledges a processed entry in the consumer group.
func AckMessage(ctx context.Context, client *redis.Client, stream string, consumerGroup string, id string) error {
	return client.XAck(ctx, stream, consumerGroup, id).Err()
}

// CreateConsumerGroup ensures the stream and the consumer group exist.
func CreateConsumerGroup(ctx context.Context, client *redis.Client, stream string, groupName string) error {
	err := client.XGroupCreate(ctx, stream, groupName, "0").Err()
	if err == nil {
		return nil
	}
	// BUSYGROUP means the group already exists, which is fine.
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	// The stream may not exist yet. Create it with a throwaway entry,
	// delete the entry, and retry the group creation.
	msgID, createErr := client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"init": "true"},
	}).Result()
	if createErr != nil {
		return fmt.Errorf("failed to create stream: %w", createErr)
	}
	client.XDel(ctx, stream, msgID)

	err = client.XGroupCreate(ctx, stream, groupName, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}
