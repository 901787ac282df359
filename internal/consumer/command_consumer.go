package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"ptw-monitor/internal/config"
	"ptw-monitor/internal/models"
	"ptw-monitor/pkg/redisx"
)

// Command action names accepted on the command stream.
const (
	ActionRecordEntry        = "record_entry"
	ActionRecordExit         = "record_exit"
	ActionRecordGasTest      = "record_gas_test"
	ActionConfirmSafetyCheck = "confirm_safety_check"
	ActionTriggerEvacuation  = "trigger_evacuation"
	ActionStandDown          = "stand_down"
	ActionConfirmClosure     = "confirm_closure"
	ActionChangeStatus       = "change_status"
)

// Command is one attendant or officer action submitted over the command
// stream.
type Command struct {
	PermitID   string              `json:"permit_id"`
	Action     string              `json:"action"`
	Name       string              `json:"name,omitempty"`       // entrant, tester or confirmer
	Authorizer string              `json:"authorizer,omitempty"` // for status transitions
	Target     string              `json:"target,omitempty"`     // target status
	Item       string              `json:"item,omitempty"`       // closure checklist item
	Readings   []models.GasReading `json:"readings,omitempty"`   // gas test measurements
}

// Dispatcher applies a command against the in-memory permit controllers.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd Command) error
}

// CommandConsumer reads attendant commands from the Redis command stream and
// hands them to the dispatcher. A rejected command is logged and acknowledged;
// the ship-side client learns the outcome from the status mirror.
type CommandConsumer struct {
	config      *config.Config
	redisClient *redis.Client
	dispatcher  Dispatcher
	logger      *zap.Logger
}

// NewCommandConsumer creates a command consumer.
func NewCommandConsumer(
	cfg *config.Config,
	redisClient *redis.Client,
	dispatcher Dispatcher,
	logger *zap.Logger,
) *CommandConsumer {
	return &CommandConsumer{
		config:      cfg,
		redisClient: redisClient,
		dispatcher:  dispatcher,
		logger:      logger,
	}
}

// Start runs the consume loop until the context is cancelled.
func (c *CommandConsumer) Start(ctx context.Context) error {
	stream := c.config.Monitor.Stream.Name
	group := c.config.Monitor.Stream.ConsumerGroup

	if err := redisx.CreateConsumerGroup(ctx, c.redisClient, stream, group); err != nil {
		return fmt.Errorf("failed to create consumer group for %s: %w", stream, err)
	}

	c.logger.Info("Command consumer started",
		zap.String("stream", stream),
		zap.String("consumer_group", group),
		zap.String("consumer_name", c.config.Monitor.Stream.ConsumerName),
	)

	backoffDuration := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			if err := c.consumeOnce(ctx); err != nil {
				c.logger.Error("Failed to consume command stream",
					zap.Error(err),
					zap.Duration("backoff", backoffDuration),
				)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(backoffDuration):
					backoffDuration *= 2
					if backoffDuration > maxBackoff {
						backoffDuration = maxBackoff
					}
				}
			} else {
				backoffDuration = time.Second
			}
		}
	}
}

func (c *CommandConsumer) consumeOnce(ctx context.Context) error {
	stream := c.config.Monitor.Stream.Name
	group := c.config.Monitor.Stream.ConsumerGroup

	messages, err := redisx.ReadFromStream(
		ctx,
		c.redisClient,
		stream,
		group,
		c.config.Monitor.Stream.ConsumerName,
		10,
	)
	if err != nil {
		return fmt.Errorf("failed to read from stream %s: %w", stream, err)
	}

	for _, msg := range messages {
		if err := c.processMessage(ctx, msg); err != nil {
			// The command was understood but rejected (wrong state, unknown
			// permit, insufficient rank). Log and move on; redelivering it
			// would fail identically.
			c.logger.Warn("Command rejected",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
		if err := redisx.AckMessage(ctx, c.redisClient, stream, group, msg.ID); err != nil {
			c.logger.Error("Failed to ack message",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
	}

	return nil
}

func (c *CommandConsumer) processMessage(ctx context.Context, msg redisx.StreamMessage) error {
	raw, ok := msg.Values["data"].(string)
	if !ok {
		return fmt.Errorf("message %s has no data field", msg.ID)
	}

	var cmd Command
	if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}
	if cmd.PermitID == "" {
		return fmt.Errorf("command missing permit_id")
	}
	if cmd.Action == "" {
		return fmt.Errorf("command missing action")
	}

	if err := c.dispatcher.Dispatch(ctx, cmd); err != nil {
		return fmt.Errorf("action %s on permit %s: %w", cmd.Action, cmd.PermitID, err)
	}

	c.logger.Info("Command applied",
		zap.String("permit_id", cmd.PermitID),
		zap.String("action", cmd.Action),
	)
	return nil
}
