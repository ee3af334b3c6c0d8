package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tradecore-settlement/pkg/config"
	"tradecore-settlement/pkg/errutil"
	"tradecore-settlement/services/job"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TradeRecord is the completed-trade message produced by the trade-execution
// subsystem. The fee split arrives pre-computed; nothing is derived here.
type TradeRecord struct {
	TradeID     string          `json:"trade_id"`
	BuyerID     string          `json:"buyer_id"`
	SellerID    string          `json:"seller_id"`
	TakerID     string          `json:"taker_id"`
	MakerID     string          `json:"maker_id"`
	BuyOrderID  string          `json:"buy_order_id"`
	SellOrderID string          `json:"sell_order_id"`
	Notional    decimal.Decimal `json:"notional"`
	FeeAmount   decimal.Decimal `json:"fee_amount"`
	MakerRebate decimal.Decimal `json:"maker_rebate"`
	Currency    string          `json:"currency"`
	ExecutedAt  time.Time       `json:"executed_at"`
}

func (t TradeRecord) Validate() error {
	if t.TradeID == "" {
		return errutil.ValidationFailed("trade_id is required")
	}
	if t.TakerID == "" || t.MakerID == "" {
		return errutil.ValidationFailed("taker_id and maker_id are required")
	}
	if t.Currency == "" {
		return errutil.ValidationFailed("currency is required")
	}
	if t.Notional.IsNegative() || t.FeeAmount.IsNegative() {
		return errutil.ValidationFailed("notional and fee_amount must not be negative")
	}
	return nil
}

// Consumer turns completed-trade messages into settlement jobs. Offsets are
// committed only after the enqueue transaction, so delivery is at-least-once;
// downstream deduplication absorbs replays.
type Consumer struct {
	db       *gorm.DB
	store    *job.Store
	consumer *kafka.Consumer
	topic    string
}

func NewConsumer(db *gorm.DB, store *job.Store, cfg *config.Config) (*Consumer, error) {
	kc, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Kafka.Brokers,
		"group.id":           cfg.Kafka.GroupID,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": false,
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}

	return &Consumer{
		db:       db,
		store:    store,
		consumer: kc,
		topic:    cfg.Kafka.TradeTopic,
	}, nil
}

func (c *Consumer) Run(ctx context.Context) error {
	if err := c.consumer.SubscribeTopics([]string{c.topic}, nil); err != nil {
		return fmt.Errorf("subscribe %s: %w", c.topic, err)
	}

	zap.L().Info("trade intake started", zap.String("topic", c.topic))

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("trade intake stopping")
			return c.consumer.Close()
		default:
		}

		msg, err := c.consumer.ReadMessage(time.Second)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) && kerr.Code() == kafka.ErrTimedOut {
				continue
			}
			zap.L().Error("kafka read failed", zap.Error(err))
			continue
		}

		var record TradeRecord
		if err := json.Unmarshal(msg.Value, &record); err != nil {
			zap.L().Error("malformed trade message, skipping",
				zap.String("topic", *msg.TopicPartition.Topic),
				zap.Error(err),
			)
			c.commit(msg)
			continue
		}

		if err := record.Validate(); err != nil {
			zap.L().Error("invalid trade record, skipping",
				zap.String("trade_id", record.TradeID),
				zap.Error(err),
			)
			c.commit(msg)
			continue
		}

		if err := c.HandleTrade(ctx, record); err != nil {
			// No commit: the message is redelivered and retried.
			zap.L().Error("trade enqueue failed",
				zap.String("trade_id", record.TradeID),
				zap.Error(err),
			)
			continue
		}

		c.commit(msg)
	}
}

func (c *Consumer) commit(msg *kafka.Message) {
	if _, err := c.consumer.CommitMessage(msg); err != nil {
		zap.L().Error("offset commit failed", zap.Error(err))
	}
}

// HandleTrade enqueues the settlement jobs for one trade in a single
// transaction: the fee split, one reward grant per side, and referral
// milestone checks. A trade whose fee job already exists is a replay and is
// skipped whole.
func (c *Consumer) HandleTrade(ctx context.Context, tr TradeRecord) error {
	var existing int64
	if err := c.db.WithContext(ctx).Model(&job.Job{}).
		Where("type = ? AND correlation_id = ?", job.TypeFeeDistribution, tr.TradeID).
		Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		zap.L().Info("trade already enqueued, skipping", zap.String("trade_id", tr.TradeID))
		return nil
	}

	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := c.store.WithTx(tx)
		corr := job.WithCorrelationID(tr.TradeID)

		if _, err := store.Enqueue(ctx, job.TypeFeeDistribution, job.FeeDistributionPayload{
			TradeID:     tr.TradeID,
			BuyerID:     tr.BuyerID,
			SellerID:    tr.SellerID,
			TakerID:     tr.TakerID,
			MakerID:     tr.MakerID,
			Notional:    tr.Notional,
			FeeAmount:   tr.FeeAmount,
			MakerRebate: tr.MakerRebate,
			Currency:    tr.Currency,
		}, corr); err != nil {
			return err
		}

		for _, side := range []struct {
			userID string
			role   string
		}{
			{tr.TakerID, "taker"},
			{tr.MakerID, "maker"},
		} {
			if _, err := store.Enqueue(ctx, job.TypeRewardDistribution, job.RewardDistributionPayload{
				TradeID:  tr.TradeID,
				UserID:   side.userID,
				Role:     side.role,
				Notional: tr.Notional,
				Currency: tr.Currency,
			}, corr); err != nil {
				return err
			}

			if _, err := store.Enqueue(ctx, job.TypeReferralUpdate, job.ReferralUpdatePayload{
				TradeID:  tr.TradeID,
				UserID:   side.userID,
				Notional: tr.Notional,
			}, corr); err != nil {
				return err
			}
		}

		return nil
	})
}
