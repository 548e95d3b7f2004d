package event

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"

	"otp-service/internal/bucketing"
	"otp-service/internal/client"
	"otp-service/internal/config"
	"otp-service/internal/model"
	"otp-service/internal/util"
)

// IssueEvent is published for every issuance attempt. It carries the
// destination and purpose but never the code itself.
type IssueEvent struct {
	CodeID    string    `json:"code_id"`
	Address   string    `json:"address"`
	Channel   string    `json:"channel"`
	Purpose   string    `json:"purpose"`
	IPAddress string    `json:"ip_address,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	Delivered bool      `json:"delivered"`
	IssuedAt  time.Time `json:"issued_at"`
}

// VerifiedEvent is published after a code is consumed. Downstream identity
// systems key account actions off this.
type VerifiedEvent struct {
	CodeID     string    `json:"code_id"`
	Address    string    `json:"address"`
	Channel    string    `json:"channel"`
	Purpose    string    `json:"purpose"`
	VerifiedAt time.Time `json:"verified_at"`
}

// Recorder fans events out to Kafka and the ClickHouse audit table. Both
// sinks are best effort; a recording failure is logged and swallowed so it
// can never fail an issuance or a verification.
type Recorder struct {
	producer   *client.KafkaProducer
	clickhouse *client.ClickHouseClient
	buckets    *bucketing.BucketingManager
	config     *config.KafkaConfig
	chConfig   *config.ClickhouseConfig
}

func NewRecorder(
	producer *client.KafkaProducer,
	clickhouse *client.ClickHouseClient,
	buckets *bucketing.BucketingManager,
	cfg *config.Config,
) *Recorder {
	return &Recorder{
		producer:   producer,
		clickhouse: clickhouse,
		buckets:    buckets,
		config:     &cfg.Kafka,
		chConfig:   &cfg.Clickhouse,
	}
}

func (r *Recorder) RecordIssue(ctx context.Context, code *model.VerificationCode, delivered bool) {
	ev := IssueEvent{
		CodeID:    code.ID,
		Address:   code.Address,
		Channel:   string(code.Channel),
		Purpose:   string(code.Purpose),
		IPAddress: code.Metadata.IPAddress,
		UserAgent: code.Metadata.UserAgent,
		Delivered: delivered,
		IssuedAt:  code.CreatedAt,
	}

	r.publish(ctx, r.config.AttemptTopic, ev.Address, ev)
	r.audit(ctx, code, delivered)
}

func (r *Recorder) RecordVerified(ctx context.Context, code *model.VerificationCode, verifiedAt time.Time) {
	ev := VerifiedEvent{
		CodeID:     code.ID,
		Address:    code.Address,
		Channel:    string(code.Channel),
		Purpose:    string(code.Purpose),
		VerifiedAt: verifiedAt,
	}

	r.publish(ctx, r.config.VerifiedTopic, ev.Address, ev)
}

func (r *Recorder) publish(ctx context.Context, topic, address string, ev interface{}) {
	if r.producer == nil || !r.config.Enabled {
		return
	}

	value, err := json.Marshal(ev)
	if err != nil {
		util.Warn("Failed to marshal event", zap.String("topic", topic), zap.Error(err))
		return
	}

	// Partition key spreads hot addresses across a fixed bucket count
	bucket := r.buckets.GetEventBucket(address)
	key := []byte(strconv.Itoa(bucket))

	if err := r.producer.ProduceMessage(ctx, topic, key, value, nil); err != nil {
		util.Warn("Failed to publish event",
			zap.String("topic", topic),
			zap.Int("bucket", bucket),
			zap.Error(err))
	}
}

func (r *Recorder) audit(ctx context.Context, code *model.VerificationCode, delivered bool) {
	if r.clickhouse == nil || !r.chConfig.Enabled {
		return
	}

	query := `INSERT INTO otp_attempts (
        code_id, address, channel, purpose, ip_address, user_agent,
        delivered, issued_at, address_bucket, hour_bucket
    )`
	row := []interface{}{
		code.ID, code.Address, string(code.Channel), string(code.Purpose),
		code.Metadata.IPAddress, code.Metadata.UserAgent,
		delivered, code.CreatedAt,
		int32(r.buckets.GetEventBucket(code.Address)),
		r.buckets.GetTimeBucket(code.CreatedAt, time.Hour),
	}

	if err := r.clickhouse.BatchInsert(ctx, query, [][]interface{}{row}); err != nil {
		util.Warn("Failed to write attempt audit row",
			zap.String("code_id", code.ID),
			zap.Error(err))
	}
}
