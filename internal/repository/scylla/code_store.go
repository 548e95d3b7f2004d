package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"otp-service/internal/model"
	"otp-service/internal/util"
)

// CodeStore persists verification codes in the verification_codes table,
// partitioned by (address, channel) and clustered by created_at DESC so the
// newest record for a pair is always the first row of its partition.
type CodeStore struct {
	client *ScyllaClient
}

func NewCodeStore(client *ScyllaClient, logger *zap.Logger) *CodeStore {
	return &CodeStore{
		client: client,
	}
}

// SupersedeActive downgrades every active row in the partition. Two racing
// issuances can both pass the scan and each insert an active row; the older
// one is then unreachable because verification only ever reads the newest
// row, and the next supersede or the janitor retires it. The LWT guard keeps
// a concurrent consumption from being overwritten.
func (s *CodeStore) SupersedeActive(ctx context.Context, address string, channel model.Channel) (int, error) {
	iter := s.client.Prepared.SelectByPair.
		Bind(address, string(channel)).
		WithContext(ctx).
		Iter()

	type rowKey struct {
		id        string
		createdAt time.Time
	}
	var actives []rowKey

	var (
		id        string
		code      string
		state     string
		purpose   string
		createdAt time.Time
		expiresAt time.Time
		ipAddress string
		userAgent string
	)
	for iter.Scan(&id, &code, &state, &purpose, &createdAt, &expiresAt, &ipAddress, &userAgent) {
		if state == string(model.StateActive) {
			actives = append(actives, rowKey{id: id, createdAt: createdAt})
		}
	}
	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("failed to scan active codes: %w", err)
	}

	superseded := 0
	for _, key := range actives {
		// Conditional update so a concurrent consumption of the same row
		// is never overwritten with superseded.
		applied, err := s.client.Prepared.SupersedeCode.
			Bind(address, string(channel), key.createdAt, key.id).
			WithContext(ctx).
			MapScanCAS(map[string]interface{}{})
		if err != nil {
			return superseded, fmt.Errorf("failed to supersede code %s: %w", key.id, err)
		}
		if applied {
			superseded++
		}
	}

	if superseded > 0 {
		util.Debug("Superseded active codes",
			zap.String("address", address),
			zap.String("channel", string(channel)),
			zap.Int("count", superseded))
	}

	return superseded, nil
}

func (s *CodeStore) Create(ctx context.Context, code *model.VerificationCode) (string, error) {
	if code.ID == "" {
		code.ID = uuid.New().String()
	}

	query := s.client.Prepared.InsertCode.Bind(
		code.Address, string(code.Channel), code.CreatedAt, code.ID,
		code.Code, string(code.State), string(code.Purpose),
		code.ExpiresAt, code.Metadata.IPAddress, code.Metadata.UserAgent,
	).WithContext(ctx)

	if err := s.client.ExecuteWithRetry(query, 3); err != nil {
		util.Error("Failed to create verification code",
			zap.String("address", code.Address),
			zap.String("channel", string(code.Channel)),
			zap.Error(err))
		return "", fmt.Errorf("failed to create verification code: %w", err)
	}

	util.Info("Verification code created",
		zap.String("id", code.ID),
		zap.String("address", code.Address),
		zap.String("channel", string(code.Channel)),
		zap.String("purpose", string(code.Purpose)))

	return code.ID, nil
}

// FindLatest returns the first row of the partition, which the clustering
// order makes the newest record for the pair. State filtering is left to the
// caller so a used record still resolves instead of reading as absent.
func (s *CodeStore) FindLatest(ctx context.Context, address string, channel model.Channel) (*model.VerificationCode, error) {
	iter := s.client.Prepared.SelectByPair.
		Bind(address, string(channel)).
		WithContext(ctx).
		Iter()

	var (
		id        string
		code      string
		state     string
		purpose   string
		createdAt time.Time
		expiresAt time.Time
		ipAddress string
		userAgent string
	)
	var found *model.VerificationCode
	if iter.Scan(&id, &code, &state, &purpose, &createdAt, &expiresAt, &ipAddress, &userAgent) {
		found = &model.VerificationCode{
			ID:        id,
			Address:   address,
			Channel:   channel,
			Code:      code,
			State:     model.CodeState(state),
			Purpose:   model.Purpose(purpose),
			CreatedAt: createdAt,
			ExpiresAt: expiresAt,
			Metadata: model.RequestMetadata{
				IPAddress: ipAddress,
				UserAgent: userAgent,
			},
		}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to find latest code: %w", err)
	}

	return found, nil
}

func (s *CodeStore) MarkUsed(ctx context.Context, code *model.VerificationCode) (bool, error) {
	applied, err := s.client.Prepared.MarkCodeUsed.
		Bind(code.Address, string(code.Channel), code.CreatedAt, code.ID).
		WithContext(ctx).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to mark code used",
			zap.String("id", code.ID),
			zap.String("address", code.Address),
			zap.Error(err))
		return false, fmt.Errorf("failed to mark code used: %w", err)
	}

	if applied {
		code.State = model.StateUsed
	}
	return applied, nil
}

func (s *CodeStore) DeleteExpired(ctx context.Context, olderThan time.Time) (int, error) {
	iter := s.client.Prepared.SelectExpiredIDs.
		Bind(olderThan).
		WithContext(ctx).
		Iter()

	type rowKey struct {
		address   string
		channel   string
		createdAt time.Time
		id        string
	}
	var expired []rowKey

	var (
		address   string
		channel   string
		createdAt time.Time
		id        string
	)
	for iter.Scan(&address, &channel, &createdAt, &id) {
		expired = append(expired, rowKey{address: address, channel: channel, createdAt: createdAt, id: id})
	}
	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("failed to scan expired codes: %w", err)
	}

	deleted := 0
	for _, key := range expired {
		query := s.client.Prepared.DeleteCode.
			Bind(key.address, key.channel, key.createdAt, key.id).
			WithContext(ctx)
		if err := query.Exec(); err != nil {
			if err == gocql.ErrNotFound {
				continue
			}
			return deleted, fmt.Errorf("failed to delete expired code %s: %w", key.id, err)
		}
		deleted++
	}

	if deleted > 0 {
		util.Info("Deleted expired verification codes", zap.Int("count", deleted))
	}

	return deleted, nil
}

func (s *CodeStore) HealthCheck(ctx context.Context) error {
	return s.client.HealthCheck()
}
