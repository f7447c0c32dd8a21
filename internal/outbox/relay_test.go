package outbox

import (
	"errors"
	"testing"
	"time"

	"resume-ranker/internal/config"
	"resume-ranker/internal/storage/models"

	"github.com/stretchr/testify/assert"
)

func TestApplyPublishResult_Success(t *testing.T) {
	now := time.Now()
	msg := &models.OutboxMessage{Status: models.OutboxStatusPending, RetryCount: 2, ErrorMessage: "old"}

	applyPublishResult(msg, nil, 5, now)

	assert.Equal(t, models.OutboxStatusSent, msg.Status)
	assert.Empty(t, msg.ErrorMessage)
	if assert.NotNil(t, msg.ProcessedAt) {
		assert.Equal(t, now, *msg.ProcessedAt)
	}
}

func TestApplyPublishResult_RetriesThenFails(t *testing.T) {
	msg := &models.OutboxMessage{Status: models.OutboxStatusPending}
	boom := errors.New("channel closed")

	for i := 1; i < 3; i++ {
		applyPublishResult(msg, boom, 3, time.Now())
		assert.Equal(t, models.OutboxStatusPending, msg.Status, "第%d次失败后仍应等待重试", i)
		assert.Equal(t, i, msg.RetryCount)
		assert.Nil(t, msg.ProcessedAt)
	}

	applyPublishResult(msg, boom, 3, time.Now())
	assert.Equal(t, models.OutboxStatusFailed, msg.Status)
	assert.Equal(t, "channel closed", msg.ErrorMessage)
	assert.NotNil(t, msg.ProcessedAt)
}

func TestNewMessageRelay_Defaults(t *testing.T) {
	r := NewMessageRelay(nil, nil, config.OutboxConfig{})
	assert.Equal(t, defaultPollingInterval, r.pollingInterval)
	assert.Equal(t, defaultBatchSize, r.batchSize)
	assert.Equal(t, defaultMaxRetries, r.maxRetries)

	r = NewMessageRelay(nil, nil, config.OutboxConfig{PollingInterval: "250ms", BatchSize: 3, MaxRetries: 2})
	assert.Equal(t, 250*time.Millisecond, r.pollingInterval)
	assert.Equal(t, 3, r.batchSize)

	// 未启动也可以安全停止
	r.Stop()
	r.Stop()
}
