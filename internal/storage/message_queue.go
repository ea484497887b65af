// Package storage 把仪器事件推送到 Redis: Pub/Sub 广播, 每台仪器的历史列表, 最新状态哈希.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/GeoNomad/wizkers/internal/config"
	"github.com/GeoNomad/wizkers/pkg/protocol"
)

type MessageQueue struct {
	client     *redis.Client
	channel    string
	historyLen int64
	log        *logrus.Logger
}

func NewMessageQueue(cfg config.RedisConfig, log *logrus.Logger) (*MessageQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接Redis失败: %w", err)
	}

	log.Info("Redis连接成功")

	historyLen := cfg.HistoryLen
	if historyLen <= 0 {
		historyLen = 1000
	}
	return &MessageQueue{
		client:     client,
		channel:    cfg.Channel,
		historyLen: historyLen,
		log:        log,
	}, nil
}

func HistoryKey(instrument string) string {
	return fmt.Sprintf("instrument:%s:events", instrument)
}

func StatusKey(instrument string) string {
	return fmt.Sprintf("instrument:%s:status", instrument)
}

func (mq *MessageQueue) Name() string { return "redis" }

// Publish 发布事件到Redis
func (mq *MessageQueue) Publish(ctx context.Context, ev protocol.Event) error {
	jsonData, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("序列化数据失败: %w", err)
	}

	// 发布到Redis Pub/Sub
	if err := mq.client.Publish(ctx, mq.channel, jsonData).Err(); err != nil {
		return fmt.Errorf("发布消息失败: %w", err)
	}

	// 同时保存到Redis List（作为历史记录）, 截图体积大, 不入历史
	pipe := mq.client.Pipeline()
	if ev.Event != protocol.EventScreenshot {
		listKey := HistoryKey(ev.Instrument)
		pipe.LPush(ctx, listKey, jsonData)
		pipe.LTrim(ctx, listKey, 0, mq.historyLen-1)
	}
	if fields := statusFields(ev); len(fields) > 0 {
		pipe.HSet(ctx, StatusKey(ev.Instrument), fields)
	}
	if pipe.Len() > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			mq.log.Warnf("保存历史失败: %v", err)
		}
	}

	return nil
}

// statusFields 状态事件与唯一 ID 写入状态哈希
func statusFields(ev protocol.Event) map[string]interface{} {
	fields := map[string]interface{}{}
	switch ev.Event {
	case protocol.EventStatus:
		m, ok := ev.Payload.(map[string]interface{})
		if !ok {
			return nil
		}
		for k, v := range m {
			fields[k] = fmt.Sprint(v)
		}
	case protocol.EventUniqueID:
		fields["uniqueId"] = fmt.Sprint(ev.Payload)
	default:
		return nil
	}
	fields["driver"] = ev.Driver
	fields["updated_at"] = ev.Timestamp.Format(time.RFC3339)
	return fields
}

// History 读取最近 n 条事件, 最新的在前
func (mq *MessageQueue) History(ctx context.Context, instrument string, n int64) ([]json.RawMessage, error) {
	if n <= 0 || n > mq.historyLen {
		n = mq.historyLen
	}
	items, err := mq.client.LRange(ctx, HistoryKey(instrument), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("读取历史失败: %w", err)
	}
	out := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		out = append(out, json.RawMessage(item))
	}
	return out, nil
}

// LastStatus 读取状态哈希
func (mq *MessageQueue) LastStatus(ctx context.Context, instrument string) (map[string]string, error) {
	res, err := mq.client.HGetAll(ctx, StatusKey(instrument)).Result()
	if err != nil {
		return nil, fmt.Errorf("读取状态失败: %w", err)
	}
	return res, nil
}

// Close 关闭连接
func (mq *MessageQueue) Close() error {
	return mq.client.Close()
}

// GetStats 获取统计信息
func (mq *MessageQueue) GetStats(ctx context.Context) map[string]interface{} {
	info := mq.client.Info(ctx, "stats").Val()

	return map[string]interface{}{
		"info":       info,
		"pool_stats": mq.client.PoolStats(),
	}
}
