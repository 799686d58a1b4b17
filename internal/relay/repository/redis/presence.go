package redis

import (
	"context"
	"encoding/json"

	"github.com/streamparty/watchsync/internal/relay/repository"
)

func (r repo) getPresenceKey(topic string) string {
	return "presence:" + topic
}

func (r repo) SetPresence(ctx context.Context, params *repository.SetPresenceParams) error {
	r.logger.DebugContext(ctx, "called", "topic", params.Topic, "ref", params.Ref, "key", params.Key)

	record, err := json.Marshal(repository.PresenceRecord{
		Ref:  params.Ref,
		Key:  params.Key,
		Meta: params.Meta,
	})
	if err != nil {
		return err
	}

	pipe := r.rc.TxPipeline()
	presenceKey := r.getPresenceKey(params.Topic)
	pipe.HSet(ctx, presenceKey, params.Ref, record)
	pipe.Expire(ctx, presenceKey, r.exp)

	return r.executePipe(ctx, pipe)
}

func (r repo) RemovePresence(ctx context.Context, params *repository.RemovePresenceParams) error {
	r.logger.DebugContext(ctx, "called", "topic", params.Topic, "ref", params.Ref)
	return r.rc.HDel(ctx, r.getPresenceKey(params.Topic), params.Ref).Err()
}

func (r repo) GetPresence(ctx context.Context, topic string) ([]repository.PresenceRecord, error) {
	res, err := r.rc.HGetAll(ctx, r.getPresenceKey(topic)).Result()
	if err != nil {
		return nil, err
	}

	records := make([]repository.PresenceRecord, 0, len(res))
	for _, raw := range res {
		var record repository.PresenceRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			r.logger.WarnContext(ctx, "skipping corrupt presence record", "topic", topic, "error", err)
			continue
		}
		records = append(records, record)
	}

	return records, nil
}
