package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/redis/go-redis/v9"
	"github.com/safedeck/safedeck-server/internal/domain/stream"
	"go.uber.org/zap"
)

var ErrStreamNotFound = errors.New("stream not found")

const (
	streamKeyPrefix = "safedeck:stream:"
	streamIDSetKey  = "safedeck:streams" // SET of string ids: {"1","2",...}
	nextIDKey       = "safedeck:stream:next_id"
	sensorStreamKey = "safedeck:sensor_streams" // HASH sensor_id -> stream url
)

// StreamRecord is one persisted stream source.
type StreamRecord struct {
	ID       int64         `json:"id"`
	SensorID string        `json:"sensor_id,omitempty"`
	Source   stream.Source `json:"source"`
}

// StreamRepository handles Redis operations for stream sources.
type StreamRepository struct {
	client *Client
	log    *zap.Logger
}

// NewStreamRepository creates a stream repository over client.
func NewStreamRepository(client *Client, log *zap.Logger) *StreamRepository {
	return &StreamRepository{client: client, log: log.Named("stream_repo")}
}

func keyFor(id int64) string {
	return fmt.Sprintf("%s%d", streamKeyPrefix, id)
}

// GenerateID generates a new unique ID for a stream record.
func (r *StreamRepository) GenerateID(ctx context.Context) (int64, error) {
	id, err := r.client.Incr(ctx, nextIDKey).Result()
	if err != nil {
		return 0, fmt.Errorf("incr: %w", err)
	}
	return id, nil
}

// Set stores rec and indexes its id. The sensor mapping is kept in the
// same transaction so a lookup never sees a half-written record.
func (r *StreamRepository) Set(ctx context.Context, rec *StreamRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, keyFor(rec.ID), payload, 0)
	pipe.SAdd(ctx, streamIDSetKey, strconv.FormatInt(rec.ID, 10))
	if rec.SensorID != "" {
		pipe.HSet(ctx, sensorStreamKey, rec.SensorID, rec.Source.URL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set+sadd: %w", err)
	}
	return nil
}

// Get retrieves a stream record by ID.
func (r *StreamRepository) Get(ctx context.Context, id int64) (*StreamRecord, error) {
	value, err := r.client.Get(ctx, keyFor(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrStreamNotFound
		}
		return nil, fmt.Errorf("get: %w", err)
	}

	var rec StreamRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return &rec, nil
}

// Delete removes a record, its index entry and its sensor mapping.
// Returns ErrStreamNotFound if the key doesn't exist.
func (r *StreamRepository) Delete(ctx context.Context, id int64) error {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, keyFor(id))
	pipe.SRem(ctx, streamIDSetKey, strconv.FormatInt(id, 10))
	if rec.SensorID != "" {
		pipe.HDel(ctx, sensorStreamKey, rec.SensorID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("del+srem: %w", err)
	}
	if del.Val() == 0 {
		return ErrStreamNotFound
	}
	return nil
}

// List retrieves all stream records via the maintained SET of IDs.
func (r *StreamRepository) List(ctx context.Context) ([]*StreamRecord, error) {
	ids, err := r.client.SMembers(ctx, streamIDSetKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("smembers: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(ids))
	for _, idStr := range ids {
		// guard against accidental junk in the set
		if strings.TrimSpace(idStr) == "" {
			continue
		}
		keys = append(keys, streamKeyPrefix+idStr)
	}

	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget: %w", err)
	}

	result := make([]*StreamRecord, 0, len(vals))
	for i, v := range vals {
		if v == nil {
			continue // key missing (possible if set drifted); harmless
		}
		var b []byte
		switch t := v.(type) {
		case string:
			b = []byte(t)
		case []byte:
			b = t
		default:
			// set drifted or something else wrote the key; dump and skip
			r.log.Warn("unexpected value type for stream key",
				zap.String("key", keys[i]), zap.String("value", spew.Sdump(v)))
			continue
		}
		var rec StreamRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal key %s: %w", keys[i], err)
		}
		result = append(result, &rec)
	}
	return result, nil
}

// Sources returns the stream sources of all records, in no particular
// order, ready to hand to the grid.
func (r *StreamRepository) Sources(ctx context.Context) ([]stream.Source, error) {
	recs, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]stream.Source, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Source)
	}
	return out, nil
}

// DefaultStreamFor looks up the default stream URL for a sensor.
// Returns "" when no mapping exists.
func (r *StreamRepository) DefaultStreamFor(ctx context.Context, sensorID string) string {
	url, err := r.client.HGet(ctx, sensorStreamKey, sensorID).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.log.Warn("sensor stream lookup failed", zap.String("sensor", sensorID), zap.Error(err))
		}
		return ""
	}
	return url
}
