package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	redisWrapper "github.com/lyzr/fleetengine/common/redis"
	"github.com/lyzr/fleetengine/internal/execctx"
)

// RedisMirror optionally mirrors run summaries into Redis so a multi-process
// deployment of the host application can read run state without touching
// the archive's local disk (spec §6 FeatureFlags.EnableRedisArchiveMirror,
// grounded in the teacher's common/redis.Client wrapper idiom). The file
// archive remains the source of truth; the mirror is best-effort and its
// failures are logged, never fatal (spec §7 "Persistence" error kind).
type RedisMirror struct {
	client *redisWrapper.Client
	prefix string
	ttl    time.Duration
}

// NewRedisMirror wraps an existing *redis.Client for summary mirroring.
func NewRedisMirror(rdb *goredis.Client, logger redisWrapper.Logger, keyPrefix string, ttl time.Duration) *RedisMirror {
	if keyPrefix == "" {
		keyPrefix = "fleetengine:run:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisMirror{client: redisWrapper.NewClient(rdb, logger), prefix: keyPrefix, ttl: ttl}
}

// Mirror writes summary under <prefix><runId> with the mirror's TTL.
func (m *RedisMirror) Mirror(ctx context.Context, summary RunSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal run summary %s for redis mirror: %w", summary.RunID, err)
	}
	return m.client.SetWithExpiry(ctx, m.prefix+summary.RunID, string(data), m.ttl)
}

// Get reads a mirrored summary back, giving hosts a disk-independent read
// path for finished runs; only Finalize writes to the mirror, so runs still
// in flight are not found here.
func (m *RedisMirror) Get(ctx context.Context, runID string) (RunSummary, bool, error) {
	raw, err := m.client.Get(ctx, m.prefix+runID)
	if err != nil {
		return RunSummary{}, false, nil
	}
	var summary RunSummary
	if err := json.Unmarshal([]byte(raw), &summary); err != nil {
		return RunSummary{}, false, fmt.Errorf("mirrored run summary %s is not valid JSON: %w", runID, err)
	}
	return summary, true, nil
}

// MirroringArchive decorates an *Archive so every Finalize also attempts a
// best-effort Redis mirror write.
type MirroringArchive struct {
	*Archive
	mirror *RedisMirror
}

// WithRedisMirror decorates archive so every Finalize call also mirrors its
// summary into Redis.
func WithRedisMirror(archive *Archive, mirror *RedisMirror) *MirroringArchive {
	return &MirroringArchive{Archive: archive, mirror: mirror}
}

// Finalize shadows Archive.Finalize: it delegates to the embedded archive
// for the on-disk index/detail write, then best-effort mirrors the same
// summary into Redis (mirror failures are logged, never fatal, matching the
// embedded Archive's own persistence-error handling).
func (m *MirroringArchive) Finalize(ec *execctx.Context, workflowID, workflowName string, nodeCount int, status string, triggerEvent, triggerSource, triggeredBy string) error {
	summary, err := m.Archive.finalizeSummary(ec, workflowID, workflowName, nodeCount, status, triggerEvent, triggerSource, triggeredBy)
	if err != nil {
		return err
	}
	if mirrErr := m.mirror.Mirror(context.Background(), summary); mirrErr != nil {
		m.Archive.log.Error("failed to mirror run summary to redis", "run_id", summary.RunID, "error", mirrErr)
	}
	return nil
}
