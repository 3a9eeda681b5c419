/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package lattice

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"

	"github.com/lzst/lattice/pkg/lzerrors"
)

// RedisLattice is the shared/remote Lattice backend, grounded on
// kvblock.RedisIndex: a thin wrapper over a *redis.Client using pipelines
// for batch operations. Token and edge records are (de)serialized with
// canonical CBOR (fxamacker/cbor/v2), the same encoding token_processor.go
// uses for deterministic hashing, since Redis has no native row format.
type RedisLattice struct {
	client *redis.Client
}

const (
	redisKeyNextID     = "lzst:next_id"
	redisKeyVocabIndex = "lzst:tokens:index"    // sorted set, score 0, member = bytes hex
	redisKeyEdgeCount  = "lzst:edge_count"      // counter, incremented only on new-edge creation
	redisKeyVocabSnaps = "lzst:vocab_snapshots" // list of cbor-encoded VocabSnapshot, oldest first
)

func redisTokenKey(bytesHex string) string { return "lzst:token:bytes:" + bytesHex }
func redisTokenIDKey(id uint32) string     { return "lzst:token:id:" + strconv.FormatUint(uint64(id), 10) }
func redisEdgeKey(from, to uint32) string {
	return fmt.Sprintf("lzst:edge:%d:%d", from, to)
}
func redisOutSetKey(from uint32) string { return fmt.Sprintf("lzst:out:%d", from) }
func redisInSetKey(to uint32) string    { return fmt.Sprintf("lzst:in:%d", to) }

// OpenRedisLattice parses addr (a redis:// URL, or a bare host:port as
// kvblock.RedisIndex also accepts) and connects, pinging to fail fast.
func OpenRedisLattice(ctx context.Context, addr string) (*RedisLattice, error) {
	if !strings.HasPrefix(addr, "redis://") && !strings.HasPrefix(addr, "rediss://") {
		addr = "redis://" + addr
	}

	opt, err := redis.ParseURL(addr)
	if err != nil {
		return nil, fmt.Errorf("lattice: parse redis url: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("lattice: connect to redis: %w", err)
	}

	return &RedisLattice{client: client}, nil
}

var _ Lattice = (*RedisLattice)(nil)

type redisTokenRecord struct {
	ID          uint32
	Bytes       string
	Length      int
	Occurrences uint64
	InDegree    uint32
	OutDegree   uint32
}

type redisEdgeRecord struct {
	FromID uint32
	ToID   uint32
	Weight uint64
}

func (l *RedisLattice) getTokenByBytesHex(ctx context.Context, bytesHex string) (redisTokenRecord, bool, error) {
	raw, err := l.client.Get(ctx, redisTokenKey(bytesHex)).Bytes()
	if errors.Is(err, redis.Nil) {
		return redisTokenRecord{}, false, nil
	}
	if err != nil {
		return redisTokenRecord{}, false, fmt.Errorf("lattice: redis get token: %w: %v", lzerrors.ErrStoreReadFailed, err)
	}
	var rec redisTokenRecord
	if err := cbor.Unmarshal(raw, &rec); err != nil {
		return redisTokenRecord{}, false, fmt.Errorf("lattice: decode token: %w: %v", lzerrors.ErrStoreReadFailed, err)
	}
	return rec, true, nil
}

func (l *RedisLattice) putToken(ctx context.Context, rec redisTokenRecord) error {
	blob, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("lattice: encode token: %w", err)
	}
	pipe := l.client.TxPipeline()
	pipe.Set(ctx, redisTokenKey(rec.Bytes), blob, 0)
	pipe.Set(ctx, redisTokenIDKey(rec.ID), blob, 0)
	pipe.ZAdd(ctx, redisKeyVocabIndex, redis.Z{Score: 0, Member: rec.Bytes})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("lattice: store token: %w: %v", lzerrors.ErrStoreWriteFailed, err)
	}
	return nil
}

// getOrCreateToken assigns a dense id on first persistence, matching
// spec.md §3's "id: dense integer assigned on first persistence".
func (l *RedisLattice) getOrCreateToken(ctx context.Context, bytesHex string) (redisTokenRecord, error) {
	rec, ok, err := l.getTokenByBytesHex(ctx, bytesHex)
	if err != nil {
		return redisTokenRecord{}, err
	}
	if ok {
		return rec, nil
	}

	id, err := l.client.Incr(ctx, redisKeyNextID).Result()
	if err != nil {
		return redisTokenRecord{}, fmt.Errorf("lattice: allocate token id: %w: %v", lzerrors.ErrStoreWriteFailed, err)
	}

	rec = redisTokenRecord{ID: uint32(id), Bytes: bytesHex, Length: len(bytesHex) / 2}
	if err := l.putToken(ctx, rec); err != nil {
		return redisTokenRecord{}, err
	}
	return rec, nil
}

func (l *RedisLattice) BatchIngest(ctx context.Context, tokens []TokenObservation, edges []EdgeObservation) error {
	for _, obs := range tokens {
		rec, err := l.getOrCreateToken(ctx, obs.Bytes)
		if err != nil {
			return err
		}
		rec.Occurrences += obs.Count
		if err := l.putToken(ctx, rec); err != nil {
			return err
		}
	}

	for _, obs := range edges {
		fromRec, err := l.getOrCreateToken(ctx, obs.FromBytes)
		if err != nil {
			return err
		}
		toRec, err := l.getOrCreateToken(ctx, obs.ToBytes)
		if err != nil {
			return err
		}

		key := redisEdgeKey(fromRec.ID, toRec.ID)
		var edge redisEdgeRecord
		isNewEdge := false
		raw, err := l.client.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			edge = redisEdgeRecord{FromID: fromRec.ID, ToID: toRec.ID}
			isNewEdge = true
		case err != nil:
			return fmt.Errorf("lattice: redis get edge: %w: %v", lzerrors.ErrStoreReadFailed, err)
		default:
			if err := cbor.Unmarshal(raw, &edge); err != nil {
				return fmt.Errorf("lattice: decode edge: %w: %v", lzerrors.ErrStoreReadFailed, err)
			}
		}
		edge.Weight += obs.Count

		blob, err := cbor.Marshal(edge)
		if err != nil {
			return fmt.Errorf("lattice: encode edge: %w", err)
		}

		pipe := l.client.TxPipeline()
		pipe.Set(ctx, key, blob, 0)
		pipe.SAdd(ctx, redisOutSetKey(fromRec.ID), toRec.ID)
		pipe.SAdd(ctx, redisInSetKey(toRec.ID), fromRec.ID)
		// edgeCount is tracked as its own counter rather than derived from
		// degree sums (see Stats), so it stays correct immediately after
		// BatchIngest and doesn't depend on UpdateTokenDegrees having run.
		if isNewEdge {
			pipe.Incr(ctx, redisKeyEdgeCount)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("lattice: store edge: %w: %v", lzerrors.ErrStoreWriteFailed, err)
		}
	}

	vocabSize, err := l.client.ZCard(ctx, redisKeyVocabIndex).Result()
	if err != nil {
		return fmt.Errorf("lattice: snapshot vocab size: %w: %v", lzerrors.ErrStoreWriteFailed, err)
	}
	snapBlob, err := cbor.Marshal(VocabSnapshot{At: time.Now(), VocabSize: int(vocabSize)})
	if err != nil {
		return fmt.Errorf("lattice: encode vocab snapshot: %w", err)
	}
	snapPipe := l.client.TxPipeline()
	snapPipe.RPush(ctx, redisKeyVocabSnaps, snapBlob)
	snapPipe.LTrim(ctx, redisKeyVocabSnaps, -maxVocabSnapshots, -1)
	if _, err := snapPipe.Exec(ctx); err != nil {
		return fmt.Errorf("lattice: store vocab snapshot: %w: %v", lzerrors.ErrStoreWriteFailed, err)
	}

	return nil
}

func (l *RedisLattice) UpdateTokenDegrees(ctx context.Context) error {
	members, err := l.client.ZRange(ctx, redisKeyVocabIndex, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("lattice: list tokens for degree update: %w: %v", lzerrors.ErrStoreReadFailed, err)
	}

	for _, bytesHex := range members {
		rec, ok, err := l.getTokenByBytesHex(ctx, bytesHex)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		outCount, err := l.client.SCard(ctx, redisOutSetKey(rec.ID)).Result()
		if err != nil {
			return fmt.Errorf("lattice: count out-degree: %w: %v", lzerrors.ErrStoreReadFailed, err)
		}
		inCount, err := l.client.SCard(ctx, redisInSetKey(rec.ID)).Result()
		if err != nil {
			return fmt.Errorf("lattice: count in-degree: %w: %v", lzerrors.ErrStoreReadFailed, err)
		}

		rec.OutDegree = uint32(outCount)
		rec.InDegree = uint32(inCount)
		if err := l.putToken(ctx, rec); err != nil {
			return err
		}
	}

	return nil
}

func (l *RedisLattice) GetEdge(ctx context.Context, from, to uint32) (EdgeRecord, bool, error) {
	raw, err := l.client.Get(ctx, redisEdgeKey(from, to)).Bytes()
	if errors.Is(err, redis.Nil) {
		return EdgeRecord{}, false, nil
	}
	if err != nil {
		return EdgeRecord{}, false, fmt.Errorf("lattice: get edge: %w: %v", lzerrors.ErrStoreReadFailed, err)
	}
	var edge redisEdgeRecord
	if err := cbor.Unmarshal(raw, &edge); err != nil {
		return EdgeRecord{}, false, fmt.Errorf("lattice: decode edge: %w: %v", lzerrors.ErrStoreReadFailed, err)
	}
	return EdgeRecord{FromID: edge.FromID, ToID: edge.ToID, Weight: edge.Weight}, true, nil
}

func (l *RedisLattice) CountPredecessors(ctx context.Context, to uint32) (int, error) {
	count, err := l.client.SCard(ctx, redisInSetKey(to)).Result()
	if err != nil {
		return 0, fmt.Errorf("lattice: count predecessors: %w: %v", lzerrors.ErrStoreReadFailed, err)
	}
	return int(count), nil
}

func (l *RedisLattice) PrefixSearch(ctx context.Context, hexPrefix string) ([]TokenRecord, error) {
	prefix := strings.ToUpper(hexPrefix)
	// ZRANGEBYLEX over the sorted-by-member-name index, bracketed to the
	// lexicographic range covering the prefix.
	members, err := l.client.ZRangeByLex(ctx, redisKeyVocabIndex, &redis.ZRangeBy{
		Min: "[" + prefix,
		Max: "[" + prefix + "\xff",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("lattice: prefix search: %w: %v", lzerrors.ErrStoreReadFailed, err)
	}

	out := make([]TokenRecord, 0, len(members))
	for _, bytesHex := range members {
		rec, ok, err := l.getTokenByBytesHex(ctx, bytesHex)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, TokenRecord(rec))
		}
	}
	return out, nil
}

func (l *RedisLattice) RefinedTransitionsFrom(ctx context.Context, from uint32) ([]Transition, error) {
	toIDs, err := l.client.SMembers(ctx, redisOutSetKey(from)).Result()
	if err != nil {
		return nil, fmt.Errorf("lattice: transitions from: %w: %v", lzerrors.ErrStoreReadFailed, err)
	}

	var rows []Transition
	var totalOut uint64
	for _, idStr := range toIDs {
		toID, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			continue
		}
		edge, ok, err := l.GetEdge(ctx, from, uint32(toID))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		rows = append(rows, Transition{ToID: edge.ToID, Weight: edge.Weight})
		totalOut += edge.Weight
	}

	for i := range rows {
		if totalOut > 0 {
			rows[i].NormalizedProb = float64(rows[i].Weight) / float64(totalOut)
		}
	}
	return rows, nil
}

func (l *RedisLattice) GetTokenByBytes(ctx context.Context, hexBytes string) (TokenRecord, bool, error) {
	rec, ok, err := l.getTokenByBytesHex(ctx, strings.ToUpper(hexBytes))
	return TokenRecord(rec), ok, err
}

func (l *RedisLattice) GetTokenByID(ctx context.Context, id uint32) (TokenRecord, bool, error) {
	raw, err := l.client.Get(ctx, redisTokenIDKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return TokenRecord{}, false, nil
	}
	if err != nil {
		return TokenRecord{}, false, fmt.Errorf("lattice: get token by id: %w: %v", lzerrors.ErrStoreReadFailed, err)
	}
	var rec redisTokenRecord
	if err := cbor.Unmarshal(raw, &rec); err != nil {
		return TokenRecord{}, false, fmt.Errorf("lattice: decode token: %w: %v", lzerrors.ErrStoreReadFailed, err)
	}
	return TokenRecord(rec), true, nil
}

func (l *RedisLattice) Stats(ctx context.Context) (Stats, error) {
	members, err := l.client.ZRange(ctx, redisKeyVocabIndex, 0, -1).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("lattice: stats: %w: %v", lzerrors.ErrStoreReadFailed, err)
	}

	var degrees []int
	for _, bytesHex := range members {
		rec, ok, err := l.getTokenByBytesHex(ctx, bytesHex)
		if err != nil {
			return Stats{}, err
		}
		if !ok {
			continue
		}
		degrees = append(degrees, int(rec.InDegree)+int(rec.OutDegree))
	}

	// edgeCount comes from its own counter (maintained in BatchIngest), not
	// derived from degree sums: OutDegree is only current once
	// UpdateTokenDegrees has run, which would undercount a fresh ingest.
	edgeCount, err := l.client.Get(ctx, redisKeyEdgeCount).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, fmt.Errorf("lattice: stats edge count: %w: %v", lzerrors.ErrStoreReadFailed, err)
	}

	snapBlobs, err := l.client.LRange(ctx, redisKeyVocabSnaps, 0, -1).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("lattice: stats vocab over time: %w: %v", lzerrors.ErrStoreReadFailed, err)
	}
	var snapshots []VocabSnapshot
	for _, blob := range snapBlobs {
		var snap VocabSnapshot
		if err := cbor.Unmarshal([]byte(blob), &snap); err != nil {
			return Stats{}, fmt.Errorf("lattice: decode vocab snapshot: %w: %v", lzerrors.ErrStoreReadFailed, err)
		}
		snapshots = append(snapshots, snap)
	}

	stats := computeStats(len(members), edgeCount, degrees)
	stats.VocabOverTime = snapshots
	return stats, nil
}

func (l *RedisLattice) ClearCaches() {
	// RedisLattice has no read cache of its own; see the LRU decorator in
	// cache.go.
}

func (l *RedisLattice) Close() error {
	return l.client.Close()
}
