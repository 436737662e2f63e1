package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/dukerupert/rollcall/internal/model"
)

// KEYS[1] record key, KEYS[2] session student set, KEYS[3] class record set.
// ARGV[1] record JSON, ARGV[2] student id.
var putRecordScript = redis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'NX') then
  redis.call('SADD', KEYS[2], ARGV[2])
  redis.call('SADD', KEYS[3], KEYS[1])
  return {1, ARGV[1]}
end
return {0, redis.call('GET', KEYS[1])}
`)

type RecordStore struct {
	client redis.UniversalClient
	keys   keys
}

func NewRecordStore(client redis.UniversalClient, prefix string) *RecordStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RecordStore{client: client, keys: keys{prefix: prefix}}
}

func (s *RecordStore) PutIfAbsent(ctx context.Context, rec model.AttendanceRecord) (model.AttendanceRecord, bool, error) {
	data, err := json.Marshal(storedRecord{
		SessionID: rec.SessionID,
		StudentID: rec.StudentID,
		ClassID:   rec.ClassID,
		MarkedAt:  rec.MarkedAt.UnixMilli(),
		Method:    string(rec.Method),
		Verified:  rec.Verified,
	})
	if err != nil {
		return model.AttendanceRecord{}, false, fmt.Errorf("marshal record: %w", err)
	}

	res, err := putRecordScript.Run(ctx, s.client,
		[]string{
			s.keys.record(rec.SessionID, rec.StudentID),
			s.keys.sessionStudents(rec.SessionID),
			s.keys.classRecords(rec.ClassID),
		},
		string(data), rec.StudentID,
	).Slice()
	if err != nil {
		return model.AttendanceRecord{}, false, fmt.Errorf("put record: %w", err)
	}
	if len(res) != 2 {
		return model.AttendanceRecord{}, false, fmt.Errorf("put record: unexpected reply %v", res)
	}
	inserted, _ := res[0].(int64)
	raw, ok := res[1].(string)
	if !ok {
		return model.AttendanceRecord{}, false, fmt.Errorf("put record: missing stored record")
	}

	stored, err := decodeRecord(raw)
	if err != nil {
		return model.AttendanceRecord{}, false, err
	}
	return stored, inserted == 1, nil
}

func (s *RecordStore) CountBySession(ctx context.Context, sessionID string) (int, error) {
	n, err := s.client.SCard(ctx, s.keys.sessionStudents(sessionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return int(n), nil
}

func (s *RecordStore) ListBySession(ctx context.Context, sessionID string) ([]model.AttendanceRecord, error) {
	students, err := s.client.SMembers(ctx, s.keys.sessionStudents(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list session students: %w", err)
	}
	recordKeys := make([]string, len(students))
	for i, st := range students {
		recordKeys[i] = s.keys.record(sessionID, st)
	}
	records, err := s.load(ctx, recordKeys)
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].MarkedAt.Before(records[j].MarkedAt) })
	return records, nil
}

func (s *RecordStore) ListByClass(ctx context.Context, classID string) ([]model.AttendanceRecord, error) {
	recordKeys, err := s.client.SMembers(ctx, s.keys.classRecords(classID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list class records: %w", err)
	}
	return s.load(ctx, recordKeys)
}

func (s *RecordStore) load(ctx context.Context, recordKeys []string) ([]model.AttendanceRecord, error) {
	if len(recordKeys) == 0 {
		return nil, nil
	}
	vals, err := s.client.MGet(ctx, recordKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("get records: %w", err)
	}
	records := make([]model.AttendanceRecord, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		r, err := decodeRecord(raw)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}
