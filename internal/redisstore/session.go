package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dukerupert/rollcall/internal/model"
	"github.com/dukerupert/rollcall/internal/store"
)

// KEYS[1] session key, KEYS[2] owner index.
// ARGV[1] session JSON, ARGV[2] created_at ms, ARGV[3] session id,
// ARGV[4] session key prefix, ARGV[5] now ms.
var createSessionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 'conflict'
end
local ids = redis.call('ZRANGE', KEYS[2], 0, -1)
for _, id in ipairs(ids) do
  local raw = redis.call('GET', ARGV[4] .. id)
  if raw then
    local s = cjson.decode(raw)
    if s.state == 'active' and s.expiresAt >= tonumber(ARGV[5]) then
      return 'busy'
    end
  end
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 'ok'
`)

// KEYS[1] session key. ARGV[1] closed_at ms.
var closeSessionScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 0
end
local s = cjson.decode(raw)
if s.state ~= 'closed' then
  s.state = 'closed'
  s.closedAt = tonumber(ARGV[1])
  redis.call('SET', KEYS[1], cjson.encode(s))
end
return 1
`)

type SessionStore struct {
	client redis.UniversalClient
	keys   keys
}

func NewSessionStore(client redis.UniversalClient, prefix string) *SessionStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &SessionStore{client: client, keys: keys{prefix: prefix}}
}

func (s *SessionStore) Create(ctx context.Context, sess *model.Session) error {
	data, err := json.Marshal(toStoredSession(sess))
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	res, err := createSessionScript.Run(ctx, s.client,
		[]string{s.keys.session(sess.ID), s.keys.ownerSessions(sess.OwnerID)},
		string(data), sess.CreatedAt.UnixMilli(), sess.ID, s.keys.session(""), sess.CreatedAt.UnixMilli(),
	).Text()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	switch res {
	case "ok":
		sess.State = model.SessionActive
		return nil
	case "conflict":
		return store.ErrConflict
	case "busy":
		return store.ErrActiveSession
	default:
		return fmt.Errorf("create session: unexpected reply %q", res)
	}
}

func (s *SessionStore) Get(ctx context.Context, id string) (*model.Session, error) {
	raw, err := s.client.Get(ctx, s.keys.session(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess, err := decodeSession(raw)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *SessionStore) Close(ctx context.Context, id string, at time.Time) error {
	found, err := closeSessionScript.Run(ctx, s.client, []string{s.keys.session(id)}, at.UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if found == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SessionStore) FindActiveByOwner(ctx context.Context, ownerID string, now time.Time) (*model.Session, error) {
	sessions, err := s.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	for i := range sessions {
		if sessions[i].StateAt(now) == model.SessionActive {
			return &sessions[i], nil
		}
	}
	return nil, store.ErrNotFound
}

// ListByOwner returns the owner's sessions, newest first.
func (s *SessionStore) ListByOwner(ctx context.Context, ownerID string) ([]model.Session, error) {
	ids, err := s.client.ZRevRange(ctx, s.keys.ownerSessions(ownerID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list owner sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	sessionKeys := make([]string, len(ids))
	for i, id := range ids {
		sessionKeys[i] = s.keys.session(id)
	}
	vals, err := s.client.MGet(ctx, sessionKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("get sessions: %w", err)
	}

	sessions := make([]model.Session, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		sess, err := decodeSession(raw)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}
