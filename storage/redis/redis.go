// Package redis provides a Redis-backed storage.Store. Records are JSON
// hashes with server-side TTLs; the single-use consume operations run as
// Lua scripts so a code or refresh token is redeemed at most once even
// across server instances. Sorted-set indexes per (client, user) back the
// latest-token lookup and the refresh-token retention limit.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/grantkit/oauth2-provider/security"
	"github.com/grantkit/oauth2-provider/storage"
)

const defaultPrefix = "oauth2:"

// record TTLs carry the same grace the read-time expiry check allows, so
// Redis never drops a record the grace period still honors.
const expiryGrace = security.DefaultClockSkewGracePeriod

var dummySecretHash = func() []byte {
	hash, err := bcrypt.GenerateFromPassword([]byte("timing-equalization-dummy"), bcrypt.DefaultCost)
	if err != nil {
		panic(fmt.Sprintf("redis: generating dummy hash: %v", err))
	}
	return hash
}()

// consumeRecordLua atomically performs GET→validate→DEL on a grant or
// token hash.
// KEYS[1] = record key
// ARGV[1] = expected client ID
// ARGV[2] = current unix milliseconds
// Returns the record JSON, or an error string "not_found" / "expired".
var consumeRecordLua = redis.NewScript(`
local client = redis.call('HGET', KEYS[1], 'client')
if not client then
  return {err='not_found'}
end
if client ~= ARGV[1] then
  return {err='not_found'}
end
local expires = tonumber(redis.call('HGET', KEYS[1], 'expires') or '0')
if expires > 0 and expires < tonumber(ARGV[2]) then
  redis.call('DEL', KEYS[1])
  return {err='expired'}
end
local data = redis.call('HGET', KEYS[1], 'data')
redis.call('DEL', KEYS[1])
return data
`)

// consumeIndexedRecordLua is consumeRecordLua plus index maintenance.
// KEYS[2] = sorted-set index key, ARGV[3] = index member.
var consumeIndexedRecordLua = redis.NewScript(`
local client = redis.call('HGET', KEYS[1], 'client')
if not client then
  redis.call('ZREM', KEYS[2], ARGV[3])
  return {err='not_found'}
end
if client ~= ARGV[1] then
  return {err='not_found'}
end
local expires = tonumber(redis.call('HGET', KEYS[1], 'expires') or '0')
if expires > 0 and expires < tonumber(ARGV[2]) then
  redis.call('DEL', KEYS[1])
  redis.call('ZREM', KEYS[2], ARGV[3])
  return {err='expired'}
end
local data = redis.call('HGET', KEYS[1], 'data')
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[3])
return data
`)

// evictRefreshTokensLua prunes an index of dead members, then deletes the
// oldest live refresh tokens beyond the keep limit.
// KEYS[1] = index key
// ARGV[1] = keep count
// ARGV[2] = record key prefix
// ARGV[3] = current unix milliseconds
// Returns the number of tokens evicted.
var evictRefreshTokensLua = redis.NewScript(`
local members = redis.call('ZRANGE', KEYS[1], 0, -1)
local live = {}
local now = tonumber(ARGV[3])
for _, m in ipairs(members) do
  local key = ARGV[2] .. m
  if redis.call('EXISTS', key) == 1 then
    local expires = tonumber(redis.call('HGET', key, 'expires') or '0')
    if expires > 0 and expires < now then
      redis.call('DEL', key)
      redis.call('ZREM', KEYS[1], m)
    else
      table.insert(live, m)
    end
  else
    redis.call('ZREM', KEYS[1], m)
  end
end
local keep = tonumber(ARGV[1])
local evicted = 0
for i = 1, #live - keep do
  redis.call('DEL', ARGV[2] .. live[i])
  redis.call('ZREM', KEYS[1], live[i])
  evicted = evicted + 1
end
return evicted
`)

// Store is a Redis-backed storage.Store.
type Store struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithPrefix overrides the key prefix (default "oauth2:").
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates a Store on top of an existing Redis client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: defaultPrefix,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) clientKey(id string) string     { return s.prefix + "client:" + id }
func (s *Store) grantKey(code string) string    { return s.prefix + "grant:" + code }
func (s *Store) accessKey(token string) string  { return s.prefix + "access:" + token }
func (s *Store) refreshKey(token string) string { return s.prefix + "refresh:" + token }

func (s *Store) accessIndexKey(clientID, userID string) string {
	return s.prefix + "accessidx:" + clientID + ":" + userID
}

func (s *Store) refreshIndexKey(clientID, userID string) string {
	return s.prefix + "refreshidx:" + clientID + ":" + userID
}

// saveRecord writes a record hash with its owning client and expiry, and
// applies the server-side TTL.
func (s *Store) saveRecord(ctx context.Context, key, clientID string, expiresAt time.Time, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "data", data, "client", clientID, "expires", expiryMillis(expiresAt))
	if !expiresAt.IsZero() {
		pipe.PExpireAt(ctx, key, expiresAt.Add(expiryGrace))
	} else {
		pipe.Persist(ctx, key)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func expiryMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// consumeErr maps Lua error strings onto the storage sentinels.
func consumeErr(err error, notFound, expired error) error {
	msg := err.Error()
	switch {
	case msg == "not_found" || errors.Is(err, redis.Nil):
		return notFound
	case msg == "expired":
		return expired
	default:
		return err
	}
}

// --- clients ---

func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("encoding client: %w", err)
	}
	return s.client.Set(ctx, s.clientKey(client.ClientID), data, 0).Err()
}

func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	data, err := s.client.Get(ctx, s.clientKey(clientID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("client %q: %w", clientID, storage.ErrClientNotFound)
	}
	if err != nil {
		return nil, err
	}
	var client storage.Client
	if err := json.Unmarshal(data, &client); err != nil {
		return nil, fmt.Errorf("decoding client: %w", err)
	}
	return &client, nil
}

func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			_ = bcrypt.CompareHashAndPassword(dummySecretHash, []byte(clientSecret))
		}
		return nil, err
	}
	if client.Public() {
		return client, nil
	}
	if bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)) != nil {
		return nil, fmt.Errorf("client %q: %w", clientID, storage.ErrInvalidClientSecret)
	}
	return client, nil
}

func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	return s.client.Del(ctx, s.clientKey(clientID)).Err()
}

// --- grants ---

func (s *Store) SaveGrant(ctx context.Context, grant *storage.Grant) error {
	return s.saveRecord(ctx, s.grantKey(grant.Code), grant.ClientID, grant.ExpiresAt, grant)
}

func (s *Store) GetGrant(ctx context.Context, code, clientID string) (*storage.Grant, error) {
	data, err := s.client.HGet(ctx, s.grantKey(code), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrGrantNotFound
	}
	if err != nil {
		return nil, err
	}
	var grant storage.Grant
	if err := json.Unmarshal(data, &grant); err != nil {
		return nil, fmt.Errorf("decoding grant: %w", err)
	}
	if grant.ClientID != clientID {
		return nil, storage.ErrGrantNotFound
	}
	if security.IsTokenExpired(grant.ExpiresAt) {
		return nil, storage.ErrGrantExpired
	}
	return &grant, nil
}

func (s *Store) ConsumeGrant(ctx context.Context, code, clientID string) (*storage.Grant, error) {
	res, err := consumeRecordLua.Run(ctx, s.client, []string{s.grantKey(code)}, clientID, nowMillis()).Text()
	if err != nil {
		return nil, consumeErr(err, storage.ErrGrantNotFound, storage.ErrGrantExpired)
	}
	var grant storage.Grant
	if err := json.Unmarshal([]byte(res), &grant); err != nil {
		return nil, fmt.Errorf("decoding grant: %w", err)
	}
	return &grant, nil
}

func (s *Store) DeleteGrant(ctx context.Context, code string) error {
	return s.client.Del(ctx, s.grantKey(code)).Err()
}

// --- access tokens ---

func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	if err := s.saveRecord(ctx, s.accessKey(token.Token), token.ClientID, token.ExpiresAt, token); err != nil {
		return err
	}
	return s.client.ZAdd(ctx, s.accessIndexKey(token.ClientID, token.UserID), redis.Z{
		Score:  float64(token.CreatedAt.UnixNano()),
		Member: token.Token,
	}).Err()
}

func (s *Store) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	data, err := s.client.HGet(ctx, s.accessKey(token), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	var at storage.AccessToken
	if err := json.Unmarshal(data, &at); err != nil {
		return nil, fmt.Errorf("decoding access token: %w", err)
	}
	if security.IsTokenExpired(at.ExpiresAt) {
		return nil, storage.ErrTokenExpired
	}
	return &at, nil
}

func (s *Store) LatestAccessToken(ctx context.Context, clientID, userID string) (*storage.AccessToken, error) {
	indexKey := s.accessIndexKey(clientID, userID)
	members, err := s.client.ZRevRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	for _, member := range members {
		at, err := s.GetAccessToken(ctx, member)
		if err == nil {
			return at, nil
		}
		if errors.Is(err, storage.ErrTokenNotFound) {
			// Redis already expired the record; drop the stale index entry.
			_ = s.client.ZRem(ctx, indexKey, member).Err()
			continue
		}
		if errors.Is(err, storage.ErrTokenExpired) {
			continue
		}
		return nil, err
	}
	return nil, storage.ErrTokenNotFound
}

func (s *Store) DeleteAccessToken(ctx context.Context, token string) error {
	at, err := s.GetAccessToken(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil
		}
		if !errors.Is(err, storage.ErrTokenExpired) {
			return err
		}
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.accessKey(token))
	if at != nil {
		pipe.ZRem(ctx, s.accessIndexKey(at.ClientID, at.UserID), token)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// --- refresh tokens ---

func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if err := s.saveRecord(ctx, s.refreshKey(token.Token), token.ClientID, token.ExpiresAt, token); err != nil {
		return err
	}
	return s.client.ZAdd(ctx, s.refreshIndexKey(token.ClientID, token.UserID), redis.Z{
		Score:  float64(token.CreatedAt.UnixNano()),
		Member: token.Token,
	}).Err()
}

func (s *Store) GetRefreshToken(ctx context.Context, token, clientID string) (*storage.RefreshToken, error) {
	data, err := s.client.HGet(ctx, s.refreshKey(token), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	var rt storage.RefreshToken
	if err := json.Unmarshal(data, &rt); err != nil {
		return nil, fmt.Errorf("decoding refresh token: %w", err)
	}
	if rt.ClientID != clientID {
		return nil, storage.ErrTokenNotFound
	}
	if security.IsTokenExpired(rt.ExpiresAt) {
		return nil, storage.ErrTokenExpired
	}
	return &rt, nil
}

func (s *Store) ConsumeRefreshToken(ctx context.Context, token, clientID string) (*storage.RefreshToken, error) {
	// The index key embeds the user ID, which we only learn from the
	// record; peek first, then consume atomically with index cleanup.
	rt, err := s.GetRefreshToken(ctx, token, clientID)
	if err != nil {
		return nil, err
	}

	keys := []string{s.refreshKey(token), s.refreshIndexKey(rt.ClientID, rt.UserID)}
	res, err := consumeIndexedRecordLua.Run(ctx, s.client, keys, clientID, nowMillis(), token).Text()
	if err != nil {
		return nil, consumeErr(err, storage.ErrTokenNotFound, storage.ErrTokenExpired)
	}
	var consumed storage.RefreshToken
	if err := json.Unmarshal([]byte(res), &consumed); err != nil {
		return nil, fmt.Errorf("decoding refresh token: %w", err)
	}
	return &consumed, nil
}

func (s *Store) DeleteRefreshToken(ctx context.Context, token string) error {
	data, err := s.client.HGet(ctx, s.refreshKey(token), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	var rt storage.RefreshToken
	if err := json.Unmarshal(data, &rt); err != nil {
		return fmt.Errorf("decoding refresh token: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.refreshKey(token))
	pipe.ZRem(ctx, s.refreshIndexKey(rt.ClientID, rt.UserID), token)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) EvictExcessRefreshTokens(ctx context.Context, clientID, userID string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	evicted, err := evictRefreshTokensLua.Run(ctx, s.client,
		[]string{s.refreshIndexKey(clientID, userID)},
		keep, s.prefix+"refresh:", nowMillis()).Int()
	if err != nil {
		return 0, err
	}
	if evicted > 0 {
		s.logger.Debug("evicted refresh tokens over retention limit",
			"client_id", clientID,
			"evicted", evicted,
			"kept", keep)
	}
	return evicted, nil
}

// DeleteExpired prunes index entries whose records Redis has already
// expired. The records themselves carry server-side TTLs, so Redis removes
// them without our help; only the sorted-set indexes need sweeping.
func (s *Store) DeleteExpired(ctx context.Context) (int, error) {
	removed := 0
	for _, pattern := range []string{s.prefix + "accessidx:*", s.prefix + "refreshidx:*"} {
		var cursor uint64
		for {
			keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
			if err != nil {
				return removed, err
			}
			for _, indexKey := range keys {
				n, err := s.pruneIndex(ctx, indexKey)
				if err != nil {
					return removed, err
				}
				removed += n
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
	return removed, nil
}

// pruneIndex drops index members whose record keys no longer exist.
func (s *Store) pruneIndex(ctx context.Context, indexKey string) (int, error) {
	recordPrefix := s.prefix + "access:"
	if strings.Contains(indexKey, "refreshidx:") {
		recordPrefix = s.prefix + "refresh:"
	}

	members, err := s.client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, member := range members {
		exists, err := s.client.Exists(ctx, recordPrefix+member).Result()
		if err != nil {
			return removed, err
		}
		if exists == 0 {
			if err := s.client.ZRem(ctx, indexKey, member).Err(); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}
