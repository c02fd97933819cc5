package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	valkey "github.com/valkey-io/valkey-go"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address   string
	Username  string
	Password  string
	DB        int
	Namespace string
	TLS       RedisTLSConfig
}

// Generations live in one hash each; the names set is the source of truth
// for which generations exist.
var (
	// KEYS: staging, target, names. ARGV: name.
	commitScript = valkey.NewLuaScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  redis.call('RENAME', KEYS[1], KEYS[2])
else
  redis.call('DEL', KEYS[2])
end
redis.call('SADD', KEYS[3], ARGV[1])
return 1
`)

	// KEYS: names, target. ARGV: name, field, value.
	putScript = valkey.NewLuaScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then
  return -1
end
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

	// KEYS: names, target. ARGV: name.
	deleteScript = valkey.NewLuaScript(`
redis.call('SREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
return 1
`)
)

type redisStore struct {
	client    valkey.Client
	namespace string
}

// NewRedis connects to a Redis/Valkey server and verifies it with a PING.
func NewRedis(cfg RedisConfig) (Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}

	namespace := strings.TrimRight(cfg.Namespace, ":")
	if namespace == "" {
		namespace = "bixworker:cache"
	}
	return &redisStore{client: client, namespace: namespace}, nil
}

func (s *redisStore) namesKey() string {
	return s.namespace + ":names"
}

func (s *redisStore) generationKey(name string) string {
	return s.namespace + ":gen:" + name
}

func (s *redisStore) Commit(ctx context.Context, name string, entries map[Identity]Snapshot) error {
	if err := checkName(name); err != nil {
		return err
	}
	staging := s.namespace + ":staging:" + name + ":" + uuid.NewString()

	if len(entries) > 0 {
		keys := make([]string, 0, len(entries))
		payloads := make(map[string]string, len(entries))
		for id, snap := range entries {
			if err := checkEntry(id, snap); err != nil {
				return err
			}
			payload, err := json.Marshal(stamp(snap))
			if err != nil {
				return fmt.Errorf("cache: redis marshal: %w", err)
			}
			keys = append(keys, id.Key())
			payloads[id.Key()] = string(payload)
		}
		sort.Strings(keys)

		cmd := s.client.B().Hset().Key(staging).FieldValue()
		for _, key := range keys {
			cmd = cmd.FieldValue(key, payloads[key])
		}
		if err := s.client.Do(ctx, cmd.Build()).Error(); err != nil {
			s.discardStaging(staging)
			return fmt.Errorf("cache: redis stage %s: %w", name, err)
		}
	}

	err := commitScript.Exec(ctx, s.client, []string{staging, s.generationKey(name), s.namesKey()}, []string{name}).Error()
	if err != nil {
		s.discardStaging(staging)
		return fmt.Errorf("cache: redis commit %s: %w", name, err)
	}
	return nil
}

func (s *redisStore) discardStaging(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error()
}

func (s *redisStore) Put(ctx context.Context, name string, id Identity, snap Snapshot) error {
	if err := checkEntry(id, snap); err != nil {
		return err
	}
	payload, err := json.Marshal(stamp(snap))
	if err != nil {
		return fmt.Errorf("cache: redis marshal: %w", err)
	}
	res, err := putScript.Exec(ctx, s.client,
		[]string{s.namesKey(), s.generationKey(name)},
		[]string{name, id.Key(), string(payload)},
	).AsInt64()
	if err != nil {
		return fmt.Errorf("cache: redis put: %w", err)
	}
	if res < 0 {
		return ErrUnknownGeneration
	}
	return nil
}

func (s *redisStore) Match(ctx context.Context, name string, id Identity) (Snapshot, bool, error) {
	resp := s.client.Do(ctx, s.client.B().Hget().Key(s.generationKey(name)).Field(id.Key()).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("cache: redis hget: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("cache: redis hget bytes: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("cache: redis unmarshal: %w", err)
	}
	return snap, true, nil
}

func (s *redisStore) Names(ctx context.Context) ([]string, error) {
	members, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.namesKey()).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("cache: redis smembers: %w", err)
	}
	sort.Strings(members)
	return members, nil
}

func (s *redisStore) Entries(ctx context.Context, name string) (map[Identity]Snapshot, error) {
	known, err := s.client.Do(ctx, s.client.B().Sismember().Key(s.namesKey()).Member(name).Build()).AsBool()
	if err != nil {
		return nil, fmt.Errorf("cache: redis sismember: %w", err)
	}
	if !known {
		return nil, ErrUnknownGeneration
	}
	fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.generationKey(name)).Build()).AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("cache: redis hgetall: %w", err)
	}
	out := make(map[Identity]Snapshot, len(fields))
	for key, payload := range fields {
		id, ok := ParseKey(key)
		if !ok {
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal([]byte(payload), &snap); err != nil {
			return nil, fmt.Errorf("cache: redis unmarshal %s: %w", key, err)
		}
		out[id] = snap
	}
	return out, nil
}

func (s *redisStore) Delete(ctx context.Context, name string) error {
	err := deleteScript.Exec(ctx, s.client, []string{s.namesKey(), s.generationKey(name)}, []string{name}).Error()
	if err != nil {
		return fmt.Errorf("cache: redis delete %s: %w", name, err)
	}
	return nil
}

func (s *redisStore) Close(context.Context) error {
	s.client.Close()
	return nil
}
