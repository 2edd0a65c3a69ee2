package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefixPassive      = "rendezvous:passive:"
	keyPrefixSimultaneous = "rendezvous:simultaneous:"
)

// persistedNode is the JSON shape stored per node so a restarted
// rendezvous server can recover its BOOTSTRAP candidate pool instead
// of forcing every client to re-register from scratch.
type persistedNode struct {
	MaxInbound int       `json:"max_inbound"`
	Port       int       `json:"port"`
	Time       time.Time `json:"time"`
}

// RedisStore persists node registrations to Redis/Dragonfly so
// BOOTSTRAP can survive a rendezvous server restart. It is optional:
// a Server works entirely from its in-memory maps when no store is
// attached.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects to addr and verifies reachability.
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           2,
		ReadTimeout:  200 * time.Millisecond,
		WriteTimeout: 200 * time.Millisecond,
		DialTimeout:  2 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("rendezvous: redis connection failed: %w", err)
	}

	return &RedisStore{rdb: rdb}, nil
}

func (rs *RedisStore) saveNode(ctx context.Context, kind, ip string, rec *nodeRecord) error {
	data, err := json.Marshal(persistedNode{MaxInbound: rec.maxInbound, Port: rec.port, Time: rec.time})
	if err != nil {
		return fmt.Errorf("rendezvous: marshal node: %w", err)
	}
	return rs.rdb.Set(ctx, rs.key(kind, ip), data, nodeLifetime).Err()
}

func (rs *RedisStore) deleteNode(ctx context.Context, kind, ip string) error {
	return rs.rdb.Del(ctx, rs.key(kind, ip)).Err()
}

// loadPassiveNodes returns every passive node recovered from Redis,
// skipping entries that expired via TTL or fail to unmarshal.
func (rs *RedisStore) loadPassiveNodes(ctx context.Context) (map[string]*nodeRecord, error) {
	return rs.loadNodes(ctx, keyPrefixPassive)
}

func (rs *RedisStore) loadSimultaneousNodes(ctx context.Context) (map[string]*nodeRecord, error) {
	return rs.loadNodes(ctx, keyPrefixSimultaneous)
}

func (rs *RedisStore) loadNodes(ctx context.Context, prefix string) (map[string]*nodeRecord, error) {
	keys, err := rs.rdb.Keys(ctx, prefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("rendezvous: list keys %s*: %w", prefix, err)
	}

	out := make(map[string]*nodeRecord, len(keys))
	for _, key := range keys {
		data, err := rs.rdb.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var pn persistedNode
		if err := json.Unmarshal(data, &pn); err != nil {
			continue
		}
		ip := key[len(prefix):]
		out[ip] = &nodeRecord{maxInbound: pn.MaxInbound, port: pn.Port, time: pn.Time}
	}
	return out, nil
}

func (rs *RedisStore) key(kind, ip string) string {
	if kind == "simultaneous" {
		return keyPrefixSimultaneous + ip
	}
	return keyPrefixPassive + ip
}

// Close releases the underlying Redis client.
func (rs *RedisStore) Close() error {
	return rs.rdb.Close()
}

// AttachStore wires a RedisStore into the server, replaying any
// previously persisted node registrations into memory (passive nodes
// only participate in BOOTSTRAP response assembly, so only those need
// to survive a restart for that path to keep working; simultaneous
// nodes are reloaded too since an in-flight CANDIDATE/ACCEPT exchange
// can span a brief server restart).
func (s *Server) AttachStore(ctx context.Context, store *RedisStore) error {
	passive, err := store.loadPassiveNodes(ctx)
	if err != nil {
		return err
	}
	simultaneous, err := store.loadSimultaneousNodes(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for ip, rec := range passive {
		s.passive[ip] = rec
	}
	for ip, rec := range simultaneous {
		s.simultaneous[ip] = rec
		if _, exists := s.candidates[ip]; !exists {
			s.candidates[ip] = nil
		}
	}
	s.store = store
	s.mu.Unlock()

	return nil
}
