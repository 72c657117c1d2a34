// pkg/pairing/redis.go

package pairing

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash holding peer IP → secret pairs.
const DefaultRedisKey = "peersync:peers"

// Redis pairs peers with per-peer secrets kept in a Redis hash keyed by
// peer IP. Lookups hit an in-memory copy that Refresh reloads, so Secret
// never waits on the network.
type Redis struct {
	rdb *redis.Client
	key string

	mu    sync.RWMutex
	peers map[string][]byte
}

// NewRedis connects to the Redis server at url. A comma separated host
// list is treated as `master,sentinel1,sentinel2...`.
func NewRedis(url, key string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %s", url, err)
	}
	if opt.Password == "" && os.Getenv("REDIS_PASSWORD") != "" {
		opt.Password = os.Getenv("REDIS_PASSWORD")
	}
	var rdb *redis.Client
	if strings.Contains(opt.Addr, ",") {
		ps := strings.Split(opt.Addr, ",")
		fopt := &redis.FailoverOptions{
			MasterName:       ps[0],
			SentinelAddrs:    ps[1:],
			Username:         opt.Username,
			Password:         opt.Password,
			SentinelPassword: os.Getenv("SENTINEL_PASSWORD"),
			DB:               opt.DB,
			TLSConfig:        opt.TLSConfig,
			ReadTimeout:      time.Second * 5,
			WriteTimeout:     time.Second * 5,
		}
		for i, saddr := range fopt.SentinelAddrs {
			if _, _, err := net.SplitHostPort(saddr); err != nil {
				fopt.SentinelAddrs[i] = net.JoinHostPort(saddr, "26379")
			}
		}
		rdb = redis.NewFailoverClient(fopt)
	} else {
		opt.ReadTimeout = time.Second * 5
		opt.WriteTimeout = time.Second * 5
		rdb = redis.NewClient(opt)
	}
	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{rdb: rdb, key: key, peers: make(map[string][]byte)}, nil
}

// Refresh reloads all pairs from Redis.
func (r *Redis) Refresh(ctx context.Context) error {
	pairs, err := r.rdb.HGetAll(ctx, r.key).Result()
	if err != nil {
		return err
	}
	peers := make(map[string][]byte, len(pairs))
	for ip, secret := range pairs {
		if parsed := net.ParseIP(ip); parsed != nil && secret != "" {
			peers[parsed.String()] = []byte(secret)
		}
	}
	r.mu.Lock()
	r.peers = peers
	r.mu.Unlock()
	return nil
}

// Watch refreshes every interval until ctx is done. Failed refreshes keep
// the previous pairs.
func (r *Redis) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				logger.Warnf("refresh pairing from redis: %s", err)
			}
		}
	}
}

// Pair stores secret for ip in Redis and in the local copy.
func (r *Redis) Pair(ctx context.Context, ip net.IP, secret []byte) error {
	if err := r.rdb.HSet(ctx, r.key, ip.String(), string(secret)).Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.peers[ip.String()] = secret
	r.mu.Unlock()
	return nil
}

func (r *Redis) Secret(addr net.Addr) ([]byte, error) {
	ip := peerIP(addr)
	if ip == nil {
		return nil, ErrRejected
	}
	r.mu.RLock()
	secret, ok := r.peers[ip.String()]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrRejected
	}
	return secret, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
