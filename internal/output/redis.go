package output

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/tailship/tailship/internal/config"
	"github.com/tailship/tailship/internal/model"
)

// Redis pushes envelopes onto a list with LPUSH. The configured hosts
// form a rotating failover queue: a failed host falls to the back and
// the same push retries the next one until the list is exhausted.
type Redis struct {
	log     *logrus.Entry
	ring    *hostRing
	port    int
	db      int
	pass    string
	key     string
	timeout time.Duration

	addr   string
	client *redis.Client
}

// NewRedis builds the sink. No connection is made until the first push.
func NewRedis(cfg config.OutputConfig, log *logrus.Entry) *Redis {
	return &Redis{
		log:     log.WithField("output", "redis"),
		ring:    newHostRing(cfg.Hosts),
		port:    cfg.Port,
		db:      cfg.DB,
		pass:    cfg.Password,
		key:     cfg.Key,
		timeout: cfg.Timeout,
	}
}

// Name identifies the sink by its current target.
func (r *Redis) Name() string {
	if r.addr == "" {
		return "redis://" + net.JoinHostPort(r.ring.peek(), strconv.Itoa(r.port))
	}
	return "redis://" + r.addr
}

// Push LPUSHes the rendered envelope. All attempts within one push
// share the sink's deadline; each failure discards the client and moves
// to the next host.
func (r *Redis) Push(ctx context.Context, env model.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= r.ring.size(); attempt++ {
		if r.client == nil {
			r.connect()
		}
		err := r.client.LPush(ctx, r.key, env.Data).Err()
		if err == nil {
			return nil
		}
		lastErr = err
		r.log.Warnf("LPUSH to %s failed: %v", r.addr, err)
		r.drop()
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("redis push: %w", lastErr)
}

// connect binds a client to the next host in the rotation.
func (r *Redis) connect() {
	r.addr = net.JoinHostPort(r.ring.next(), strconv.Itoa(r.port))
	r.client = redis.NewClient(&redis.Options{
		Addr:         r.addr,
		Password:     r.pass,
		DB:           r.db,
		DialTimeout:  r.timeout,
		ReadTimeout:  r.timeout,
		WriteTimeout: r.timeout,
	})
}

func (r *Redis) drop() {
	if r.client != nil {
		r.client.Close()
		r.client = nil
	}
}

// Close releases the client connection.
func (r *Redis) Close() error {
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}
