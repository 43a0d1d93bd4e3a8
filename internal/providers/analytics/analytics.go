// Package analytics emits fire-and-forget product events. Emission must
// never block or fail the caller; a broken sink degrades to logging.
package analytics

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Sink receives named events with optional properties.
type Sink interface {
	Track(event string, props map[string]any)
}

// Noop discards every event.
type Noop struct{}

func (Noop) Track(string, map[string]any) {}

const (
	streamKey    = "retrace:events"
	streamMaxLen = 10000
	trackTimeout = 2 * time.Second
)

// RedisSink appends events to a capped redis stream.
type RedisSink struct {
	client *redis.Client
	log    *logrus.Entry
}

func NewRedisSink(client *redis.Client, log *logrus.Entry) *RedisSink {
	return &RedisSink{client: client, log: log}
}

func (s *RedisSink) Track(event string, props map[string]any) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), trackTimeout)
		defer cancel()

		values := map[string]any{
			"event": event,
			"ts":    time.Now().Unix(),
		}
		if len(props) > 0 {
			raw, err := json.Marshal(props)
			if err != nil {
				s.log.WithError(err).WithField("event", event).Warn("failed to encode event properties")
				return
			}
			values["props"] = string(raw)
		}

		err := s.client.XAdd(ctx, &redis.XAddArgs{
			Stream: streamKey,
			MaxLen: streamMaxLen,
			Approx: true,
			Values: values,
		}).Err()
		if err != nil {
			s.log.WithError(err).WithField("event", event).Warn("failed to emit analytics event")
		}
	}()
}
