// Package publish routes aggregated journal groups to broker topics.
package publish

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/setevik/logpublisher/internal/batch"
	"github.com/setevik/logpublisher/internal/format"
)

// QoS is the MQTT quality of service used for every delivery (at most once).
const QoS byte = 0

// Publisher delivers a payload to a topic without waiting for acknowledgment.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte) error
}

// Delivery describes one publish attempt.
type Delivery struct {
	CycleID  string
	Time     time.Time
	Origin   string
	Topic    string
	Messages int
	Bytes    int
	Err      error
}

// Recorder receives every delivery attempt.
type Recorder interface {
	Record(d Delivery) error
}

// Result summarizes a routed batch.
type Result struct {
	Published int
	Failed    int
}

// Topic derives the delivery topic from a systemd unit name: the part before
// the first '.', or the whole name when there is none.
func Topic(origin string) string {
	topic, _, _ := strings.Cut(origin, ".")
	return topic
}

// Router publishes each origin group of a batch as a single delivery.
type Router struct {
	pub Publisher
	rec Recorder
}

// NewRouter creates a Router. rec may be nil.
func NewRouter(pub Publisher, rec Recorder) *Router {
	return &Router{pub: pub, rec: rec}
}

// Route publishes every group of b. A failed publish is logged and does not
// stop the remaining groups; nothing is retried.
func (r *Router) Route(ctx context.Context, b *batch.Batch) Result {
	var res Result

	for _, g := range b.Sorted() {
		if ctx.Err() != nil {
			break
		}

		payload := []byte(g.Body())
		d := Delivery{
			CycleID:  b.ID,
			Time:     time.Now(),
			Origin:   g.Origin,
			Topic:    Topic(g.Origin),
			Messages: len(g.Messages),
			Bytes:    len(payload),
		}

		d.Err = r.pub.Publish(d.Topic, payload, QoS)
		if d.Err != nil {
			res.Failed++
			slog.Error("publish failed",
				"cycle", b.ID,
				"topic", d.Topic,
				"origin", d.Origin,
				"messages", d.Messages,
				"error", d.Err,
			)
		} else {
			res.Published++
			slog.Debug("published",
				"cycle", b.ID,
				"topic", d.Topic,
				"origin", d.Origin,
				"messages", d.Messages,
				"size", format.Bytes(int64(d.Bytes)),
			)
		}

		if r.rec != nil {
			if err := r.rec.Record(d); err != nil {
				slog.Warn("failed to record delivery", "topic", d.Topic, "error", err)
			}
		}
	}

	return res
}
