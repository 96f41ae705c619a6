package notification

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rxtech-lab/launchpad-deployer/internal/deployer"
	"github.com/rxtech-lab/launchpad-deployer/internal/events"
	"github.com/rxtech-lab/launchpad-deployer/internal/models"
	"github.com/samber/lo"
	"github.com/segmentio/kafka-go"
)

const DeploymentEventsTopic = "launchpad_deployment_events"

const writeTimeout = 10 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DeploymentMessage is the JSON body published for every deployment event.
type DeploymentMessage struct {
	Event      string                  `json:"event"`
	Previous   models.DeploymentStatus `json:"previous,omitempty"`
	Reason     string                  `json:"reason,omitempty"`
	Deployment models.DeploymentRecord `json:"deployment"`
	Timestamp  time.Time               `json:"timestamp"`
}

// KafkaSink publishes deployment events keyed by token id, so events of one
// token stay in one partition and in order.
type KafkaSink struct {
	w   messageWriter
	now func() time.Time

	mu   sync.Mutex
	subs []*events.Subscription[deployer.Event]
}

func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	brokers = lo.Filter(lo.Map(brokers, func(b string, _ int) string {
		return strings.TrimSpace(b)
	}), func(b string, _ int) bool {
		return b != ""
	})
	if len(brokers) == 0 {
		return nil, errors.New("at least one kafka broker is required")
	}
	if topic == "" {
		topic = DeploymentEventsTopic
	}
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}
	return newKafkaSink(w), nil
}

func newKafkaSink(w messageWriter) *KafkaSink {
	return &KafkaSink{w: w, now: time.Now}
}

func (s *KafkaSink) Listen(source DeploymentSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, source.Subscribe(s.handle))
}

func (s *KafkaSink) handle(event deployer.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.Publish(ctx, event); err != nil {
		log.Warn("failed to publish deployment event", "token", event.Record().TokenID, "err", err)
	}
}

func (s *KafkaSink) Publish(ctx context.Context, event deployer.Event) error {
	msg := DeploymentMessage{Deployment: event.Record(), Timestamp: s.now().UTC()}
	switch e := event.(type) {
	case deployer.StatusChanged:
		msg.Event = "status"
		msg.Previous = e.Previous
	case deployer.DeploymentSucceeded:
		msg.Event = "success"
	case deployer.DeploymentFailed:
		msg.Event = "failed"
		msg.Reason = e.Reason
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "failed to encode deployment event")
	}
	return s.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.Deployment.TokenID),
		Value: body,
	})
}

func (s *KafkaSink) Close() error {
	s.mu.Lock()
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
	s.mu.Unlock()
	return s.w.Close()
}
