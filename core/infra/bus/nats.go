package bus

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/cordum/plugind/core/infra/logging"
	"github.com/nats-io/nats.go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// NatsBus is a thin wrapper over a NATS connection that carries plugin
// runtime events as protobuf Structs.
type NatsBus struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	jsEnabled bool
}

const (
	envUseJetStream = "NATS_USE_JETSTREAM"
	envJSMaxAge     = "NATS_JS_MAX_AGE"

	defaultMaxAge = 7 * 24 * time.Hour

	streamEvents = "PLUGIND_EVENTS"

	// SubjectPrefix roots every event subject.
	SubjectPrefix = "plugins.events"
	// SubjectAll matches every event subject.
	SubjectAll = SubjectPrefix + ".>"

	// FieldEventID is the struct field used as the JetStream dedupe id.
	FieldEventID = "id"
)

var (
	errNilBus     = errors.New("nats bus not initialized")
	errNilEvent   = errors.New("nil event")
	errEmptyTopic = errors.New("empty subject")
)

// NewNatsBus dials NATS at the provided URL.
func NewNatsBus(url string) (*NatsBus, error) {
	opts := []nats.Option{
		nats.Name("plugind"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Warn("bus", "disconnected from NATS", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("bus", "reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.Info("bus", "connection closed")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	b := &NatsBus{nc: nc}
	b.initJetStreamFromEnv()
	return b, nil
}

// Close shuts down the underlying NATS connection.
func (b *NatsBus) Close() {
	if b != nil && b.nc != nil {
		b.nc.Close()
	}
}

// EventSubject builds the subject for an event kind such as "init.completed".
func EventSubject(kind string) string {
	kind = strings.Trim(strings.TrimSpace(kind), ".")
	if kind == "" {
		return ""
	}
	return SubjectPrefix + "." + kind
}

// Publish sends a protobuf-encoded event on the given subject.
func (b *NatsBus) Publish(subject string, event *structpb.Struct) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	if event == nil {
		return errNilEvent
	}
	data, err := proto.Marshal(event)
	if err != nil {
		return err
	}
	if b.jsEnabled && strings.HasPrefix(subject, SubjectPrefix+".") {
		if id := eventID(event); id != "" {
			_, err = b.js.Publish(subject, data, nats.MsgId(id))
		} else {
			_, err = b.js.Publish(subject, data)
		}
		return err
	}
	return b.nc.Publish(subject, data)
}

// Subscribe decodes events on subject and invokes handler for each.
func (b *NatsBus) Subscribe(subject string, handler func(*structpb.Struct)) (func(), error) {
	if b == nil || b.nc == nil {
		return nil, errNilBus
	}
	if subject == "" {
		return nil, errEmptyTopic
	}
	if handler == nil {
		return nil, errors.New("nil handler")
	}
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		var event structpb.Struct
		if err := proto.Unmarshal(msg.Data, &event); err != nil {
			logging.Error("bus", "failed to unmarshal event", "subject", msg.Subject, "err", err)
			return
		}
		handler(&event)
	})
	if err != nil {
		return nil, err
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

func (b *NatsBus) Status() string {
	if b == nil || b.nc == nil {
		return "UNKNOWN"
	}
	return b.nc.Status().String()
}

func initJetStreamEnabled() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(envUseJetStream))) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func (b *NatsBus) initJetStreamFromEnv() {
	if b == nil || b.nc == nil || !initJetStreamEnabled() {
		return
	}
	maxAge := defaultMaxAge
	if v := strings.TrimSpace(os.Getenv(envJSMaxAge)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			maxAge = d
		}
	}
	js, err := b.nc.JetStream()
	if err != nil {
		logging.Error("bus", "jetstream init failed", "err", err)
		return
	}
	if _, err := js.AccountInfo(); err != nil {
		logging.Warn("bus", "jetstream not available", "err", err)
		return
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       streamEvents,
		Subjects:   []string{SubjectAll},
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		MaxAge:     maxAge,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		// Stream may already exist; treat that as success.
		if _, infoErr := js.StreamInfo(streamEvents); infoErr != nil {
			logging.Error("bus", "jetstream ensure stream failed", "name", streamEvents, "err", err)
			return
		}
	}
	b.js = js
	b.jsEnabled = true
	logging.Info("bus", "jetstream enabled", "stream", streamEvents, "max_age", maxAge)
}

func eventID(event *structpb.Struct) string {
	if event == nil {
		return ""
	}
	v, ok := event.GetFields()[FieldEventID]
	if !ok {
		return ""
	}
	return strings.TrimSpace(v.GetStringValue())
}
