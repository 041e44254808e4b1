package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/claimrelay/internal/config"
	"github.com/austindbirch/claimrelay/internal/logging"
)

// Publisher is the producer side used by the executor and the delivery worker.
// *nsq.Producer satisfies it.
type Publisher interface {
	Publish(topic string, body []byte) error
	DeferredPublish(topic string, delay time.Duration, body []byte) error
}

// nsqLogger adapts the structured logger to go-nsq's Output(calldepth, s) logger
type nsqLogger struct {
	component string
}

func (l nsqLogger) Output(_ int, s string) error {
	level, msg := nsqLevel(s)
	e := logging.Plain().WithField("component", l.component)
	switch level {
	case logging.LevelError:
		e.Error(msg)
	case logging.LevelWarn:
		e.Warn(msg)
	case logging.LevelInfo:
		e.Info(msg)
	default:
		e.Debug(msg)
	}
	return nil
}

// nsqLevel splits go-nsq's "WRN   1 [topic/channel] msg" prefix into a level and the rest
func nsqLevel(s string) (logging.LogLevel, string) {
	prefix, rest, ok := strings.Cut(s, " ")
	if !ok {
		return logging.LevelDebug, s
	}
	rest = strings.TrimSpace(rest)
	switch prefix {
	case "ERR":
		return logging.LevelError, rest
	case "WRN":
		return logging.LevelWarn, rest
	case "INF":
		return logging.LevelInfo, rest
	case "DBG":
		return logging.LevelDebug, rest
	}
	return logging.LevelDebug, s
}

// NewProducer connects a producer to nsqd and verifies it with a ping
func NewProducer(cfg config.NSQ) (*nsq.Producer, error) {
	p, err := nsq.NewProducer(cfg.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	p.SetLogger(nsqLogger{component: "nsq-producer"}, nsq.LogLevelWarning)
	if err := p.Ping(); err != nil {
		p.Stop()
		return nil, fmt.Errorf("nsq producer ping: %w", err)
	}
	return p, nil
}

// ConsumerConfig returns the go-nsq config shared by all consumers. MaxInFlight is the
// number of concurrent handlers, so each handler holds at most one message.
// MaxAttempts is 0: go-nsq would otherwise Finish a message after that many
// redeliveries without calling the handler, leaving its record pending with no
// dead letter. Handlers own the attempt budget through the status record.
func ConsumerConfig(cfg config.NSQ, concurrency int) *nsq.Config {
	conf := nsq.NewConfig()
	if concurrency < 1 {
		concurrency = 1
	}
	conf.MaxInFlight = concurrency
	if cfg.MsgTimeout > 0 {
		conf.MsgTimeout = cfg.MsgTimeout
	}
	conf.MaxAttempts = 0
	return conf
}

// Subscribe starts a consumer on topic with concurrency handlers. Connecting directly to
// nsqd forces channel creation instead of waiting for the first publish.
func Subscribe(cfg config.NSQ, topic string, concurrency int, h nsq.Handler) (*nsq.Consumer, error) {
	consumer, err := nsq.NewConsumer(topic, cfg.Channel, ConsumerConfig(cfg, concurrency))
	if err != nil {
		return nil, fmt.Errorf("nsq consumer %s: %w", topic, err)
	}
	consumer.SetLogger(nsqLogger{component: "nsq-consumer-" + topic}, nsq.LogLevelWarning)
	consumer.AddConcurrentHandlers(h, max(concurrency, 1))

	if err := consumer.ConnectToNSQD(cfg.NsqdTCPAddr); err != nil {
		consumer.Stop()
		return nil, fmt.Errorf("connect %s to nsqd: %w", topic, err)
	}
	if cfg.LookupHTTPAddr != "" {
		if err := consumer.ConnectToNSQLookupd(cfg.LookupHTTPAddr); err != nil {
			consumer.Stop()
			return nil, fmt.Errorf("connect %s to lookupd: %w", topic, err)
		}
	}
	return consumer, nil
}
