// Package broker forwards created delivery records to an AMQP exchange,
// where the external delivery adapter consumes them.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/streadway/amqp"

	"campusnotify/internal/eventbus"
	"campusnotify/internal/model"
	logx "campusnotify/pkg/logx"
)

const (
	DefaultExchange   = "campusnotify.deliveries"
	DefaultRoutingKey = "delivery.created"

	subscriberBuffer = 256
)

type Config struct {
	URL        string
	Exchange   string
	RoutingKey string
}

func (c Config) withDefaults() Config {
	c.URL = strings.TrimSpace(c.URL)
	if c.Exchange == "" {
		c.Exchange = DefaultExchange
	}
	if c.RoutingKey == "" {
		c.RoutingKey = DefaultRoutingKey
	}
	return c
}

// Channel is the part of *amqp.Channel the bridge uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Dialer opens a channel plus the connection that owns it.
type Dialer func(url string) (Channel, io.Closer, error)

// DialAMQP is the production Dialer.
func DialAMQP(url string) (Channel, io.Closer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, conn, nil
}

// Message is the JSON body published for every created record.
type Message struct {
	Event       string               `json:"event"`
	PublishedAt time.Time            `json:"published_at"`
	Record      model.DeliveryRecord `json:"record"`
}

// Bridge subscribes to delivery.created and publishes each record.
// Events raised while the connection is down are dropped by the bus.
type Bridge struct {
	cfg  Config
	bus  eventbus.Bus
	dial Dialer
	now  func() time.Time
	log  logx.Logger
}

func New(cfg Config, bus eventbus.Bus, dial Dialer, log logx.Logger) *Bridge {
	if dial == nil {
		dial = DialAMQP
	}
	return &Bridge{
		cfg:  cfg.withDefaults(),
		bus:  bus,
		dial: dial,
		now:  time.Now,
		log:  log.With(logx.String("comp", "broker")),
	}
}

// Run connects, declares the exchange and forwards events until ctx is done
// or the connection fails. A returned error means "reconnect"; callers run it
// under supervisor.GoRestart.
func (b *Bridge) Run(ctx context.Context) error {
	if b.cfg.URL == "" {
		return errors.New("broker url is empty")
	}
	ch, conn, err := b.dial(b.cfg.URL)
	if err != nil {
		return err
	}
	defer func() {
		_ = ch.Close()
		if conn != nil {
			_ = conn.Close()
		}
	}()

	if err := ch.ExchangeDeclare(
		b.cfg.Exchange,
		"topic",
		true,  // durable
		false, // delete when unused
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("declare exchange %q: %w", b.cfg.Exchange, err)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	events, unsubscribe := b.bus.Subscribe(subscriberBuffer, eventbus.DeliveryCreated)
	defer unsubscribe()
	b.log.Info("broker connected", logx.String("exchange", b.cfg.Exchange), logx.String("routing_key", b.cfg.RoutingKey))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case aerr, ok := <-closed:
			if !ok || aerr == nil {
				return errors.New("channel closed")
			}
			return fmt.Errorf("channel closed: %w", aerr)
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			rec, ok := ev.Data.(model.DeliveryRecord)
			if !ok {
				continue
			}
			if err := b.publish(ch, rec); err != nil {
				b.log.Error("publish delivery failed", logx.String("record_id", rec.ID), logx.Err(err))
				return err
			}
		}
	}
}

func (b *Bridge) publish(ch Channel, rec model.DeliveryRecord) error {
	now := b.now()
	body, err := json.Marshal(Message{Event: eventbus.DeliveryCreated, PublishedAt: now, Record: rec})
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return ch.Publish(
		b.cfg.Exchange,
		b.cfg.RoutingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    rec.ID,
			Timestamp:    now,
			Type:         string(rec.TriggerType),
			Priority:     uint8(min(max(rec.Priority, 0), 9)),
			Body:         body,
		},
	)
}
