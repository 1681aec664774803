package output

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/tailship/tailship/internal/config"
	"github.com/tailship/tailship/internal/model"
)

// AMQP publishes envelopes to a broker. The connection is established
// lazily on the first push; the exchange and queue are declared and
// bound on every fresh connection so a restarted broker gets them back.
type AMQP struct {
	log     *logrus.Entry
	cfg     config.OutputConfig
	timeout time.Duration

	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQP builds the sink without touching the broker.
func NewAMQP(cfg config.OutputConfig, log *logrus.Entry) *AMQP {
	return &AMQP{
		log:     log.WithField("output", "amqp"),
		cfg:     cfg,
		timeout: cfg.Timeout,
	}
}

// Name identifies the sink by its broker and queue.
func (a *AMQP) Name() string {
	return fmt.Sprintf("amqp://%s/%s", a.cfg.Host, a.cfg.Queue.Name)
}

// Push publishes one envelope with the queue name as routing key. A
// broker failure tears the connection down so the next push redials.
func (a *AMQP) Push(ctx context.Context, env model.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	if a.ch == nil {
		if err := a.connect(); err != nil {
			a.log.Warnf("cannot reach broker: %v", err)
			return err
		}
	}

	err := a.ch.PublishWithContext(
		ctx,
		a.cfg.Exchange.Name,
		a.cfg.Queue.Name,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        env.Data,
		},
	)
	if err != nil {
		a.log.Warnf("publish failed: %v", err)
		a.drop()
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

// connect dials the broker and declares the exchange, the queue and the
// binding between them.
func (a *AMQP) connect() error {
	uri := url.URL{
		Scheme: "amqp",
		Host:   net.JoinHostPort(a.cfg.Host, strconv.Itoa(a.cfg.Port)),
		Path:   a.cfg.Vhost,
	}
	if a.cfg.User != "" {
		uri.User = url.UserPassword(a.cfg.User, a.cfg.Password)
	}

	conn, err := amqp.DialConfig(uri.String(), amqp.Config{
		Heartbeat:  a.cfg.Heartbeat,
		FrameSize:  a.cfg.FrameMax,
		ChannelMax: uint16(a.cfg.ChannelMax),
		Dial:       amqp.DefaultDial(a.timeout),
	})
	if err != nil {
		return fmt.Errorf("dialing broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("opening channel: %w", err)
	}

	ex := a.cfg.Exchange
	if ex.Name != "" {
		if err := ch.ExchangeDeclare(ex.Name, ex.Type, ex.Durable, ex.AutoDelete, false, false, nil); err != nil {
			conn.Close()
			return fmt.Errorf("declaring exchange %s: %w", ex.Name, err)
		}
	}

	q := a.cfg.Queue
	if _, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("declaring queue %s: %w", q.Name, err)
	}

	if ex.Name != "" {
		if err := ch.QueueBind(q.Name, q.Name, ex.Name, false, nil); err != nil {
			conn.Close()
			return fmt.Errorf("binding queue %s: %w", q.Name, err)
		}
	}

	a.conn = conn
	a.ch = ch
	return nil
}

func (a *AMQP) drop() {
	if a.conn != nil {
		a.conn.Close()
	}
	a.conn = nil
	a.ch = nil
}

// Close shuts the broker connection.
func (a *AMQP) Close() error {
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	a.ch = nil
	return err
}
