// Package mqttpub drains the measurement queue into an MQTT v5 broker.
//
// The publisher owns the broker session end to end: it dials through
// the shared secure transport, speaks the v5 CONNECT handshake itself,
// and rebuilds the session with bounded exponential backoff when it
// drops. Exactly one payload is in flight at any time; a QoS 1 publish
// is awaited once and never retried by the application, so delivery
// stays at-most-once even though the wire acknowledges.
package mqttpub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/envsense/envnode/internal/config"
	"github.com/envsense/envnode/internal/measure"
	"github.com/envsense/envnode/internal/queue"
	"github.com/envsense/envnode/internal/state"
	"github.com/envsense/envnode/internal/transport"
)

const (
	// keepAliveSeconds is the CONNECT keep-alive. The transport read
	// timeout is sized above it so broker pings keep an idle session
	// open.
	keepAliveSeconds = 30

	// publishTimeout bounds one QoS 1 publish round trip.
	publishTimeout = 30 * time.Second

	reconnectInitial = 2 * time.Second
	reconnectMax     = 60 * time.Second

	// fatalRetryInterval spaces connect attempts after an unrecoverable
	// handshake failure (rejected certificate, cipher pin, oversized
	// chain). Retrying sooner cannot help until the configuration or the
	// peer changes, but the session must not take the rest of the node
	// down with it, so the publisher idles instead of exiting.
	fatalRetryInterval = 10 * time.Minute
)

// Publisher connects to the broker and publishes queued payloads.
type Publisher struct {
	host     string
	port     int
	clientID string
	username string
	password string

	dialer  *transport.Dialer
	queue   *queue.Queue[measure.Payload]
	session *state.Cell[state.SessionState]
	logger  *slog.Logger

	boInitial  time.Duration
	boMax      time.Duration
	fatalRetry time.Duration

	// OnPublish, when set, is called after every publish attempt.
	OnPublish func(ok bool)
}

// New builds a publisher. The client identifier is the device id; a
// blank device id falls back to a random UUID so the broker never sees
// two sessions fighting over an empty identifier.
func New(cfg *config.Config, dialer *transport.Dialer, q *queue.Queue[measure.Payload], session *state.Cell[state.SessionState], logger *slog.Logger) *Publisher {
	clientID := cfg.DeviceID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	return &Publisher{
		host:     cfg.MQTTHostname,
		port:     cfg.MQTTPort,
		clientID: clientID,
		username: cfg.MQTTUsername,
		password: cfg.MQTTPassword,
		dialer:   dialer,
		queue:    q,
		session:  session,
		logger:   logger,

		boInitial:  reconnectInitial,
		boMax:      reconnectMax,
		fatalRetry: fatalRetryInterval,
	}
}

// Run maintains the broker session until ctx ends. Transient failures
// reconnect with backoff. A fatal transport error (rejected
// certificate, oversized chain) cannot be fixed by reconnecting, so
// the publisher logs it and idles on a long retry window; the rest of
// the node keeps running.
func (p *Publisher) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.boInitial),
		backoff.WithMaxInterval(p.boMax),
		backoff.WithMultiplier(2.0),
		backoff.WithMaxElapsedTime(0),
	)

	loggedFatal := false
	for {
		p.session.Set(state.SessionConnecting)

		client, err := p.connect(ctx)
		if err != nil {
			p.session.Set(state.SessionDisconnected)
			if transport.IsFatal(err) {
				if !loggedFatal {
					p.logger.Error("broker session unrecoverable, idling",
						"error", err, "retry_in", p.fatalRetry)
					loggedFatal = true
				} else {
					p.logger.Debug("broker session still unrecoverable",
						"error", err)
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(p.fatalRetry):
				}
				continue
			}
			wait := bo.NextBackOff()
			p.logger.Warn("broker connect failed, backing off",
				"error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		bo.Reset()
		loggedFatal = false
		p.session.Set(state.SessionConnected)
		p.logger.Info("broker session established",
			"broker", fmt.Sprintf("%s:%d", p.host, p.port), "client_id", p.clientID)

		err = p.pump(ctx, client)
		p.teardown(client)
		p.session.Set(state.SessionDisconnected)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Warn("broker session lost, reconnecting", "error", err)
	}
}

// connect dials the broker and completes the v5 CONNECT handshake:
// clean start, fixed keep-alive, receive maximum 1 in both directions
// since only one payload is ever in flight.
func (p *Publisher) connect(ctx context.Context) (*paho.Client, error) {
	conn, err := p.dialer.Dial(ctx, p.host, p.port)
	if err != nil {
		return nil, err
	}

	client := paho.NewClient(paho.ClientConfig{
		Conn: conn,
		OnClientError: func(err error) {
			p.logger.Debug("mqtt client error", "error", err)
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			p.logger.Warn("broker sent DISCONNECT", "reason_code", d.ReasonCode)
		},
	})

	cp := &paho.Connect{
		ClientID:   p.clientID,
		KeepAlive:  keepAliveSeconds,
		CleanStart: true,
		Properties: &paho.ConnectProperties{
			ReceiveMaximum: paho.Uint16(1),
		},
	}
	if p.username != "" {
		cp.UsernameFlag = true
		cp.Username = p.username
	}
	if p.password != "" {
		cp.PasswordFlag = true
		cp.Password = []byte(p.password)
	}

	connCtx, cancel := context.WithTimeout(ctx, transport.DialTimeout)
	defer cancel()

	ca, err := client.Connect(connCtx, cp)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	if ca.ReasonCode != 0 {
		conn.Close()
		return nil, fmt.Errorf("mqtt connect refused: reason code %d", ca.ReasonCode)
	}
	return client, nil
}

// pump moves payloads from the queue to the broker one at a time. A
// payload that fails to publish is gone; requeueing would turn
// at-most-once into maybe-twice and stall fresher measurements behind
// a stale one.
func (p *Publisher) pump(ctx context.Context, client *paho.Client) error {
	for {
		payload, err := p.queue.Get(ctx)
		if err != nil {
			return err
		}

		pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
		_, err = client.Publish(pubCtx, &paho.Publish{
			Topic:   payload.Topic,
			QoS:     1,
			Payload: payload.Bytes,
		})
		cancel()

		if p.OnPublish != nil {
			p.OnPublish(err == nil)
		}
		if err != nil {
			return fmt.Errorf("publish to %s: %w", payload.Topic, err)
		}
		p.logger.Debug("payload published",
			"topic", payload.Topic, "bytes", len(payload.Bytes))
	}
}

// teardown closes the session, politely when the broker is still
// there.
func (p *Publisher) teardown(client *paho.Client) {
	err := client.Disconnect(&paho.Disconnect{ReasonCode: 0})
	if err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Debug("mqtt disconnect", "error", err)
	}
}
