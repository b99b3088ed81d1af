// Package broker is the AMQP publisher (C8): on startup it declares one
// topic exchange and binds the four queues spec.md §6 names, then offers
// a fire-and-forget Publish the ingest handlers call for raw ADS-B frames
// and serialised Remote-ID records. Failures are the caller's to log;
// this package never retries, matching "downstream fan-out failure" in
// the error-handling design.
package broker

import (
	"fmt"

	"github.com/streadway/amqp"
)

// Exchange and queue/routing-key names, reproduced exactly from
// original_source/server/src/amqp/mod.rs.
const (
	ExchangeTelemetry = "telemetry"

	QueueAdsb         = "adsb"
	QueueNetridID     = "netrid_id"
	QueueNetridPos    = "netrid_pos"
	QueueNetridVel    = "netrid_vel"
	RoutingKeyAdsb      = "adsb"
	RoutingKeyNetridID  = "netrid:id"
	RoutingKeyNetridPos = "netrid:pos"
	RoutingKeyNetridVel = "netrid:vel"
)

var queueBindings = [...][2]string{
	{QueueAdsb, RoutingKeyAdsb},
	{QueueNetridID, RoutingKeyNetridID},
	{QueueNetridPos, RoutingKeyNetridPos},
	{QueueNetridVel, RoutingKeyNetridVel},
}

// Publisher wraps an AMQP channel over a single connection.
type Publisher struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Dial connects to url, declares the telemetry exchange, and declares +
// binds the four queues. Any failure returns an error; callers may choose
// to run degraded (fan-out logged-and-dropped) rather than fail startup
// entirely, per spec.md's "broker failures do not fail the request".
func Dial(url string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("broker: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("broker: channel: %w", err)
	}

	if err := ch.ExchangeDeclare(ExchangeTelemetry, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("broker: declare exchange: %w", err)
	}

	for _, qb := range queueBindings {
		queue, routingKey := qb[0], qb[1]
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, fmt.Errorf("broker: declare queue %s: %w", queue, err)
		}
		if err := ch.QueueBind(queue, routingKey, ExchangeTelemetry, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, fmt.Errorf("broker: bind queue %s: %w", queue, err)
		}
	}

	return &Publisher{conn: conn, ch: ch}, nil
}

// Publish fires payload to the exchange under routingKey. It never
// retries; the caller decides how to log failure.
func (p *Publisher) Publish(routingKey string, payload []byte) error {
	return p.ch.Publish(ExchangeTelemetry, routingKey, false, false, amqp.Publishing{
		ContentType: "application/octet-stream",
		Body:        payload,
	})
}

// Close tears down the channel and connection.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
