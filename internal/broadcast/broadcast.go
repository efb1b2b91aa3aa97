// Package broadcast pushes live notifications to the public session panel
// over NATS. Delivery is fire-and-forget: a broker outage must never fail
// the mutation that produced the notification.
package broadcast

import (
	"encoding/json"
	"log"

	"github.com/nats-io/nats.go"
)

type Publisher struct {
	conn   *nats.Conn
	prefix string
}

// Connect dials the broker. An empty URL yields a disabled publisher whose
// Publish is a no-op, which keeps the CLI usable without a broker.
func Connect(url, prefix string) (*Publisher, error) {
	if url == "" {
		return nil, nil
	}
	if prefix == "" {
		prefix = "plenario"
	}
	conn, err := nats.Connect(url, nats.Name("plenario"))
	if err != nil {
		return nil, err
	}
	return &Publisher{conn: conn, prefix: prefix}, nil
}

// Publish sends a JSON payload on <prefix>.<subject>. Safe on a nil
// receiver.
func (p *Publisher) Publish(subject string, payload any) {
	if p == nil || p.conn == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("broadcast: marshal %s: %v", subject, err)
		return
	}
	if err := p.conn.Publish(p.prefix+"."+subject, data); err != nil {
		log.Printf("broadcast: publish %s: %v", subject, err)
	}
}

func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.conn.Drain()
}
