/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
)

const Subject = "slights.events"

// NATSRelay shares events between server instances over a NATS subject.
type NATSRelay struct {
	conn *nats.Conn
	sub  *nats.Subscription
}

// Connect dials url with the reconnect policy used for every server.
func Connect(url, name string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(5),
	)
}

// NewNATSRelay subscribes hub to the shared subject. Every envelope, local
// or remote, reaches the registry through this subscription.
func NewNATSRelay(conn *nats.Conn, deliver func(Envelope) int, logf func(format string, args ...any)) (*NATSRelay, error) {
	sub, err := conn.Subscribe(Subject, func(m *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			logf("ERROR: Dropping malformed relay message: %v", err)
			return
		}
		deliver(env)
	})
	if err != nil {
		return nil, err
	}

	return &NATSRelay{conn: conn, sub: sub}, nil
}

func (r *NATSRelay) Publish(_ context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return r.conn.Publish(Subject, data)
}

func (r *NATSRelay) Close() {
	_ = r.sub.Unsubscribe()
	r.conn.Close()
}
