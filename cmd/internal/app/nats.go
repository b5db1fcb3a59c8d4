package app

import (
	"fmt"
	"time"

	"courier/cmd/identity/ids"
	"courier/cmd/internal/delivery"

	"github.com/nats-io/nats.go"
)

// resolveNodeID returns the configured node id or mints one for this process.
func resolveNodeID(cfg Config) (string, error) {
	if cfg.NodeID != "" {
		return cfg.NodeID, nil
	}
	id, err := ids.NewULID(time.Now())
	if err != nil {
		return "", fmt.Errorf("node id: %w", err)
	}
	return id, nil
}

// newNATSBus dials the cross-node bus. The returned connection is owned by the caller.
func newNATSBus(cfg Config, nodeID string, log Logger, metrics *delivery.Metrics) (*nats.Conn, *delivery.NATSBus, error) {
	nc, err := delivery.DialNATS(delivery.NATSConfig{
		URL:  cfg.NATSURL,
		Name: "courier-" + nodeID,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("nats dial: %w", err)
	}

	bus, err := delivery.NewNATSBus(log, nc, cfg.NATSSubjectPrefix, nodeID, metrics)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	return nc, bus, nil
}
