package queue

import (
	"errors"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
)

// StartEmbeddedServer runs an in-process NATS server with JetStream stored
// under storeDir, listening on a random local port.
func StartEmbeddedServer(storeDir string) (*natsserver.Server, error) {
	opts := &natsserver.Options{
		Host:           "127.0.0.1",
		Port:           -1,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 2048,
		JetStream:      true,
		StoreDir:       storeDir,
	}
	s, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, err
	}
	go s.Start()
	if !s.ReadyForConnections(10 * time.Second) {
		s.Shutdown()
		return nil, errors.New("embedded NATS server not ready")
	}
	return s, nil
}
