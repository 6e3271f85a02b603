package main

import (
	"context"
	"fmt"

	"github.com/risa-org/fixsession/config"
	"github.com/risa-org/fixsession/store"
	"github.com/risa-org/fixsession/store/file"
	"github.com/risa-org/fixsession/store/memory"
	"github.com/risa-org/fixsession/store/mongo"
	"github.com/risa-org/fixsession/store/redis"
	"github.com/risa-org/fixsession/transport"
	"github.com/risa-org/fixsession/transport/tcp"
	"github.com/risa-org/fixsession/transport/websocket"
)

// openStore builds the configured store. release frees the backing client,
// not the session ledger; call it once the process is done with the store.
func openStore(ctx context.Context, cfg config.Config) (st store.MessageStore, release func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }
	switch cfg.Store {
	case config.StoreMemory:
		return memory.New(), noop, nil
	case config.StoreFile:
		fs, err := file.New(cfg.StorePath)
		if err != nil {
			return nil, nil, err
		}
		return fs, noop, nil
	case config.StoreRedis:
		rs, err := redis.NewFromURL(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return rs, func(context.Context) error { return rs.Client().Close() }, nil
	case config.StoreMongo:
		ms, err := mongo.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, err
		}
		return ms, ms.Disconnect, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
}

// dialer returns a fresh unconnected transport for one initiator attempt.
func dialer(cfg config.Config) (transport.Adapter, error) {
	switch cfg.Transport {
	case config.TransportTCP:
		return tcp.NewDialer(tcpConfig(cfg)), nil
	case config.TransportWebSocket:
		return websocket.NewDialer(cfg.ConnectTimeout), nil
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}

func tcpConfig(cfg config.Config) tcp.Config {
	return tcp.Config{
		ConnectTimeout:     cfg.ConnectTimeout,
		HandshakeTimeout:   cfg.ConnectTimeout,
		TLSEnabled:         cfg.TLS.Enabled,
		CAFile:             cfg.TLS.CAFile,
		InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
	}
}
