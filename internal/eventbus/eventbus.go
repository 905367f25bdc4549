/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus selects the event broker that carries engine notifications between replicas.
package eventbus

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/airwave/internal/config"
	"github.com/friendsincode/airwave/internal/events"
)

// New returns the broker named by cfg.EventBus. An unreachable NATS server degrades to the
// in-process bus so a single replica keeps working.
func New(cfg *config.Config, logger zerolog.Logger) events.Broker {
	nodeID := cfg.InstanceID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}

	switch cfg.EventBus {
	case config.EventBusRedis:
		rc := DefaultRedisConfig()
		rc.Addr = cfg.RedisAddr
		rc.Password = cfg.RedisPassword
		rc.DB = cfg.RedisDB
		return NewRedisBus(rc, nodeID, logger)
	case config.EventBusNATS:
		nc := DefaultNATSConfig()
		nc.URL = cfg.NATSURL
		nb, err := NewNATSBus(nc, nodeID, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("NATS unavailable, using in-memory event bus")
			return events.NewBus()
		}
		return nb
	default:
		return events.NewBus()
	}
}
