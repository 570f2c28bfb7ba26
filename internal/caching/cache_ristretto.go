// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/dgraph-io/ristretto/z"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	brokerapi "github.com/unlistd/unlistd/brokerapi/api"
)

const (
	DisableMetrics = false
	EnableMetrics  = true
)

// Single-byte prefixes keep the partitions from colliding inside the one
// ristretto instance.
const (
	brokerIntelCache byte = iota + 1
	userPlansCache
)

// NewRistrettoCache creates a new in-memory cache with the given maximum
// cost in bytes and per-entry TTL.
func NewRistrettoCache(maxCost int64, maxAge time.Duration, enablePrometheus bool) *Caches {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxCost / 1024 * 10,
		BufferItems: 64,
		MaxCost:     maxCost,
		Metrics:     true,
		KeyToHash: func(key interface{}) (uint64, uint64) {
			return z.KeyToHash(key)
		},
	})
	if err != nil {
		panic(err)
	}
	if enablePrometheus {
		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "unlistd",
			Subsystem: "caching_ristretto",
			Name:      "ratio",
		}, func() float64 {
			return cache.Metrics.Ratio()
		})
		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "unlistd",
			Subsystem: "caching_ristretto",
			Name:      "cost",
		}, func() float64 {
			return float64(cache.Metrics.CostAdded() - cache.Metrics.CostEvicted())
		})
	}
	return &Caches{
		BrokerIntel: &RistrettoCachePartition[string, brokerapi.Intelligence]{
			cache:  cache,
			Prefix: brokerIntelCache,
			MaxAge: maxAge,
		},
		UserPlans: &RistrettoCachePartition[string, string]{
			cache:  cache,
			Prefix: userPlansCache,
			MaxAge: maxAge,
		},
	}
}

// RistrettoCachePartition is one keyspace within the shared ristretto cache.
type RistrettoCachePartition[K keyable, V any] struct {
	cache  *ristretto.Cache
	Prefix byte
	MaxAge time.Duration
}

func (c *RistrettoCachePartition[K, V]) Set(key K, value V) {
	bkey := fmt.Sprintf("%c%v", c.Prefix, key)
	c.cache.SetWithTTL(bkey, value, 1, c.MaxAge)
}

func (c *RistrettoCachePartition[K, V]) Unset(key K) {
	bkey := fmt.Sprintf("%c%v", c.Prefix, key)
	c.cache.Del(bkey)
}

func (c *RistrettoCachePartition[K, V]) Get(key K) (value V, ok bool) {
	bkey := fmt.Sprintf("%c%v", c.Prefix, key)
	v, ok := c.cache.Get(bkey)
	if !ok || v == nil {
		var empty V
		return empty, false
	}
	value, ok = v.(V)
	return value, ok
}
