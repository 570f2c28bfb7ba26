// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package caching provides in-memory caches for frequently derived values.
package caching

import (
	brokerapi "github.com/unlistd/unlistd/brokerapi/api"
)

// Caches contains a set of references to caches. They may be the same cache
// in the background, or they may be different caches depending on the
// implementation.
type Caches struct {
	BrokerIntel Cache[string, brokerapi.Intelligence] // broker source -> routing signal
	UserPlans   Cache[string, string]                 // user ID -> plan name
}

// Cache is the interface that an implementation must satisfy.
type Cache[K keyable, T any] interface {
	Get(key K) (value T, ok bool)
	Set(key K, value T)
	Unset(key K)
}

type keyable interface {
	~string | ~int | ~int64 | ~uint | ~uint64
}

// BrokerIntelCache is the subset used by the intelligence layer.
type BrokerIntelCache interface {
	GetBrokerIntel(source string) (brokerapi.Intelligence, bool)
	StoreBrokerIntel(source string, intel brokerapi.Intelligence)
	InvalidateBrokerIntel(source string)
}

func (c Caches) GetBrokerIntel(source string) (brokerapi.Intelligence, bool) {
	return c.BrokerIntel.Get(source)
}

func (c Caches) StoreBrokerIntel(source string, intel brokerapi.Intelligence) {
	c.BrokerIntel.Set(source, intel)
}

func (c Caches) InvalidateBrokerIntel(source string) {
	c.BrokerIntel.Unset(source)
}

// UserPlanCache is the subset used by the quota layer.
type UserPlanCache interface {
	GetUserPlan(userID string) (string, bool)
	StoreUserPlan(userID, plan string)
}

func (c Caches) GetUserPlan(userID string) (string, bool) {
	return c.UserPlans.Get(userID)
}

func (c Caches) StoreUserPlan(userID, plan string) {
	c.UserPlans.Set(userID, plan)
}
