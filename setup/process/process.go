// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package process

import (
	"context"
	"sync"
)

// ProcessContext tracks the lifetime of the daemon and of the components
// running inside it. Components register themselves so that shutdown can wait
// for in-flight work to finish.
type ProcessContext struct {
	wg       sync.WaitGroup
	ctx      context.Context
	shutdown context.CancelFunc
}

func NewProcessContext() *ProcessContext {
	ctx, shutdown := context.WithCancel(context.Background())
	return &ProcessContext{
		ctx:      ctx,
		shutdown: shutdown,
	}
}

// Context returns the process context, cancelled when shutdown begins.
func (b *ProcessContext) Context() context.Context {
	return context.WithValue(b.ctx, "scope", "process") // nolint:staticcheck
}

// ComponentStarted registers a component that must be waited for on shutdown.
func (b *ProcessContext) ComponentStarted() {
	b.wg.Add(1)
}

// ComponentFinished marks a registered component as done.
func (b *ProcessContext) ComponentFinished() {
	b.wg.Done()
}

// Shutdown cancels the process context, signalling every component to stop.
func (b *ProcessContext) Shutdown() {
	b.shutdown()
}

// WaitForShutdown returns a channel closed when shutdown begins.
func (b *ProcessContext) WaitForShutdown() <-chan struct{} {
	return b.ctx.Done()
}

// WaitForComponentsToFinish blocks until every registered component has
// called ComponentFinished.
func (b *ProcessContext) WaitForComponentsToFinish() {
	b.wg.Wait()
}
