// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package consumers contains the JetStream consumers feeding the removal
// engine.
package consumers

import (
	"context"
	"errors"
	"strconv"

	natsclient "github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/unlistd/unlistd/removalapi/api"
	"github.com/unlistd/unlistd/removalapi/internal"
	"github.com/unlistd/unlistd/removalapi/storage/shared"
	"github.com/unlistd/unlistd/setup/config"
	"github.com/unlistd/unlistd/setup/jetstream"
	"github.com/unlistd/unlistd/setup/process"
)

// InboundReplyConsumer applies broker reply emails to their removal
// requests as they arrive on the inbound-replies stream.
type InboundReplyConsumer struct {
	ctx        context.Context
	jetstream  natsclient.JetStreamContext
	durable    string
	topic      string
	reconciler *internal.Reconciler
}

func NewInboundReplyConsumer(
	processCtx *process.ProcessContext,
	cfg *config.JetStream,
	js natsclient.JetStreamContext,
	reconciler *internal.Reconciler,
) *InboundReplyConsumer {
	return &InboundReplyConsumer{
		ctx:        processCtx.Context(),
		jetstream:  js,
		durable:    cfg.Durable("InboundReplyConsumer"),
		topic:      cfg.Prefixed(jetstream.InboundReplies),
		reconciler: reconciler,
	}
}

// Start subscribing to the inbound replies stream.
func (s *InboundReplyConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, natsclient.DeliverAll(), natsclient.ManualAck(),
	)
}

func (s *InboundReplyConsumer) onMessage(ctx context.Context, msgs []*natsclient.Msg) bool {
	msg := msgs[0] // Guaranteed to exist
	requestIDStr := msg.Header.Get(jetstream.HeaderRequestID)
	log := logrus.WithFields(logrus.Fields{
		"request_id": requestIDStr,
		"user_id":    msg.Header.Get(jetstream.HeaderUserID),
		"source":     msg.Header.Get(jetstream.HeaderSource),
	})

	requestID, err := strconv.ParseInt(requestIDStr, 10, 64)
	if err != nil {
		// Poison message; redelivery can never fix it.
		log.WithError(err).Error("Dropping reply with unparsable request ID")
		return true
	}

	category, err := s.reconciler.HandleReply(ctx, requestID, string(msg.Data))
	if err != nil {
		if errors.Is(err, shared.ErrRequestNotFound) {
			log.Warn("Dropping reply for unknown removal request")
			return true
		}
		// The request cannot take this reply from its current state, and
		// redelivering the same reply will never change that.
		var invalid api.ErrInvalidTransition
		if errors.As(err, &invalid) {
			log.WithError(err).Warn("Dropping reply the request cannot accept")
			return true
		}
		log.WithError(err).Error("Failed to apply broker reply, will retry")
		return false
	}
	log.WithField("category", category).Info("Applied broker reply")
	return true
}
