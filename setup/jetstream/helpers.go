// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"context"
	"errors"
	"fmt"

	natsclient "github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// JetStreamConsumer starts a durable pull consumer on the given subject and
// feeds batches to f. A true return acknowledges the batch; false leaves it
// for redelivery. The consumer stops when ctx is cancelled.
func JetStreamConsumer(
	ctx context.Context, js natsclient.JetStreamContext, subj, durable string, batch int,
	f func(ctx context.Context, msgs []*natsclient.Msg) bool, opts ...natsclient.SubOpt,
) error {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithField("subject", subj).Errorf("Consumer panicked: %v", r)
		}
	}()

	name := durable + "Pull"
	sub, err := js.PullSubscribe(subj, name, opts...)
	if err != nil {
		sentryError := fmt.Errorf("jetstream.PullSubscribe (%s): %w", subj, err)
		logrus.WithError(sentryError).Error("Failed to configure consumer")
		return sentryError
	}
	go func() {
		for {
			// If the parent context has given up then there's no point in
			// carrying on doing anything, so stop the listener.
			select {
			case <-ctx.Done():
				if err := sub.Unsubscribe(); err != nil {
					logrus.WithContext(ctx).Warnf("Failed to unsubscribe %q", durable)
				}
				return
			default:
			}
			msgs, err := sub.Fetch(batch, natsclient.Context(ctx))
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					// Work out whether it was the JetStream context that
					// expired or whether it was our supplied context.
					select {
					case <-ctx.Done():
						// The supplied context expired, so we want to stop the
						// consumer altogether.
						return
					default:
						// The JetStream context expired, so the fetch probably
						// just timed out and we should try again.
						continue
					}
				} else if errors.Is(err, natsclient.ErrTimeout) {
					// Pull request was invalidated, try again.
					continue
				} else if errors.Is(err, natsclient.ErrConsumerLeadershipChanged) {
					// Leadership changed so pending pull requests became invalidated,
					// just try again.
					continue
				} else if err.Error() == "nats: Server Shutdown" {
					// The server is shutting down, but we'll rely on the outer
					// select to catch it.
					continue
				} else {
					// Unfortunately, there's no ErrServerShutdown or similar, so we need to compare the string
					logrus.WithContext(ctx).WithField("subject", subj).WithError(err).Warn("Error on pull subscriber fetch")
					return
				}
			}
			if len(msgs) < 1 {
				continue
			}
			for _, msg := range msgs {
				if err = msg.InProgress(natsclient.Context(ctx)); err != nil {
					logrus.WithContext(ctx).WithField("subject", subj).Warn(fmt.Errorf("msg.InProgress: %w", err))
					continue
				}
			}
			if f(ctx, msgs) {
				for _, msg := range msgs {
					if err = msg.AckSync(natsclient.Context(ctx)); err != nil {
						logrus.WithContext(ctx).WithField("subject", subj).Warn(fmt.Errorf("msg.AckSync: %w", err))
					}
				}
			} else {
				for _, msg := range msgs {
					if err = msg.Nak(natsclient.Context(ctx)); err != nil {
						logrus.WithContext(ctx).WithField("subject", subj).Warn(fmt.Errorf("msg.Nak: %w", err))
					}
				}
			}
		}
	}()
	return nil
}
