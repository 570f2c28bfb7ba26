// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package jetstream connects to NATS JetStream, starting an embedded server
// when no external addresses are configured.
package jetstream

import (
	"strings"
	"sync"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	natsclient "github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/unlistd/unlistd/setup/config"
	"github.com/unlistd/unlistd/setup/process"
)

// InboundReplies carries raw broker reply emails into the reconciler.
// Messages carry the request ID, user ID and source in headers and the reply
// body as payload.
const InboundReplies = "InboundReplies"

// Header names on inbound reply messages.
const (
	HeaderRequestID = "request_id"
	HeaderUserID    = "user_id"
	HeaderSource    = "source"
)

var natsServer *natsserver.Server
var natsServerMutex sync.Mutex

// Prepare returns a JetStream context, starting an embedded server first when
// no external addresses are configured.
func Prepare(processCtx *process.ProcessContext, cfg *config.JetStream) (natsclient.JetStreamContext, *natsclient.Conn) {
	if len(cfg.Addresses) > 0 {
		nc, err := natsclient.Connect(strings.Join(cfg.Addresses, ","))
		if err != nil {
			logrus.WithError(err).Panic("Unable to connect to NATS")
		}
		return setupNATS(cfg, nc), nc
	}

	natsServerMutex.Lock()
	if natsServer == nil {
		var err error
		opts := &natsserver.Options{
			ServerName:      "unlistd",
			DontListen:      true,
			JetStream:       true,
			StoreDir:        cfg.StoragePath,
			NoSystemAccount: true,
			MaxPayload:      16 * 1024 * 1024,
			NoSigs:          true,
			SyncAlways:      true,
		}
		natsServer, err = natsserver.NewServer(opts)
		if err != nil {
			logrus.WithError(err).Panic("Unable to prepare embedded NATS server")
		}
		natsServer.ConfigureLogger()
		go func() {
			processCtx.ComponentStarted()
			natsServer.Start()
		}()
		go func() {
			<-processCtx.WaitForShutdown()
			natsServer.Shutdown()
			natsServer.WaitForShutdown()
			processCtx.ComponentFinished()
		}()
	}
	natsServerMutex.Unlock()
	if !natsServer.ReadyForConnections(time.Second * 10) {
		logrus.Fatalln("Embedded NATS server did not start in time")
	}
	nc, err := natsclient.Connect("", natsclient.InProcessServer(natsServer))
	if err != nil {
		logrus.Fatalln("Failed to create NATS client")
	}
	return setupNATS(cfg, nc), nc
}

func setupNATS(cfg *config.JetStream, nc *natsclient.Conn) natsclient.JetStreamContext {
	js, err := nc.JetStream()
	if err != nil {
		logrus.WithError(err).Panic("Unable to get JetStream context")
	}

	streamName := cfg.Prefixed(InboundReplies)
	if _, err = js.StreamInfo(streamName); err != nil {
		storage := natsclient.FileStorage
		if cfg.StoragePath == "" && len(cfg.Addresses) == 0 {
			storage = natsclient.MemoryStorage
		}
		if _, err = js.AddStream(&natsclient.StreamConfig{
			Name:      streamName,
			Subjects:  []string{cfg.Prefixed(InboundReplies)},
			Retention: natsclient.InterestPolicy,
			Storage:   storage,
		}); err != nil {
			logrus.WithError(err).WithField("stream", streamName).Panic("Unable to add stream")
		}
	}
	return js
}
