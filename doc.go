// Package eventcore is a partitioned-log event consumption core.
//
// It generalizes the shape shared by most broker consumers: poll, gate the
// in-flight work behind a backpressure semaphore, route each envelope to the
// first matching handler, resolve to commit-or-dead-letter, and record
// metrics. Business logic lives in pluggable handlers; the core guarantees
// at-least-once delivery and that a single poison message can never wedge its
// partition.
//
// A minimal consumer:
//
//	cfg, err := eventcore.FromEnv()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	logger := eventcore.NewSlogServiceLogger(slog.Default())
//	d, err := eventcore.NewDispatcher(cfg, logger, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	d.RegisterHandler(myHandler)
//
//	if err := d.Run(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer d.Stop(context.Background())
//
// Broker backends live in sub-packages of transport/ and register themselves
// on import:
//
//	import (
//		_ "github.com/mindfabric/eventcore/transport/kafka"
//	)
package eventcore
