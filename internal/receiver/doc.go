// Package receiver implements the reactive Kafka receiver runtime declared
// in pkg/receiver.
//
// The runtime bridges a blocking, single-goroutine Kafka consumer client to
// an unbuffered channel of record batches:
//
//	client, _ := kafka.New(cfg, logger)
//	rcv := receiver.New(client, groupID, topics, settings, logger, metrics)
//
//	batches, errs, _ := rcv.Receive(ctx)
//	for batch := range batches {
//	    for _, msg := range batch {
//	        process(msg.Record)
//	        msg.Offset.Acknowledge()
//	    }
//	}
//
// # Threading
//
// A dedicated consumer thread owns every client call. Downstream
// goroutines interact only through atomic flags, tasks submitted to that
// thread, and the unbuffered records channel. When the channel send would
// block, the batch is handed to a sender goroutine while the consumer
// thread keeps polling (paused) to service wakeups and commit callbacks.
//
// # Backpressure
//
// The records channel has no capacity. A batch the downstream has not
// accepted stops further polling, and the assignment is paused at the
// broker so fetches stop too. When MaxDeferredCommits is set, polling also
// stops while too many delivered records remain unacknowledged.
//
// # Commits
//
// Acknowledged offsets accumulate in a committable batch, flushed by the
// commit scheduler (by size, time, or both), on rebalance, and at
// shutdown. Transient commit failures are retried on an interval within
// the attempt budget; other failures reject the registered commit waiters,
// or end the stream when there are none.
package receiver
