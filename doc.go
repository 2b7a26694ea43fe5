// Package syncbridge republishes committed mutations recorded in a
// Postgres sync-queue table onto RabbitMQ so that downstream consumers
// (a search-index updater) eventually converge.
//
// Rows appear in the sync_queue table with status pending, written by
// database triggers owned elsewhere. The bridge drains them through two
// delivery modes that share one per-job routine: a realtime
// LISTEN/NOTIFY watcher (primary) and a lower-frequency poll loop
// (fallback), both funneled through an atomic claim so a row is
// processed at most once per pickup. Delivery is at-least-once;
// consumers are expected to be idempotent per record id.
//
// # Basic usage
//
//	st, err := store.NewPostgres(ctx, cfg.Postgres.DSN)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client := rabbitmq.NewClient(cfg.RabbitMQ)
//	if err := client.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	bridge := syncbridge.New(cfg, st, client)
//	if err := bridge.StartProcessing(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer bridge.StopProcessing(ctx)
//
// # Failure handling
//
// Store access is guarded by a circuit breaker; the broker client
// reconnects with jittered exponential backoff and reports unhealthy
// once its budget is spent instead of crashing the process. Jobs stuck
// in processing are swept back to pending (or to failed once their
// retry budget is gone) every few poll ticks. Jobs marked failed stay
// failed until an operator calls RetryFailed.
//
// # Metrics
//
// PrometheusCollectors exposes processing and sweep counters; the
// rabbitmq client carries its own publish/consume collectors.
package syncbridge
