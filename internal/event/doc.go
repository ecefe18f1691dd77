// Package event provides the pub-sub bus the pipeline reports progress on.
//
// The runner publishes lifecycle events while it walks a workflow; the CLI
// subscribes to render console progress and nothing in the pipeline
// depends on who listens.
//
// # Event Types
//
// Run: [RunStartedEvent] ("run.started"), [RunFinishedEvent] ("run.finished").
//
// Stage: [StageStartedEvent], [StageOutputEvent], [StageCompletedEvent],
// [StageFailedEvent], [StageSkippedEvent], [HookFailedEvent].
//
// Gate: [GateResolvedEvent] ("gate.resolved").
//
// # Usage
//
//	bus := event.NewBus(logger)
//	bus.Subscribe(event.TypeStageStarted, func(e event.Event) {
//	    started := e.(event.StageStartedEvent)
//	    fmt.Printf("[%d/%d] %s\n", started.Index+1, started.Total, started.Stage)
//	})
//	bus.SubscribeAll(func(e event.Event) { logger.Debug("event", "type", e.EventType()) })
//
// The [Bus] is safe for concurrent use. Handlers run synchronously on the
// publisher's goroutine and a panicking handler does not stop delivery to
// the others.
package event
