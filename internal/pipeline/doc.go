// Package pipeline drives a workflow run from stage to stage.
//
// A [Runner] walks the declared stages of one workflow in order. For each
// stage it runs the pre hooks, streams the stage prompt through the
// harness, runs the post hooks, and builds the handoff for the next stage.
// Between two stages it resolves the transition's gate. Every change to
// the run is saved before the runner acts on it, so a killed process
// leaves state that a later --resume continues from.
//
// # Outcomes
//
// Run returns without error when the run completes, parks at a gate
// (waiting_at_gate), is stopped by a rejected gate (cancelled), or reaches
// the --to bound (paused). It returns an error when a stage fails, when
// the run cannot be saved, when the configuration is invalid (before any
// state is written), or when ctx is cancelled while a stage runs.
//
// # Usage
//
//	r, _ := pipeline.NewRunner(pipeline.Config{
//	    Workflow: wf,
//	    Store:    store,
//	    Harness:  h,
//	    Gates:    gate.NewController(gate.Config{Channels: factory}),
//	    Handoffs: handoff.DocumentBuilder{AutoContext: true},
//	}, pipeline.WithLogger(logger), pipeline.WithBus(bus))
//	run, err := r.Run(ctx, pipeline.RunOptions{StepByStep: true})
package pipeline
