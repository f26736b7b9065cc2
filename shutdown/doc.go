// Package shutdown stops the bridge in phases when the process is asked to
// exit.
//
// Each component registers a handler under a phase. Phases run in ascending
// order; handlers within one phase run concurrently. The bridge uses:
//
//   - PhaseIntake: stop reading commands (close the stdio session or the
//     WebSocket listener)
//   - PhaseTasks: cancel every active task and wait for in-flight remote
//     requests to deliver their callbacks
//   - PhaseSinks: close the journal, the event bus and the NATS connection
//   - PhaseTelemetry: flush and stop the trace exporter
//
// Usage:
//
//	coord := shutdown.NewCoordinator(shutdown.Config{Timeout: 10 * time.Second, Logger: logger})
//	coord.Register("tasks", shutdown.PhaseTasks, func(ctx context.Context) error {
//	    registry.CancelAll()
//	    return exec.Shutdown(ctx)
//	})
//	stop := coord.HandleSignals()
//	defer stop()
//	<-coord.Done()
//
// Handlers receive a context carrying the overall deadline and should return
// when it expires.
package shutdown
