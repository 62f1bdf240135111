// Package agent implements the iterative tool-calling loop that answers a
// message with a language model.
//
// A Loop sends the conversation and the enabled tool schemas to a
// model.Provider. When the model asks for tools, the Executor runs the calls
// concurrently (bounded by MaxParallel, each under its own timeout), appends
// one tool turn per call in request order and asks the model again. The run
// ends with a final answer, after MaxSteps model calls, or when the overall
// deadline passes; the latter two finalize with the last assistant text seen.
//
// Execution model:
//
//	BuildingRequest -> AwaitingModel -> ExecutingTools -> BuildingRequest ...
//	                                 \-> Finalizing -> Complete
//
// Provider failures end in StateFailed with RunState.Err set. Tool failures
// never fail a run: they are reported to the model as error results.
package agent
