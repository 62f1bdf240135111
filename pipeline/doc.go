// Package pipeline runs inbound messages through an ordered chain of stages
// (the "onion"): each stage may act before and after the rest of the chain,
// stop the chain with Context.Terminate, or simply not call next.
//
// Stage failures never escape Execute. They are collected on the Context,
// reported to OnError handlers and end the chain; the stages further out
// still complete their after-next work.
package pipeline
