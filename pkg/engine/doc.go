// Package engine implements the Stagehand orchestration core: it turns a
// high-level intent into a validated, dependency-ordered plan of editor
// operations and drives that plan to completion against a single stateful
// remote engine.
//
// The execution workflow has four phases:
//
//	Intent -> Plan -> Execute -> Report
//
// The Planner delegates step proposal to an Oracle, validates every
// proposed step against the capability registry, and builds an acyclic
// dependency graph. The Executor walks the graph as a state machine:
// independent steps are dispatched concurrently up to a configurable
// in-flight limit, dependent steps wait for their prerequisites to
// succeed, recoverable failures are retried with exponential backoff
// under the same idempotency key, and ambiguous outcomes suspend the
// affected subtree until the Oracle resolves them. Every run terminates
// with a PlanReport enumerating the final state of each step.
//
// Facts learned during a run (for example the names of created assets)
// are written to SessionMemory, an append-only store consulted by the
// Planner on subsequent runs and by the Executor when binding earlier
// results into later step parameters.
package engine
