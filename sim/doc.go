// Package sim provides the chunked-prefill scheduler core.
//
// # Reading Guide
//
// Start with these files to understand the scheduling loop:
//   - request.go, registry.go: Request lifecycle (pending prefill → ready for decode →
//     decoding → done, plus paused / cancelled / failed) and the state machine
//   - batch_formation.go: ChunkScheduler, which packs prefill chunks under the token
//     budget and interleaves decode steps with a starvation bound
//   - simulator.go: the Scheduler control loop (Step, Run, Submit, Cancel)
//
// # Architecture
//
// The sim package defines the scheduler and the engine boundary; supporting
// implementations live in sub-packages:
//   - sim/kv/: paged KV cache with fast / medium / slow tiers, eviction and migration
//   - sim/trace/: telemetry events, sinks and summaries
//   - sim/metrics/: Prometheus sink for the telemetry events
//   - sim/engine/: deterministic causal stub engine
//   - sim/workload/: synthetic request generation from a YAML workload description
//
// The HTTP API lives in server/ and the CLI (run, serve, config) in cmd/.
//
// # Key Interfaces
//
// The extension points are small interfaces:
//   - ComputeEngine: run a batch against page-resident KV content
//   - FairnessPolicy: order prefill candidates each cycle
//   - DecodeOrder: order decode candidates for the remaining slots
//   - BatchFormation: form batches under the token budget and KV constraints
//   - trace.Sink: receive telemetry events
package sim
