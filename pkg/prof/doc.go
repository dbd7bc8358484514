// Package prof captures runtime profiles of a running probe.
//
// Profiling is compiled in only with the "profile" build tag:
//
//	go build -tags profile ./cmd/softprobe
//
// Without the tag every function is a no-op, so callers keep their
// profiling hooks in place at no cost.
//
// A [Session] writes a CPU profile for its whole lifetime and optional heap,
// block and mutex snapshots when it stops:
//
//	s := prof.Session{CPU: "cpu.prof", Heap: "heap.prof"}
//	if err := s.Start(); err != nil { ... }
//	defer s.Stop()
//
// [Serve] exposes the same profiles over HTTP at /debug/pprof/.
package prof
