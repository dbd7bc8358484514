// Package netif connects the USB network link to an IP stack.
//
// All link and telemetry state lives on one [Engine] goroutine. USB
// completions and other goroutines never touch that state directly; they
// [Engine.Post] a task, which runs later in queue order. Posting never
// blocks: a full queue drops the task and logs it, and the affected state
// machine recovers on its next event.
//
// [Interface] is the link the NCM bridge delivers to. Received datagrams
// are copied and handed to the [Stack] on the engine; frames from the
// stack are queued and transmitted one block at a time as the bridge
// becomes idle.
//
// The probe's link address is derived from its unique ID with
// [DeriveMAC]; the host end of the link uses [HostMAC] of it, which
// differs in the lowest bit of the last octet.
package netif
