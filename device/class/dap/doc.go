// Package dap carries debug access protocol packets between a host and the
// probe over a vendor-class bulk interface.
//
// The [Pipeline] driver decouples USB timing from command execution with
// two [SlotBuffer] rings. Requests complete into the request ring on the
// USB event goroutine; a worker runs them through a [Processor] in arrival
// order and commits responses to the response ring, which is drained to
// the host one packet at a time.
//
// Flow control is by endpoint arming. While the request ring is full the
// OUT endpoint stays unarmed and the host's next packet is NAKed; the
// worker re-arms it after freeing a slot. The response side is restarted
// by whichever goroutine commits into an idle ring.
//
// A transfer-abort request is reported to the processor's [Aborter]
// immediately and never queued, so it overtakes the requests ahead of it.
package dap
