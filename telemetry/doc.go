// Package telemetry relays a trace byte stream from the probe to a remote
// monitor.
//
// [Bridge] serves one connection at a time over a stream transport. A client
// opens with a 32-byte hello, the bridge answers with its own 32-byte
// version string, and once that reply is acknowledged every byte pushed into
// the outbound FIFO is streamed to the client. Bytes the client sends after
// the handshake go to a sink. All connection callbacks run on the
// [netif.Engine] goroutine; the trace source calls [Bridge.Push] from its own.
//
// [TCPServer] supplies connections from the host network stack.
// [SerialBridge] carries the same stream over a CDC-ACM port, using the DTR
// line in place of a handshake.
package telemetry
