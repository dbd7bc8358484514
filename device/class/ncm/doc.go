// Package ncm implements the CDC-NCM network link bridge.
//
// The [Bridge] class driver exchanges Ethernet datagrams with the host in
// Network Transfer Blocks (NTB). Each block carries a 12-byte transfer
// header ("NCMH") and one pointer table ("NCM0", or "NCM1" from hosts that
// use it) locating the datagram:
//
//	offset  size  field
//	0       4     header signature "NCMH"
//	4       2     header length (12)
//	6       2     sequence
//	8       2     block length
//	10      2     pointer table offset
//	12      4     table signature "NCM0"
//	16      2     table length (16)
//	18      2     next table offset (0)
//	20      4     datagram offset, length
//	24      4     terminator (0, 0)
//	28      n     datagram
//
// [Decode] validates a block and returns the datagram without copying.
// Malformed blocks are dropped and reception re-armed, so a bad block never
// stalls the link. [Encoder] builds outbound blocks, letting the network
// side write the datagram straight into the payload position.
//
// Transmission is single-outstanding: [Bridge.CanXmit] is false from
// [Bridge.Xmit] until the block, and the zero-length packet that follows a
// block ending on a packet boundary, has been taken by the host.
package ncm
