// Package l1packets owns Layer 1 (Packets) of the LD06 data model.
//
// Responsibilities: turning the raw serial byte stream into validated scan
// records. FrameScanner buffers and resynchronises, parse.Decode validates
// individual frames, Stats counts what was accepted and what was thrown
// away.
//
// Dependency rule: L1 depends only on parse/ and monitoring/; transport
// (internal/serialmux) and presentation sit on top of it.
package l1packets
