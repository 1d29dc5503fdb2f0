package l1packets

import (
	"github.com/banshee-data/ld06/internal/lidar/parse"
)

// Type aliases re-export the decoded record types from the parse/
// subpackage so transport code only needs to import l1packets.

// ScanRecord is one validated LD06 packet.
type ScanRecord = parse.ScanRecord

// ScanPoint is a single distance/intensity sample.
type ScanPoint = parse.ScanPoint

// Decode validates and parses a single frame.
var Decode = parse.Decode

// EncodeFrame builds a valid frame for a record.
var EncodeFrame = parse.EncodeFrame
