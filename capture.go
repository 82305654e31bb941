package netsim

//
// Frame capture
//

import (
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// captureSnapLen caps how many bytes of each frame we snapshot.
const captureSnapLen = 256

// Capture records the frames a node sends and receives into a PCAP
// file. Frames are written with the null link type because they carry
// this stack's own framing rather than IP. The zero value is invalid;
// construct using [NewCapture] and remember to call [Capture.Close].
type Capture struct {
	// filep is the open PCAP file.
	filep *os.File

	// writer writes PCAP records.
	writer *pcapgo.Writer

	// logger is the logger to use.
	logger Logger
}

// NewCapture creates a [Capture] writing to the given file.
func NewCapture(filename string, logger Logger) (*Capture, error) {
	filep, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	writer := pcapgo.NewWriter(filep)
	if err := writer.WriteFileHeader(captureSnapLen, layers.LinkTypeNull); err != nil {
		filep.Close()
		return nil, err
	}
	return &Capture{
		filep:  filep,
		writer: writer,
		logger: logger,
	}, nil
}

// Record writes one frame with the given virtual timestamp. Errors
// only degrade the capture, so they are logged and swallowed.
func (c *Capture) Record(now time.Duration, frame []byte) {
	snapshot := frame
	if len(snapshot) > captureSnapLen {
		snapshot = snapshot[:captureSnapLen]
	}
	ci := gopacket.CaptureInfo{
		Timestamp:      time.Unix(0, 0).Add(now),
		CaptureLength:  len(snapshot),
		Length:         len(frame),
		InterfaceIndex: 0,
		AncillaryData:  nil,
	}
	if err := c.writer.WritePacket(ci, snapshot); err != nil {
		c.logger.Warnf("netsim: capture: WritePacket: %s", err.Error())
	}
}

// Close closes the underlying PCAP file.
func (c *Capture) Close() error {
	return c.filep.Close()
}
