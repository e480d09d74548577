package dumbbell

//
// PCAP recorder
//

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/tebeka/atexit"
)

// PcapRecorder writes one PCAP file per interface.  A packet is recorded
// when the interface starts transmitting it and when it finishes arriving.
// Timestamps are virtual time measured from the Unix epoch.
type PcapRecorder struct {
	// logger is the logger to use.
	logger Logger

	// prefix of every file name
	prefix string

	// dumpers by interface number
	dumpers map[int]*pcapDumper

	// serialization buffer reused for every packet
	buf gopacket.SerializeBuffer

	// written counts the packets recorded
	written int

	// mu guards the files against the exit handler
	mu       sync.Mutex
	exitHook atexit.HandlerID
}

// pcapDumper is one open PCAP file
type pcapDumper struct {
	filename string
	filep    *os.File
	w        *pcapgo.Writer
}

// CreatePcapRecorder is a constructor.  Files are named prefix-node-device.pcap
func CreatePcapRecorder(prefix string, logger Logger) *PcapRecorder {
	pr := &PcapRecorder{
		logger:  logger,
		prefix:  prefix,
		dumpers: make(map[int]*pcapDumper),
		buf:     gopacket.NewSerializeBuffer(),
	}
	pr.exitHook = atexit.Register(func() { pr.closeFiles() })
	return pr
}

// pcapFileName is the file holding the capture of intrfc
func (pr *PcapRecorder) pcapFileName(intrfc *Intrfc) string {
	return fmt.Sprintf("%s-%d-%d.pcap", pr.prefix, intrfc.device.ID, intrfc.Index)
}

// attachIntrfc opens the capture file of the interface and observes it
func (pr *PcapRecorder) attachIntrfc(intrfc *Intrfc) error {
	filename := pr.pcapFileName(intrfc)
	filep, err := os.Create(filename)
	if err != nil {
		return err
	}

	// write the PCAP header
	w := pcapgo.NewWriter(filep)
	const largeSnapLen = 262144
	if err := w.WriteFileHeader(largeSnapLen, layers.LinkTypeIPv4); err != nil {
		filep.Close()
		return err
	}
	pr.dumpers[intrfc.Number] = &pcapDumper{filename: filename, filep: filep, w: w}
	intrfc.addObserver(pr)
	return nil
}

// Files lists the capture files, in interface order
func (pr *PcapRecorder) Files() []string {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	names := make([]string, 0, len(pr.dumpers))
	for number := 1; len(names) < len(pr.dumpers); number++ {
		if pd, present := pr.dumpers[number]; present {
			names = append(names, pd.filename)
		}
	}
	return names
}

// observePacket implements packetObserver
func (pr *PcapRecorder) observePacket(now float64, evt pcktEvent, intrfc *Intrfc, pckt *packet) {
	if evt != pcktDequeue && evt != pcktReceive {
		return
	}
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pd, present := pr.dumpers[intrfc.Number]
	if !present {
		return
	}
	data, err := pr.serialize(pckt)
	if err != nil {
		pr.logger.Warnf("dumbbell: PcapRecorder: serialize: %s", err.Error())
		return
	}
	ci := gopacket.CaptureInfo{
		Timestamp:      time.Unix(0, 0).Add(time.Duration(now * float64(time.Second))),
		CaptureLength:  len(data),
		Length:         len(data),
		InterfaceIndex: intrfc.Index,
	}
	if err := pd.w.WritePacket(ci, data); err != nil {
		pr.logger.Warnf("dumbbell: PcapRecorder: WritePacket: %s", err.Error())
		return
	}
	pr.written += 1
}

// serialize builds the IPv4 and TCP headers of the packet, followed by a
// zero-filled payload of the packet's length
func (pr *PcapRecorder) serialize(pckt *packet) ([]byte, error) {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      uint8(pckt.ttl),
		Protocol: layers.IPProtocolTCP,
		SrcIP:    pckt.src.Addr().AsSlice(),
		DstIP:    pckt.dst.Addr().AsSlice(),
		Id:       uint16(pckt.id),
	}
	tcp := &layers.TCP{
		SrcPort:    layers.TCPPort(pckt.src.Port()),
		DstPort:    layers.TCPPort(pckt.dst.Port()),
		Seq:        wireSeq(pckt.isn, pckt.seq),
		DataOffset: 5,
		SYN:        pckt.flags&flagSYN != 0,
		ACK:        pckt.flags&flagACK != 0,
		FIN:        pckt.flags&flagFIN != 0,
		Window:     uint16(min(pckt.wnd, 65535)),
	}
	if tcp.ACK {
		tcp.Ack = wireSeq(pckt.peerISN, pckt.ack)
	}
	if len(pckt.sack) > 0 {
		edges := make([]byte, 0, 8*len(pckt.sack))
		for _, blk := range pckt.sack {
			edges = binary.BigEndian.AppendUint32(edges, wireSeq(pckt.peerISN, blk.start))
			edges = binary.BigEndian.AppendUint32(edges, wireSeq(pckt.peerISN, blk.end))
		}
		tcp.Options = []layers.TCPOption{{OptionType: layers.TCPOptionKindSACK, OptionData: edges}}
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}

	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(pr.buf, opts, ip, tcp, gopacket.Payload(make([]byte, pckt.payload))); err != nil {
		return nil, err
	}
	return append([]byte{}, pr.buf.Bytes()...), nil
}

// Written returns the number of packets recorded
func (pr *PcapRecorder) Written() int {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.written
}

// Close closes every capture file
func (pr *PcapRecorder) Close() error {
	if pr.exitHook != 0 {
		pr.exitHook.Cancel()
		pr.exitHook = 0
	}
	return pr.closeFiles()
}

func (pr *PcapRecorder) closeFiles() error {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	errs := make([]error, 0)
	for number, pd := range pr.dumpers {
		if err := pd.filep.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(pr.dumpers, number)
	}
	return ReportErrs(errs)
}
