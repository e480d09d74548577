package dumbbell

// desc-exp.go holds the serializable description of an experiment: the
// two links of the dumbbell, the bottleneck queue, the bulk flow, the
// transport parameters and the outputs requested.  Descriptions are read
// from and written to json or yaml, the format selected by file extension.

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// header bytes added to every payload: 20 bytes of IPv4 and 20 of TCP
const ipTCPHdrLen = 40

// LinkDesc describes one point-to-point link
type LinkDesc struct {
	Name    string  `json:"name" yaml:"name"`
	Bndwdth float64 `json:"bndwdth" yaml:"bndwdth"` // Mbps
	Latency float64 `json:"latency" yaml:"latency"` // propagation delay, seconds
	MTU     int     `json:"mtu" yaml:"mtu"`         // bytes
}

// FlowDesc describes the single bulk flow from sender to receiver
type FlowDesc struct {
	SendSize int     `json:"sendsize" yaml:"sendsize"` // bytes per application write
	MaxBytes int64   `json:"maxbytes" yaml:"maxbytes"` // zero means unbounded
	Start    float64 `json:"start" yaml:"start"`
	Stop     float64 `json:"stop" yaml:"stop"`
	Port     int     `json:"port" yaml:"port"`
}

// TransportDesc carries the parameters of the stream transport
type TransportDesc struct {
	CongestionControl string  `json:"cc" yaml:"cc"`
	SndBufSize        int     `json:"sndbuf" yaml:"sndbuf"`
	RcvBufSize        int     `json:"rcvbuf" yaml:"rcvbuf"`
	InitialCwnd       int     `json:"initialcwnd" yaml:"initialcwnd"` // segments
	InitialRTO        float64 `json:"initialrto" yaml:"initialrto"`
	MinRTO            float64 `json:"minrto" yaml:"minrto"`
}

// RouterDesc describes the per-packet forwarding cost at the router
type RouterDesc struct {
	ExecTime float64 `json:"exectime" yaml:"exectime"`
	Cores    int     `json:"cores" yaml:"cores"`
}

// OutputDesc names the artifacts an experiment produces.  Empty
// names suppress the corresponding artifact.
type OutputDesc struct {
	Dir         string `json:"dir" yaml:"dir"`
	Trace       bool   `json:"trace" yaml:"trace"`
	TracePrefix string `json:"traceprefix" yaml:"traceprefix"`
	TraceDump   string `json:"tracedump" yaml:"tracedump"` // json or yaml dump of every trace record
	Pcap        bool   `json:"pcap" yaml:"pcap"`
	PcapPrefix  string `json:"pcapprefix" yaml:"pcapprefix"`
	Report      string `json:"report" yaml:"report"`
	Samples     string `json:"samples" yaml:"samples"`
	Metrics     string `json:"metrics" yaml:"metrics"`
	Database    string `json:"database" yaml:"database"`
}

// ExpCfg is the complete description of an experiment.  Links[0] joins
// sender and router, Links[1] joins router and receiver, and Subnets[i]
// is the address block given to Links[i].
type ExpCfg struct {
	Name                 string        `json:"name" yaml:"name"`
	Links                []LinkDesc    `json:"links" yaml:"links"`
	Subnets              []string      `json:"subnets" yaml:"subnets"`
	QueueCapacity        int           `json:"queuecapacity" yaml:"queuecapacity"`
	DefaultQueueCapacity int           `json:"defaultqueuecapacity" yaml:"defaultqueuecapacity"`
	Flow                 FlowDesc      `json:"flow" yaml:"flow"`
	Transport            TransportDesc `json:"transport" yaml:"transport"`
	Router               RouterDesc    `json:"router" yaml:"router"`
	Output               OutputDesc    `json:"output" yaml:"output"`
	CorrectionFactor     float64       `json:"correctionfactor" yaml:"correctionfactor"`
	SampleInterval       float64       `json:"sampleinterval" yaml:"sampleinterval"`
}

// DefaultExpCfg returns the reference experiment: a 1000 Mbps, 5 ms access
// link feeding a 15 Mbps, 10 ms bottleneck with a 100 packet drop-tail
// queue, and one unbounded bulk flow over [0,5] seconds.
func DefaultExpCfg() *ExpCfg {
	cfg := new(ExpCfg)
	cfg.Name = "bulk"
	cfg.Links = []LinkDesc{
		{Name: "seg1", Bndwdth: 1000.0, Latency: 0.005, MTU: 1500},
		{Name: "seg2", Bndwdth: 15.0, Latency: 0.010, MTU: 1500},
	}
	cfg.Subnets = []string{"10.1.1.0/24", "191.168.1.0/24"}
	cfg.QueueCapacity = 100
	cfg.Flow = FlowDesc{SendSize: 500, MaxBytes: 0, Start: 0.0, Stop: 5.0, Port: 911}
	cfg.Output = OutputDesc{Trace: true, TracePrefix: "trace", Pcap: true, PcapPrefix: "shark"}
	cfg.fillDefaults()
	return cfg
}

// fillDefaults gives a value to every optional field left at zero
func (cfg *ExpCfg) fillDefaults() {
	if len(cfg.Name) == 0 {
		cfg.Name = "bulk"
	}
	if len(cfg.Subnets) == 0 {
		cfg.Subnets = []string{"10.1.1.0/24", "191.168.1.0/24"}
	}
	if cfg.DefaultQueueCapacity == 0 {
		cfg.DefaultQueueCapacity = 100
	}
	if cfg.Flow.Port == 0 {
		cfg.Flow.Port = 911
	}
	tp := &cfg.Transport
	if len(tp.CongestionControl) == 0 {
		tp.CongestionControl = "newreno"
	}
	if tp.SndBufSize == 0 {
		tp.SndBufSize = 131072
	}
	if tp.RcvBufSize == 0 {
		tp.RcvBufSize = 131072
	}
	if tp.InitialCwnd == 0 {
		tp.InitialCwnd = 10
	}
	if tp.InitialRTO == 0.0 {
		tp.InitialRTO = 1.0
	}
	if tp.MinRTO == 0.0 {
		tp.MinRTO = 1.0
	}
	if cfg.Router.Cores == 0 {
		cfg.Router.Cores = 1
	}
	if cfg.CorrectionFactor == 0.0 {
		cfg.CorrectionFactor = 1.0
	}
	if cfg.SampleInterval == 0.0 {
		cfg.SampleInterval = 0.1
	}
	if len(cfg.Output.TracePrefix) == 0 {
		cfg.Output.TracePrefix = "trace"
	}
	if len(cfg.Output.PcapPrefix) == 0 {
		cfg.Output.PcapPrefix = "shark"
	}
}

// Validate fills in defaults and then checks every field, returning all
// of the problems found wrapped in ErrConfig
func (cfg *ExpCfg) Validate() error {
	cfg.fillDefaults()
	errs := make([]error, 0)

	if len(cfg.Links) != 2 {
		errs = append(errs, fmt.Errorf("dumbbell needs exactly 2 links, %d given", len(cfg.Links)))
	}
	minMTU := 0
	for idx, ld := range cfg.Links {
		if err := ld.validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if idx == 0 || ld.MTU < minMTU {
			minMTU = ld.MTU
		}
	}

	if _, err := parseSubnets(cfg.Subnets); err != nil {
		errs = append(errs, err)
	}

	if cfg.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("queue capacity %d less than 1", cfg.QueueCapacity))
	}
	if cfg.DefaultQueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("default queue capacity %d less than 1", cfg.DefaultQueueCapacity))
	}

	flow := cfg.Flow
	if flow.SendSize < 1 {
		errs = append(errs, fmt.Errorf("send size %d less than 1", flow.SendSize))
	} else if minMTU > 0 && flow.SendSize > minMTU-ipTCPHdrLen {
		errs = append(errs, fmt.Errorf("send size %d does not fit MTU %d", flow.SendSize, minMTU))
	}
	if flow.MaxBytes < 0 {
		errs = append(errs, fmt.Errorf("negative byte quota %d", flow.MaxBytes))
	}
	if flow.Start < 0.0 {
		errs = append(errs, fmt.Errorf("negative start time %g", flow.Start))
	}
	if !(flow.Stop > flow.Start) {
		errs = append(errs, fmt.Errorf("stop time %g not after start time %g", flow.Stop, flow.Start))
	}
	if flow.Port < 1 || flow.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", flow.Port))
	}

	tp := cfg.Transport
	if _, err := createCongestionOps(tp.CongestionControl); err != nil {
		errs = append(errs, err)
	}
	if tp.SndBufSize < flow.SendSize {
		errs = append(errs, fmt.Errorf("send buffer %d smaller than send size %d", tp.SndBufSize, flow.SendSize))
	}
	if tp.RcvBufSize < flow.SendSize {
		errs = append(errs, fmt.Errorf("receive buffer %d smaller than send size %d", tp.RcvBufSize, flow.SendSize))
	}
	if tp.InitialCwnd < 1 {
		errs = append(errs, fmt.Errorf("initial window %d less than 1 segment", tp.InitialCwnd))
	}
	if tp.InitialRTO <= 0.0 || tp.MinRTO <= 0.0 {
		errs = append(errs, errors.New("retransmission timeouts must be positive"))
	}

	if cfg.Router.ExecTime < 0.0 {
		errs = append(errs, fmt.Errorf("negative router exec time %g", cfg.Router.ExecTime))
	}
	if cfg.Router.Cores < 1 {
		errs = append(errs, fmt.Errorf("router cores %d less than 1", cfg.Router.Cores))
	}
	if cfg.CorrectionFactor <= 0.0 {
		errs = append(errs, fmt.Errorf("correction factor %g not positive", cfg.CorrectionFactor))
	}
	if cfg.SampleInterval < 0.0 {
		errs = append(errs, fmt.Errorf("negative sample interval %g", cfg.SampleInterval))
	}

	if err := ReportErrs(errs); err != nil {
		return fmt.Errorf("%w: %s", ErrConfig, err.Error())
	}
	return nil
}

func (ld LinkDesc) validate() error {
	errs := make([]error, 0)
	if !(ld.Bndwdth > 0.0) {
		errs = append(errs, fmt.Errorf("link %s bandwidth %g not positive", ld.Name, ld.Bndwdth))
	}
	if !(ld.Latency > 0.0) {
		errs = append(errs, fmt.Errorf("link %s delay %g not positive", ld.Name, ld.Latency))
	}
	if ld.MTU < ipTCPHdrLen+1 {
		errs = append(errs, fmt.Errorf("link %s mtu %d cannot carry a payload", ld.Name, ld.MTU))
	}
	return ReportErrs(errs)
}

// parseSubnets turns the address blocks into prefixes, checking that each
// holds at least two host addresses and that no two blocks overlap
func parseSubnets(subnets []string) ([]netip.Prefix, error) {
	if len(subnets) != 2 {
		return nil, fmt.Errorf("dumbbell needs exactly 2 subnets, %d given", len(subnets))
	}
	prefixes := make([]netip.Prefix, 0, len(subnets))
	errs := make([]error, 0)
	for _, s := range subnets {
		pfx, err := netip.ParsePrefix(s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		pfx = pfx.Masked()
		if !pfx.Addr().Is4() || pfx.Bits() > 30 {
			errs = append(errs, fmt.Errorf("subnet %s has no room for two IPv4 hosts", s))
			continue
		}
		for _, other := range prefixes {
			if other.Overlaps(pfx) {
				errs = append(errs, fmt.Errorf("subnet %s overlaps %s", s, other.String()))
			}
		}
		prefixes = append(prefixes, pfx)
	}
	if err := ReportErrs(errs); err != nil {
		return nil, err
	}
	return prefixes, nil
}

// ReadExpCfg deserializes a slice of bytes into an ExpCfg.  If the input arg of bytes
// is empty, the file whose name is given as an argument is read.  Error returned if
// any part of the process generates the error.
func ReadExpCfg(filename string, useYAML bool, dict []byte) (*ExpCfg, error) {
	var err error

	// read from the file only if the byte slice is empty
	if len(dict) == 0 {
		fileInfo, err := os.Stat(filename)
		if os.IsNotExist(err) || (err == nil && fileInfo.IsDir()) {
			return nil, fmt.Errorf("experiment %s does not exist or cannot be read", filename)
		}
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := ExpCfg{}
	if useYAML {
		err = yaml.Unmarshal(dict, &example)
	} else {
		err = json.Unmarshal(dict, &example)
	}
	if err != nil {
		return nil, err
	}
	example.fillDefaults()

	return &example, nil
}

// UseYAML reports whether the extension of filename selects yaml
func UseYAML(filename string) bool {
	switch path.Ext(filename) {
	case ".yaml", ".YAML", ".yml":
		return true
	}
	return false
}

// WriteToFile serializes the ExpCfg and writes to the file whose name is given as an input argument.
// Extension of the file name selects whether serialization is to json or to yaml format.
func (cfg *ExpCfg) WriteToFile(filename string) error {
	return writeSerialized(filename, cfg)
}

// writeSerialized marshals obj to yaml or json, by the extension of filename
func writeSerialized(filename string, obj any) error {
	var bytes []byte
	var merr error

	switch ext := path.Ext(filename); {
	case UseYAML(filename):
		bytes, merr = yaml.Marshal(obj)
	case ext == ".json" || ext == ".JSON":
		bytes, merr = json.MarshalIndent(obj, "", "\t")
	default:
		return fmt.Errorf("cannot tell serialization format of %s", filename)
	}
	if merr != nil {
		return merr
	}

	return os.WriteFile(filename, bytes, 0644)
}

// OutputPath joins name to the configured output directory
func (cfg *ExpCfg) OutputPath(name string) string {
	if len(name) == 0 || len(cfg.Output.Dir) == 0 || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(cfg.Output.Dir, name)
}

// outputFiles lists the files the configured outputs will create
func (cfg *ExpCfg) outputFiles() []string {
	out := cfg.Output
	names := []string{}
	if out.Trace {
		names = append(names, cfg.OutputPath(out.TracePrefix+".tr"))
	}
	if out.Pcap {
		names = append(names, cfg.OutputPath(out.PcapPrefix+".pcap"))
	}
	for _, name := range []string{out.TraceDump, out.Report, out.Samples, out.Metrics, out.Database} {
		if len(name) > 0 {
			names = append(names, cfg.OutputPath(name))
		}
	}
	return names
}

// CheckOutputFiles checks the file system to ensure that the directory
// of every argument filename exists, so that the file can be written
func CheckOutputFiles(names []string) (bool, error) {
	errs := make([]error, 0)

	for _, name := range names {
		if len(name) == 0 {
			continue
		}
		directory, _ := filepath.Split(name)
		if len(directory) == 0 {
			continue
		}
		fileInfo, err := os.Stat(directory)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !fileInfo.IsDir() {
			errs = append(errs, fmt.Errorf("%s not a directory", directory))
		}
	}
	if err := ReportErrs(errs); err != nil {
		return false, err
	}
	return true, nil
}

// describe gives a one-line summary of a link for logging
func (ld LinkDesc) describe() string {
	return strings.Join([]string{ld.Name, fmt.Sprintf("%gMbps", ld.Bndwdth),
		fmt.Sprintf("%gms", ld.Latency*1e3), fmt.Sprintf("mtu %d", ld.MTU)}, " ")
}
