package dumbbell

// report.go computes what an experiment reports: the bytes the sink
// received over the measurement window and the throughput they represent,
// along with a per-interval throughput series sampled during the run.

import (
	"fmt"
	"os"

	"github.com/gocarina/gocsv"
	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/stat"
)

// ThroughputSample is the sink's progress over one sampling interval
type ThroughputSample struct {
	Time  float64 `csv:"time" json:"time" yaml:"time"`
	Bytes int64   `csv:"bytes" json:"bytes" yaml:"bytes"` // cumulative bytes received
	Mbps  float64 `csv:"mbps" json:"mbps" yaml:"mbps"`   // throughput within the interval
}

// SampleSummary describes the distribution of interval throughputs, in Mbps
type SampleSummary struct {
	Count  int     `json:"count" yaml:"count"`
	Mean   float64 `json:"mean" yaml:"mean"`
	StdDev float64 `json:"stddev" yaml:"stddev"`
	Median float64 `json:"median" yaml:"median"`
	P95    float64 `json:"p95" yaml:"p95"`
	Max    float64 `json:"max" yaml:"max"`
}

// Report is the outcome of one experiment
type Report struct {
	RunID             string         `json:"runid" yaml:"runid"`
	ExpName           string         `json:"expname" yaml:"expname"`
	CongestionControl string         `json:"cc" yaml:"cc"`
	Start             float64        `json:"start" yaml:"start"`
	Stop              float64        `json:"stop" yaml:"stop"`
	BytesSent         int64          `json:"bytessent" yaml:"bytessent"`
	BytesReceived     int64          `json:"bytesreceived" yaml:"bytesreceived"`
	CorrectionFactor  float64        `json:"correctionfactor" yaml:"correctionfactor"`
	ThroughputBps     float64        `json:"throughputbps" yaml:"throughputbps"`
	ThroughputMbps    float64        `json:"throughputmbps" yaml:"throughputmbps"`
	ExactMbps         float64        `json:"exactmbps" yaml:"exactmbps"` // without correction
	BottleneckBps     float64        `json:"bottleneckbps" yaml:"bottleneckbps"`
	QueueCapacity     int            `json:"queuecapacity" yaml:"queuecapacity"`
	QueuePeak         int            `json:"queuepeak" yaml:"queuepeak"`
	QueueDrops        int            `json:"queuedrops" yaml:"queuedrops"`
	FlowState         string         `json:"flowstate" yaml:"flowstate"`
	Transport         TransportStats `json:"transport" yaml:"transport"`
	Summary           SampleSummary  `json:"summary" yaml:"summary"`

	Samples []ThroughputSample `json:"-" yaml:"-"`
}

// Throughput is bytes delivered over the window, scaled by correction, in bits per second
func Throughput(bytes int64, start, stop, correction float64) float64 {
	return float64(bytes) * correction * 8.0 / (stop - start)
}

// WriteToFile serializes the report to json or yaml, chosen by the extension of filename
func (rprt *Report) WriteToFile(filename string) error {
	return writeSerialized(filename, rprt)
}

// WriteSamples writes the throughput series as csv
func (rprt *Report) WriteSamples(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := gocsv.MarshalFile(&rprt.Samples, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadSamples reads a throughput series written by WriteSamples
func ReadSamples(filename string) ([]ThroughputSample, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	samples := []ThroughputSample{}
	if err := gocsv.UnmarshalFile(f, &samples); err != nil {
		return nil, err
	}
	return samples, nil
}

func (rprt *Report) String() string {
	return fmt.Sprintf("%s: %d bytes in [%g,%g] s, %.6f Mb/s", rprt.ExpName, rprt.BytesReceived,
		rprt.Start, rprt.Stop, rprt.ThroughputMbps)
}

// throughputSampler reads the sink's counter at a fixed interval.  It only
// reads state, so it does not perturb the run
type throughputSampler struct {
	sink     *PacketSink
	interval float64
	stop     float64
	lastTime float64
	lastRx   int64
	samples  []ThroughputSample
	metrics  *Metrics
}

func createThroughputSampler(sink *PacketSink, start, stop, interval float64, metrics *Metrics) *throughputSampler {
	ts := new(throughputSampler)
	ts.sink = sink
	ts.interval = interval
	ts.stop = stop
	ts.lastTime = start
	ts.samples = make([]ThroughputSample, 0)
	ts.metrics = metrics
	return ts
}

// install schedules the first sample
func (ts *throughputSampler) install(evtMgr *evtm.EventManager) {
	if !(ts.interval > 0.0) {
		return
	}
	offset := ts.lastTime + ts.interval - evtMgr.CurrentSeconds()
	evtMgr.Schedule(ts, nil, takeSample, vrtime.SecondsToTime(offset))
}

// takeSample records the sink's progress and schedules the next sample
func takeSample(evtMgr *evtm.EventManager, context any, data any) any {
	ts := context.(*throughputSampler)
	now := evtMgr.CurrentSeconds()
	ts.record(now)

	if now+ts.interval <= ts.stop+1e-9 {
		evtMgr.Schedule(ts, nil, takeSample, vrtime.SecondsToTime(ts.interval))
	}
	return nil
}

func (ts *throughputSampler) record(now float64) {
	elapsed := now - ts.lastTime
	if !(elapsed > 0.0) {
		return
	}
	rx := ts.sink.TotalRx()
	mbps := float64(rx-ts.lastRx) * 8.0 / elapsed / 1e6
	ts.samples = append(ts.samples, ThroughputSample{Time: roundFloat(now, rdigits), Bytes: rx, Mbps: mbps})
	ts.lastTime, ts.lastRx = now, rx
	if ts.metrics != nil {
		ts.metrics.recordSample(mbps)
	}
}

// summarize describes the distribution of the interval throughputs
func summarize(samples []ThroughputSample) SampleSummary {
	if len(samples) == 0 {
		return SampleSummary{}
	}
	rates := make([]float64, 0, len(samples))
	for _, s := range samples {
		rates = append(rates, s.Mbps)
	}
	summary := SampleSummary{Count: len(rates)}
	summary.Mean, summary.StdDev = stat.MeanStdDev(rates, nil)
	if len(rates) == 1 {
		summary.StdDev = 0.0
	}

	data := stats.LoadRawData(rates)
	summary.Median, _ = data.Median()
	summary.P95, _ = data.Percentile(95)
	summary.Max, _ = data.Max()
	return summary
}
