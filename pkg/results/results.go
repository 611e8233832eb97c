// Package results combines raw per-worker load-test reports into one
// aggregated result.
package results

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
)

var (
	// ErrResultsCorrupt is returned when the set of raw reports cannot be
	// aggregated. Partial aggregation is never reported.
	ErrResultsCorrupt = errors.New("results corrupt")

	// ErrArtifactMissing means a raw report could not be found.
	ErrArtifactMissing = fmt.Errorf("%w: artifact missing", ErrResultsCorrupt)

	// ErrArtifactMalformed means a raw report could not be parsed.
	ErrArtifactMalformed = fmt.Errorf("%w: artifact malformed", ErrResultsCorrupt)
)

const numPercentiles = 7

// percentileParams are the param attributes of perc entries, in the order
// of Percentiles fields.
var percentileParams = [numPercentiles]string{"0.0", "50.0", "90.0", "95.0", "99.0", "99.9", "100.0"}

func percentileIndex(param string) int {
	for i, p := range percentileParams {
		if p == param {
			return i
		}
	}

	// Accept "50" for "50.0".
	if f, err := strconv.ParseFloat(param, 64); err == nil {
		for i, p := range percentileParams {
			if pf, _ := strconv.ParseFloat(p, 64); pf == f {
				return i
			}
		}
	}

	return -1
}

// RawResult is one worker's report artifact.
type RawResult struct {
	// Key is the artifact location, e.g. "t1/run/us-east-1/task.xml".
	Key    string
	Region string
	Data   []byte
}

// Percentiles holds the averaged response-time percentiles.
type Percentiles struct {
	P0_0   float64 `json:"p0_0"`
	P50_0  float64 `json:"p50_0"`
	P90_0  float64 `json:"p90_0"`
	P95_0  float64 `json:"p95_0"`
	P99_0  float64 `json:"p99_0"`
	P99_9  float64 `json:"p99_9"`
	P100_0 float64 `json:"p100_0"`
}

func (p *Percentiles) set(values [numPercentiles]float64) {
	p.P0_0 = values[0]
	p.P50_0 = values[1]
	p.P90_0 = values[2]
	p.P95_0 = values[3]
	p.P99_0 = values[4]
	p.P99_9 = values[5]
	p.P100_0 = values[6]
}

// ResponseCode is an error tally for one response code.
type ResponseCode struct {
	Code  string `json:"code"`
	Count int64  `json:"count"`
}

// Stats is one aggregated stats block.
type Stats struct {
	Label       string  `json:"label"`
	Succ        int64   `json:"succ"`
	Fail        int64   `json:"fail"`
	Throughput  int64   `json:"throughput"`
	Bytes       int64   `json:"bytes"`
	Concurrency int64   `json:"concurrency"`
	AvgCt       float64 `json:"avg_ct"`
	AvgLt       float64 `json:"avg_lt"`
	AvgRt       float64 `json:"avg_rt"`
	Percentiles
	Errors []ResponseCode `json:"rc"`
}

// RegionSummary is the per-region dashboard figure set.
type RegionSummary struct {
	Region string  `json:"region"`
	Tasks  int     `json:"tasks"`
	Succ   int64   `json:"succ"`
	Fail   int64   `json:"fail"`
	AvgRt  float64 `json:"avgRt"`
}

// AggregatedResult is the combined outcome of every worker of a run.
type AggregatedResult struct {
	Total        Stats           `json:"total"`
	TestDuration int64           `json:"testDuration"`
	Labels       []Stats         `json:"labels"`
	Regions      []RegionSummary `json:"regions"`
	SuccPercent  string          `json:"succPercent"`
	TaskCount    int             `json:"taskCount"`
}

// acceptedCode reports whether a response code is a success, a redirect or
// one of the protocol pass-through codes. Everything else is an error.
func acceptedCode(code string) bool {
	switch code {
	case "101", "1000":
		return true
	}

	n, err := strconv.Atoi(code)
	if err != nil {
		return false
	}

	return n >= 200 && n < 400
}

// accumulator sums one group of blocks.
type accumulator struct {
	n           int
	succ        float64
	fail        float64
	throughput  float64
	bytes       float64
	concurrency float64
	avgCt       float64
	avgLt       float64
	avgRt       float64
	percentiles [numPercentiles]float64
	codes       map[string]int64
}

func newAccumulator() *accumulator {
	return &accumulator{codes: make(map[string]int64)}
}

func (a *accumulator) add(b *Block) {
	a.n++
	a.succ += b.Succ
	a.fail += b.Fail
	a.throughput += b.Throughput
	a.bytes += b.Bytes
	a.concurrency += b.Concurrency
	a.avgCt += b.AvgCt
	a.avgLt += b.AvgLt
	a.avgRt += b.AvgRt

	for i, v := range b.Percentiles {
		a.percentiles[i] += v
	}

	for code, count := range b.Codes {
		if acceptedCode(code) {
			continue
		}

		a.codes[code] += count
	}
}

func (a *accumulator) stats(label string) Stats {
	s := Stats{
		Label:      label,
		Succ:       int64(math.Round(a.succ)),
		Fail:       int64(math.Round(a.fail)),
		Throughput: int64(math.Round(a.throughput)),
		Errors:     make([]ResponseCode, 0, len(a.codes)),
	}

	if a.n > 0 {
		n := float64(a.n)
		s.Bytes = int64(math.Round(a.bytes / n))
		s.Concurrency = int64(math.Round(a.concurrency / n))
		s.AvgCt = round(a.avgCt/n, 5)
		s.AvgLt = round(a.avgLt/n, 5)
		s.AvgRt = round(a.avgRt/n, 5)

		var avg [numPercentiles]float64
		for i, v := range a.percentiles {
			avg[i] = round(v/n, 3)
		}

		s.set(avg)
	}

	for code, count := range a.codes {
		s.Errors = append(s.Errors, ResponseCode{Code: code, Count: count})
	}

	sort.Slice(s.Errors, func(i, j int) bool {
		return s.Errors[i].Code < s.Errors[j].Code
	})

	return s
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)

	return math.Round(v*p) / p
}

// SuccPercent formats succ/throughput as a percentage with two decimals.
func SuccPercent(succ, throughput int64) string {
	if throughput <= 0 {
		return "0.00"
	}

	return fmt.Sprintf("%.2f", float64(succ)/float64(throughput)*100)
}

// Aggregate parses every raw result and combines them. The output does not
// depend on input order. Any missing or malformed report fails the whole
// aggregation with an error wrapping ErrResultsCorrupt.
func Aggregate(raws []RawResult) (*AggregatedResult, error) {
	sorted := make([]RawResult, len(raws))
	copy(sorted, raws)

	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Key != sorted[j].Key {
			return sorted[i].Key < sorted[j].Key
		}

		if sorted[i].Region != sorted[j].Region {
			return sorted[i].Region < sorted[j].Region
		}

		return bytes.Compare(sorted[i].Data, sorted[j].Data) < 0
	})

	var (
		total        = newAccumulator()
		labels       = make(map[string]*accumulator)
		regions      = make(map[string]*accumulator)
		testDuration float64
	)

	for _, raw := range sorted {
		if raw.Data == nil {
			return nil, fmt.Errorf("%w: %s", ErrArtifactMissing, raw.Key)
		}

		report, err := Parse(raw.Data)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", raw.Key, err)
		}

		testDuration += report.TestDuration
		total.add(report.Overall)

		for _, b := range report.Labels {
			acc, ok := labels[b.Label]
			if !ok {
				acc = newAccumulator()
				labels[b.Label] = acc
			}

			acc.add(b)
		}

		acc, ok := regions[raw.Region]
		if !ok {
			acc = newAccumulator()
			regions[raw.Region] = acc
		}

		acc.add(report.Overall)
	}

	out := &AggregatedResult{
		Total:     total.stats(""),
		Labels:    make([]Stats, 0, len(labels)),
		Regions:   make([]RegionSummary, 0, len(regions)),
		TaskCount: len(sorted),
	}

	if len(sorted) > 0 {
		out.TestDuration = int64(math.Round(testDuration / float64(len(sorted))))
	}

	for _, name := range sortedKeys(labels) {
		out.Labels = append(out.Labels, labels[name].stats(name))
	}

	for _, name := range sortedKeys(regions) {
		s := regions[name].stats("")
		out.Regions = append(out.Regions, RegionSummary{
			Region: name,
			Tasks:  regions[name].n,
			Succ:   s.Succ,
			Fail:   s.Fail,
			AvgRt:  s.AvgRt,
		})
	}

	out.SuccPercent = SuccPercent(out.Total.Succ, out.Total.Throughput)

	return out, nil
}

func sortedKeys(m map[string]*accumulator) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
