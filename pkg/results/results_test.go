package results

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// report builds a worker report with one overall group and optional label
// groups.
func report(duration string, groups ...string) []byte {
	out := "<FinalStatus>\n<TestDuration>" + duration + "</TestDuration>\n"
	for _, g := range groups {
		out += g
	}

	return []byte(out + "</FinalStatus>\n")
}

type groupSpec struct {
	label       string
	succ, fail  int
	bytes       int
	concurrency int
	avgRt       float64
	p50, p95    float64
	codes       map[string]int
}

func group(g groupSpec) string {
	out := fmt.Sprintf("<Group label=%q>\n", g.label)
	out += fmt.Sprintf("<throughput value=\"%d\"><name>throughput</name><value>%d</value></throughput>\n", g.succ+g.fail, g.succ+g.fail)
	out += fmt.Sprintf("<succ value=\"%d\"/>\n<fail value=\"%d\"/>\n", g.succ, g.fail)
	out += fmt.Sprintf("<bytes value=\"%d\"/>\n<concurrency value=\"%d\"/>\n", g.bytes, g.concurrency)
	out += fmt.Sprintf("<avg_rt value=\"%g\"/>\n<avg_lt value=\"0.01\"/>\n<avg_ct value=\"0.002\"/>\n", g.avgRt)
	out += "<stdev_rt value=\"0.5\"/>\n"
	out += fmt.Sprintf("<perc param=\"50.0\" value=\"%g\"/>\n<perc param=\"95.0\"><value>%g</value></perc>\n", g.p50, g.p95)

	for code, n := range g.codes {
		out += fmt.Sprintf("<rc param=%q value=\"%d\"/>\n", code, n)
	}

	return out + "</Group>\n"
}

func TestParse(t *testing.T) {
	data := report("60.0",
		group(groupSpec{succ: 90, fail: 10, bytes: 1000, concurrency: 5, avgRt: 0.25, p50: 0.2, p95: 0.9,
			codes: map[string]int{"200": 90, "500": 10}}),
		group(groupSpec{label: "GET /", succ: 50, fail: 0, avgRt: 0.1}),
	)

	r, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, 60.0, r.TestDuration)
	require.NotNil(t, r.Overall)
	assert.Equal(t, 90.0, r.Overall.Succ)
	assert.Equal(t, 100.0, r.Overall.Throughput)
	assert.Equal(t, 0.25, r.Overall.AvgRt)
	assert.Equal(t, 0.2, r.Overall.Percentiles[1])
	assert.Equal(t, 0.9, r.Overall.Percentiles[3], "value child element")
	assert.Equal(t, int64(10), r.Overall.Codes["500"])

	require.Len(t, r.Labels, 1)
	assert.Equal(t, "GET /", r.Labels[0].Label)
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "empty", data: "  "},
		{name: "not xml", data: "{\"succ\": 1}"},
		{name: "truncated", data: "<FinalStatus><Group label=\"\"><succ value=\"1\"/>"},
		{name: "no overall group", data: "<FinalStatus><Group label=\"a\"><succ value=\"1\"/></Group></FinalStatus>"},
		{name: "bad number", data: "<FinalStatus><Group label=\"\"><succ value=\"many\"/></Group></FinalStatus>"},
		{name: "two overall groups", data: "<FinalStatus><Group label=\"\"/><Group label=\"\"/></FinalStatus>"},
		{name: "rc without param", data: "<FinalStatus><Group label=\"\"><rc value=\"1\"/></Group></FinalStatus>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			require.ErrorIs(t, err, ErrArtifactMalformed)
			require.ErrorIs(t, err, ErrResultsCorrupt)
		})
	}
}

func TestAggregate_ResponseCodeMerge(t *testing.T) {
	raws := []RawResult{
		{Key: "a.xml", Region: "us-east-1", Data: report("60", group(groupSpec{succ: 97, fail: 3,
			codes: map[string]int{"200": 97, "500": 3}}))},
		{Key: "b.xml", Region: "us-east-1", Data: report("60", group(groupSpec{succ: 95, fail: 5,
			codes: map[string]int{"200": 95, "500": 5}}))},
	}

	agg, err := Aggregate(raws)
	require.NoError(t, err)

	assert.Equal(t, []ResponseCode{{Code: "500", Count: 8}}, agg.Total.Errors)
}

func TestAggregate_AcceptedCodes(t *testing.T) {
	tests := []struct {
		code     string
		accepted bool
	}{
		{code: "200", accepted: true},
		{code: "204", accepted: true},
		{code: "301", accepted: true},
		{code: "399", accepted: true},
		{code: "101", accepted: true},
		{code: "1000", accepted: true},
		{code: "100", accepted: false},
		{code: "400", accepted: false},
		{code: "404", accepted: false},
		{code: "503", accepted: false},
		{code: "Non HTTP response code: java.net.SocketException", accepted: false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.accepted, acceptedCode(tt.code))
		})
	}
}

func TestAggregate_SuccPercent(t *testing.T) {
	agg, err := Aggregate([]RawResult{
		{Key: "a.xml", Region: "r", Data: report("60", group(groupSpec{succ: 95, fail: 5}))},
	})
	require.NoError(t, err)

	assert.Equal(t, "95.00", agg.SuccPercent)
	assert.Equal(t, int64(100), agg.Total.Throughput)

	assert.Equal(t, "0.00", SuccPercent(0, 0))
	assert.Equal(t, "33.33", SuccPercent(1, 3))
}

func TestAggregate_Rules(t *testing.T) {
	raws := []RawResult{
		{Key: "t1/r/us-east-1/a.xml", Region: "us-east-1", Data: report("60",
			group(groupSpec{succ: 100, bytes: 1000, concurrency: 10, avgRt: 0.1, p50: 0.1, p95: 0.3}),
			group(groupSpec{label: "login", succ: 40, fail: 2, avgRt: 0.2}),
		)},
		{Key: "t1/r/us-east-1/b.xml", Region: "us-east-1", Data: report("61",
			group(groupSpec{succ: 80, fail: 20, bytes: 2001, concurrency: 11, avgRt: 0.2, p50: 0.2, p95: 0.4}),
			group(groupSpec{label: "login", succ: 30, fail: 8, avgRt: 0.4}),
			group(groupSpec{label: "checkout", succ: 10, avgRt: 1}),
		)},
		{Key: "t1/r/eu-west-1/c.xml", Region: "eu-west-1", Data: report("62",
			group(groupSpec{succ: 50, fail: 50, bytes: 3000, concurrency: 12, avgRt: 0.3, p50: 0.3, p95: 0.5}),
		)},
	}

	agg, err := Aggregate(raws)
	require.NoError(t, err)

	assert.Equal(t, 3, agg.TaskCount)
	assert.Equal(t, int64(61), agg.TestDuration)

	total := agg.Total
	assert.Equal(t, int64(230), total.Succ)
	assert.Equal(t, int64(70), total.Fail)
	assert.Equal(t, int64(300), total.Throughput)
	assert.Equal(t, int64(2000), total.Bytes, "bytes are averaged and rounded")
	assert.Equal(t, int64(11), total.Concurrency)
	assert.InDelta(t, 0.2, total.AvgRt, 1e-9)
	assert.InDelta(t, 0.2, total.P50_0, 1e-9)
	assert.InDelta(t, 0.4, total.P95_0, 1e-9)
	assert.Equal(t, "76.67", agg.SuccPercent)

	require.Len(t, agg.Labels, 2)
	assert.Equal(t, "checkout", agg.Labels[0].Label)
	assert.Equal(t, int64(10), agg.Labels[0].Succ)
	assert.Equal(t, "login", agg.Labels[1].Label)
	assert.Equal(t, int64(70), agg.Labels[1].Succ)
	assert.Equal(t, int64(10), agg.Labels[1].Fail)
	assert.InDelta(t, 0.3, agg.Labels[1].AvgRt, 1e-9)

	require.Len(t, agg.Regions, 2)
	assert.Equal(t, RegionSummary{Region: "eu-west-1", Tasks: 1, Succ: 50, Fail: 50, AvgRt: 0.3}, agg.Regions[0])
	assert.Equal(t, "us-east-1", agg.Regions[1].Region)
	assert.Equal(t, 2, agg.Regions[1].Tasks)
	assert.Equal(t, int64(180), agg.Regions[1].Succ)
}

func TestAggregate_Rounding(t *testing.T) {
	raws := []RawResult{
		{Key: "a", Data: report("1", group(groupSpec{succ: 1, avgRt: 0.123456789, p50: 0.12345}))},
		{Key: "b", Data: report("2", group(groupSpec{succ: 1, avgRt: 0.1, p50: 0.1}))},
	}

	agg, err := Aggregate(raws)
	require.NoError(t, err)

	assert.Equal(t, 0.11173, agg.Total.AvgRt)
	assert.Equal(t, 0.112, agg.Total.P50_0)
	assert.Equal(t, int64(2), agg.TestDuration, "1.5 rounds half away from zero")
}

func TestAggregate_OrderIndependent(t *testing.T) {
	raws := []RawResult{
		{Key: "a", Region: "r1", Data: report("60", group(groupSpec{succ: 10, fail: 1, avgRt: 0.1,
			codes: map[string]int{"404": 1}}), group(groupSpec{label: "x", succ: 5, avgRt: 0.3}))},
		{Key: "b", Region: "r2", Data: report("60", group(groupSpec{succ: 20, fail: 2, avgRt: 0.7,
			codes: map[string]int{"500": 2}}), group(groupSpec{label: "y", succ: 7, avgRt: 0.11}))},
		{Key: "c", Region: "r1", Data: report("59", group(groupSpec{succ: 30, fail: 3, avgRt: 0.13,
			codes: map[string]int{"404": 2, "503": 1}}), group(groupSpec{label: "x", succ: 9, avgRt: 0.17}))},
	}

	want, err := Aggregate(raws)
	require.NoError(t, err)

	permutations := [][]int{{0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	for _, p := range permutations {
		shuffled := []RawResult{raws[p[0]], raws[p[1]], raws[p[2]]}

		got, err := Aggregate(shuffled)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	assert.Equal(t, []ResponseCode{{Code: "404", Count: 3}, {Code: "500", Count: 2}, {Code: "503", Count: 1}},
		want.Total.Errors)
}

func TestAggregate_OrderIndependentDuplicateKeys(t *testing.T) {
	raws := []RawResult{
		{Key: "task.xml", Region: "r1", Data: report("60", group(groupSpec{succ: 1, avgRt: 0.1, p50: 1}))},
		{Key: "task.xml", Region: "r1", Data: report("60", group(groupSpec{succ: 1, avgRt: 0.2, p50: 1e16}))},
		{Key: "task.xml", Region: "r1", Data: report("60", group(groupSpec{succ: 1, avgRt: 0.3, p50: -1e16}))},
	}

	want, err := Aggregate(raws)
	require.NoError(t, err)

	permutations := [][]int{{0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	for _, p := range permutations {
		got, err := Aggregate([]RawResult{raws[p[0]], raws[p[1]], raws[p[2]]})
		require.NoError(t, err)
		assert.Equal(t, want, got, "order %v", p)
	}
}

func TestAggregate_Corrupt(t *testing.T) {
	good := RawResult{Key: "good", Data: report("60", group(groupSpec{succ: 1}))}

	t.Run("missing", func(t *testing.T) {
		_, err := Aggregate([]RawResult{good, {Key: "gone"}})
		require.ErrorIs(t, err, ErrArtifactMissing)
		require.ErrorIs(t, err, ErrResultsCorrupt)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := Aggregate([]RawResult{good, {Key: "bad", Data: []byte("<FinalStatus>")}})
		require.ErrorIs(t, err, ErrArtifactMalformed)
		assert.Contains(t, err.Error(), "bad")
	})
}

func TestAggregate_Empty(t *testing.T) {
	agg, err := Aggregate(nil)
	require.NoError(t, err)

	assert.Equal(t, 0, agg.TaskCount)
	assert.Equal(t, "0.00", agg.SuccPercent)
	assert.Empty(t, agg.Labels)
}
