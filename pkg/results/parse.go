package results

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// Report is one parsed raw worker report.
type Report struct {
	TestDuration float64
	Overall      *Block
	Labels       []*Block
}

// Block holds the stats of one Group element as reported by a worker.
type Block struct {
	Label       string
	Succ        float64
	Fail        float64
	Throughput  float64
	Bytes       float64
	Concurrency float64
	AvgCt       float64
	AvgLt       float64
	AvgRt       float64
	Percentiles [numPercentiles]float64
	Codes       map[string]int64
}

type xmlReport struct {
	XMLName      xml.Name
	TestDuration *xmlValue  `xml:"TestDuration"`
	Groups       []xmlGroup `xml:"Group"`
}

type xmlGroup struct {
	Label string    `xml:"label,attr"`
	Items []xmlItem `xml:",any"`
}

type xmlItem struct {
	XMLName xml.Name
	Param   string `xml:"param,attr"`
	xmlValue
}

// xmlValue accepts the number as a value attribute, a <value> child or the
// element's own text.
type xmlValue struct {
	Attr  string `xml:"value,attr"`
	Child string `xml:"value"`
	Text  string `xml:",chardata"`
}

func (v *xmlValue) raw() string {
	switch {
	case strings.TrimSpace(v.Attr) != "":
		return strings.TrimSpace(v.Attr)
	case strings.TrimSpace(v.Child) != "":
		return strings.TrimSpace(v.Child)
	default:
		return strings.TrimSpace(v.Text)
	}
}

func (v *xmlValue) float() (float64, error) {
	s := v.raw()
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}

	return strconv.ParseFloat(s, 64)
}

// Parse decodes one raw XML report. It returns an error wrapping
// ErrArtifactMalformed if the document is not a valid report.
func Parse(data []byte) (*Report, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrArtifactMalformed)
	}

	var doc xmlReport
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrArtifactMalformed, err)
	}

	report := &Report{}

	if doc.TestDuration != nil {
		d, err := doc.TestDuration.float()
		if err != nil {
			return nil, fmt.Errorf("%w: TestDuration: %w", ErrArtifactMalformed, err)
		}

		report.TestDuration = d
	}

	for i := range doc.Groups {
		block, err := parseGroup(&doc.Groups[i])
		if err != nil {
			return nil, fmt.Errorf("%w: group %q: %w", ErrArtifactMalformed, doc.Groups[i].Label, err)
		}

		if block.Label == "" {
			if report.Overall != nil {
				return nil, fmt.Errorf("%w: more than one overall group", ErrArtifactMalformed)
			}

			report.Overall = block

			continue
		}

		report.Labels = append(report.Labels, block)
	}

	if report.Overall == nil {
		return nil, fmt.Errorf("%w: no overall group", ErrArtifactMalformed)
	}

	return report, nil
}

func parseGroup(g *xmlGroup) (*Block, error) {
	b := &Block{
		Label: g.Label,
		Codes: make(map[string]int64),
	}

	for i := range g.Items {
		item := &g.Items[i]
		name := item.XMLName.Local

		var target *float64

		switch name {
		case "succ":
			target = &b.Succ
		case "fail":
			target = &b.Fail
		case "throughput":
			target = &b.Throughput
		case "bytes":
			target = &b.Bytes
		case "concurrency":
			target = &b.Concurrency
		case "avg_ct":
			target = &b.AvgCt
		case "avg_lt":
			target = &b.AvgLt
		case "avg_rt":
			target = &b.AvgRt
		case "perc":
			idx := percentileIndex(item.Param)
			if idx < 0 {
				continue
			}

			target = &b.Percentiles[idx]
		case "rc":
			v, err := item.float()
			if err != nil {
				return nil, fmt.Errorf("rc %q: %w", item.Param, err)
			}

			code := strings.TrimSpace(item.Param)
			if code == "" {
				return nil, fmt.Errorf("rc without param")
			}

			b.Codes[code] += int64(v)

			continue
		default:
			// stdev_rt, assertions and other extras are not aggregated.
			continue
		}

		v, err := item.float()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}

		*target = v
	}

	return b, nil
}
