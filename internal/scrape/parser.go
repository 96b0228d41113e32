package scrape

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"

	pmodel "github.com/prometheus/common/model"

	"github.com/scrapeloop/scrapeloop/pkg/model"
)

// ParseExposition parses Prometheus exposition text into samples.
// Lines are whitespace-trimmed; comment lines and malformed lines are
// skipped, never fatal. The returned skipped count is the number of
// non-comment lines that failed to parse.
//
// Exposition timestamps are ignored: the caller stamps every sample with the
// scrape time, which is what defines sample timestamps in this system.
func ParseExposition(data []byte) (samples []model.Sample, skipped int) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}

		s, ok := parseSampleLine(line)
		if !ok {
			skipped++
			continue
		}
		samples = append(samples, s)
	}

	return samples, skipped
}

// parseSampleLine parses a single exposition line:
//
//	metric_name{label1="val1",label2="val2"} value [timestamp]
func parseSampleLine(line string) (model.Sample, bool) {
	var s model.Sample

	braceStart := strings.IndexByte(line, '{')
	if braceStart < 0 {
		// No labels: "name value [timestamp]"
		parts := strings.Fields(line)
		if len(parts) < 2 {
			return s, false
		}
		if !validMetricName(parts[0]) {
			return s, false
		}
		s.Metric = parts[0]
		v, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return s, false
		}
		s.Value = v
		return s, true
	}

	name := line[:braceStart]
	if !validMetricName(name) {
		return s, false
	}
	s.Metric = name

	braceEnd := strings.LastIndexByte(line, '}')
	if braceEnd <= braceStart {
		return s, false
	}

	labels, ok := parseLabels(line[braceStart+1 : braceEnd])
	if !ok {
		return s, false
	}
	s.Labels = labels

	valueStr := strings.TrimSpace(line[braceEnd+1:])
	parts := strings.Fields(valueStr)
	if len(parts) == 0 {
		return s, false
	}
	v, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return s, false
	}
	s.Value = v

	return s, true
}

// parseLabels parses the label portion of an exposition line:
//
//	label1="val1",label2="val2"
//
// It handles escaped characters within quoted label values.
func parseLabels(s string) (map[string]string, bool) {
	labels := make(map[string]string)
	for len(s) > 0 {
		// Find key=
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			return nil, false
		}
		key := strings.TrimSpace(s[:eq])
		if !pmodel.LabelName(key).IsValidLegacy() {
			return nil, false
		}
		s = s[eq+1:]

		// Expect opening quote
		if len(s) == 0 || s[0] != '"' {
			return nil, false
		}
		s = s[1:]

		// Read value until unescaped closing quote
		var val strings.Builder
		i := 0
		for i < len(s) {
			if s[i] == '\\' && i+1 < len(s) {
				switch s[i+1] {
				case '"':
					val.WriteByte('"')
				case '\\':
					val.WriteByte('\\')
				case 'n':
					val.WriteByte('\n')
				default:
					val.WriteByte('\\')
					val.WriteByte(s[i+1])
				}
				i += 2
				continue
			}
			if s[i] == '"' {
				break
			}
			val.WriteByte(s[i])
			i++
		}
		if i >= len(s) {
			// Unterminated value
			return nil, false
		}

		labels[key] = val.String()
		s = s[i+1:] // skip closing quote

		// Skip comma separator
		if len(s) > 0 && s[0] == ',' {
			s = s[1:]
		}
	}

	if len(labels) == 0 {
		return nil, true
	}
	return labels, true
}

func validMetricName(name string) bool {
	return pmodel.IsValidLegacyMetricName(name)
}
