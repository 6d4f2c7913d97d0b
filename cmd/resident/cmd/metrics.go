package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
	"github.com/spf13/cobra"
)

var metricsPrefix string

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show server metrics",
	Long:  `Fetches the Prometheus exposition of a running server and prints the matching samples.`,
	RunE:  runMetrics,
}

func init() {
	rootCmd.AddCommand(metricsCmd)

	metricsCmd.Flags().StringVar(&metricsPrefix, "prefix", "resident_", "only show metrics with this name prefix")
}

type sample struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func runMetrics(cmd *cobra.Command, args []string) error {
	req, err := CreateAuthenticatedRequest(http.MethodGet, GetServerURL()+"/-/metrics", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	body, err := fetch(req, http.StatusOK)
	if err != nil {
		return err
	}

	samples, err := parseSamples(body, metricsPrefix)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(samples, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Metric", "Value")
	for _, s := range samples {
		table.Append([]string{s.Name, s.Value})
	}
	table.Render()
	return nil
}

// parseSamples flattens the families whose name starts with prefix into one
// sample per series. Histograms and summaries contribute _count and _sum.
func parseSamples(body []byte, prefix string) ([]sample, error) {
	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse metrics: %w", err)
	}

	names := make([]string, 0, len(families))
	for name := range families {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var samples []sample
	for _, name := range names {
		family := families[name]
		for _, m := range family.GetMetric() {
			labels := formatLabels(m.GetLabel())
			switch family.GetType() {
			case dto.MetricType_COUNTER:
				samples = append(samples, newSample(name, labels, m.GetCounter().GetValue()))
			case dto.MetricType_GAUGE:
				samples = append(samples, newSample(name, labels, m.GetGauge().GetValue()))
			case dto.MetricType_HISTOGRAM:
				h := m.GetHistogram()
				samples = append(samples,
					newSample(name+"_count", labels, float64(h.GetSampleCount())),
					newSample(name+"_sum", labels, h.GetSampleSum()))
			case dto.MetricType_SUMMARY:
				sm := m.GetSummary()
				samples = append(samples,
					newSample(name+"_count", labels, float64(sm.GetSampleCount())),
					newSample(name+"_sum", labels, sm.GetSampleSum()))
			default:
				samples = append(samples, newSample(name, labels, m.GetUntyped().GetValue()))
			}
		}
	}
	return samples, nil
}

func newSample(name, labels string, value float64) sample {
	return sample{Name: name + labels, Value: strconv.FormatFloat(value, 'g', -1, 64)}
}

func formatLabels(pairs []*dto.LabelPair) string {
	if len(pairs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		parts = append(parts, fmt.Sprintf("%s=%q", pair.GetName(), pair.GetValue()))
	}
	sort.Strings(parts)
	return "{" + strings.Join(parts, ",") + "}"
}
