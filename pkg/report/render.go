package report

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/phpdave11/gofpdf"

	"loadgate/pkg/model"
)

type metric struct {
	name  string
	value string
}

func metrics(t model.Task, r model.Result) []metric {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return []metric{
		{"Task ID", t.ID},
		{"Execution ID", r.ExecutionID},
		{"Target URL", t.TargetURL},
		{"Users", strconv.Itoa(t.NumUsers)},
		{"Ramp Up (s)", strconv.Itoa(t.RampUp)},
		{"Window Start", t.StartTime.UTC().Format(time.RFC3339)},
		{"Window End", t.EndTime.UTC().Format(time.RFC3339)},
		{"Requests", strconv.Itoa(r.Requests)},
		{"Success Count", strconv.Itoa(r.Successes())},
		{"Failure Count", strconv.Itoa(r.Failures)},
		{"TPS", f(r.RPS)},
		{"Avg Response Time (ms)", f(r.AvgResponseMs)},
		{"Min Response Time (ms)", f(r.MinResponseMs)},
		{"Max Response Time (ms)", f(r.MaxResponseMs)},
		{"Median Response Time (ms)", f(r.MedianResponseMs)},
		{"Error Rate", f(r.ErrorRate)},
		{"Availability", f(r.Availability)},
		{"Duration (s)", f(r.DurationSeconds)},
	}
}

// RenderCSV writes a header row of metric names and one row of values.
func RenderCSV(t model.Task, r model.Result) ([]byte, error) {
	ms := metrics(t, r)
	header := make([]string, len(ms))
	row := make([]string, len(ms))
	for i, m := range ms {
		header[i] = m.name
		row[i] = m.value
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll([][]string{header, row}); err != nil {
		return nil, fmt.Errorf("write csv: %w", err)
	}
	return buf.Bytes(), nil
}

// RenderPDF lays the metrics out as a two-column table on one A4 page.
func RenderPDF(t model.Task, r model.Result) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle("Load Test Report "+t.ID, true)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 16)
	pdf.Cell(0, 10, "Load Test Report")
	pdf.Ln(12)

	pdf.SetFont("Arial", "B", 11)
	pdf.SetFillColor(230, 230, 230)
	pdf.CellFormat(70, 8, "Metric", "1", 0, "L", true, 0, "")
	pdf.CellFormat(110, 8, "Value", "1", 1, "L", true, 0, "")

	pdf.SetFont("Arial", "", 10)
	for _, m := range metrics(t, r) {
		pdf.CellFormat(70, 7, tr(m.name), "1", 0, "L", false, 0, "")
		pdf.CellFormat(110, 7, tr(m.value), "1", 1, "L", false, 0, "")
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}
