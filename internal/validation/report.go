package validation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Report is the persisted form of an anomaly log.
type Report struct {
	BatchID     string         `json:"batch_id"`
	GeneratedAt time.Time      `json:"generated_at"`
	Summary     map[string]int `json:"summary"`
	Anomalies   []Anomaly      `json:"anomalies"`
}

// Report snapshots the current anomaly log.
func (v *Validator) Report() Report {
	return Report{
		BatchID:     v.batchID,
		GeneratedAt: v.clock.Now(),
		Summary:     v.Summary(),
		Anomalies:   v.Anomalies(),
	}
}

// SaveReport writes the anomaly log to dir as
// anomaly_report_YYYYMMDD_HHMMSS.json and returns the file path.
func (v *Validator) SaveReport(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	rep := v.Report()
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode anomaly report: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("anomaly_report_%s.json", rep.GeneratedAt.Format("20060102_150405")))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write anomaly report: %w", err)
	}
	v.logger.Info("anomaly report saved", "path", path, "batch_id", v.batchID, "anomalies", len(rep.Anomalies))
	return path, nil
}
