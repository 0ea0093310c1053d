// Command validate dry-runs an MSSS emergency-room feed through decoding,
// batch rules and coercion without touching a database. It prints one
// PASS/FAIL line per phase and exits non-zero when any phase fails.
//
// Usage:
//
//	go run ./cmd/validate -feed data/Releve_horaire_urgences_7jours.csv
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/couchcryptid/er-occupancy-etl/internal/domain"
	"github.com/couchcryptid/er-occupancy-etl/internal/observability"
	"github.com/couchcryptid/er-occupancy-etl/internal/pipeline"
)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	feedPath := flag.String("feed", "", "path to the MSSS feed CSV")
	timezone := flag.String("timezone", "America/Toronto", "time zone of naive feed timestamps")
	maxStretchers := flag.Float64("max-stretchers", 1000, "upper bound for stretcher counts")
	flag.Parse()

	if *feedPath == "" {
		flag.Usage()
		os.Exit(1)
	}
	os.Exit(run(*feedPath, *timezone, *maxStretchers))
}

func run(feedPath, timezone string, maxStretchers float64) int {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load timezone: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	normalizer := domain.NewNormalizer(domain.DefaultNormalizerConfig())
	cfg := domain.DefaultCoercerConfig()
	cfg.Location = loc
	coercer := domain.NewCoercer(cfg, normalizer, logger)
	p := pipeline.New(nil, coercer, nil, nil, nil,
		pipeline.Config{MaxStretchers: maxStretchers}, logger, observability.NewMetricsForTesting())

	fmt.Println("=== Emergency Feed Validation ===")
	fmt.Println()

	prev, err := p.Preview(feedPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		return 1
	}

	phases := []*phase{
		validateDecoding(prev),
		validateBatchRules(prev),
		validateCoercion(prev),
		validateReadings(prev),
	}

	allPassed := true
	for _, ph := range phases {
		status := "\033[32mPASS\033[0m"
		if !ph.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(ph.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", ph.name, status)
	}

	fmt.Println()
	fmt.Printf("Rows: %d accepted, %d rejected (encoding %s)\n", len(prev.Rows), len(prev.Rejected), prev.Encoding)

	for _, ph := range phases {
		if ph.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", ph.name)
		for i, e := range ph.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

// validateDecoding fails on records that could not be aligned with the header.
func validateDecoding(prev pipeline.Preview) *phase {
	ph := &phase{name: "Phase 1: Feed decoding"}
	for _, r := range prev.Rejected {
		if r.Reason == pipeline.TypeTruncatedLine {
			ph.errorf("line %d: record does not match the header", r.Line)
		}
	}
	return ph
}

// validateBatchRules fails on rows dropped by the required, range or date rules.
func validateBatchRules(prev pipeline.Preview) *phase {
	ph := &phase{name: "Phase 2: Batch rules"}
	for _, r := range prev.Rejected {
		if r.Reason != pipeline.TypeTruncatedLine {
			ph.errorf("line %d: %s", r.Line, r.Reason)
		}
	}
	return ph
}

// validateCoercion fails on every fallback applied while coercing values.
func validateCoercion(prev pipeline.Preview) *phase {
	ph := &phase{name: "Phase 3: Value coercion"}
	for _, a := range prev.Anomalies {
		if a.Type == pipeline.TypeCoercion {
			ph.errorf("%s", a.Message)
		}
	}
	return ph
}

// validateReadings checks the coerced rows the store would receive.
func validateReadings(prev pipeline.Preview) *phase {
	ph := &phase{name: "Phase 4: Readings and timestamps"}
	for _, r := range prev.Rows {
		if r.ExtractedAt.IsZero() {
			ph.errorf("line %d: no usable extraction time, the cycle start would be used", r.Line)
		}
		if math.IsNaN(r.OccupancyRate) || math.IsInf(r.OccupancyRate, 0) || r.OccupancyRate < 0 {
			ph.errorf("line %d: occupancy rate %v", r.Line, r.OccupancyRate)
		}
		if r.EstablishmentKey == "" {
			ph.errorf("line %d: establishment name has no searchable characters", r.Line)
		}
	}
	return ph
}
