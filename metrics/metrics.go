// Package metrics builds the tally.Scope the rest of the leech core
// instruments against, selecting a reporter backend by configuration
// rather than wiring one reporter in directly.
package metrics

import (
	"fmt"
	"io"
	"time"

	"github.com/uber-go/tally"
)

// Config selects and configures a metrics backend.
type Config struct {
	// Backend is one of "disabled" or "stdout". Empty defaults to disabled.
	Backend string `yaml:"backend"`
	Prefix  string `yaml:"prefix"`
}

type scopeFactory func(Config) (tally.Scope, io.Closer, error)

var factories = map[string]scopeFactory{
	"disabled": newDisabledScope,
	"stdout":   newStdoutScope,
}

// New builds a tally.Scope per config. An empty backend selects disabled;
// an unrecognized backend name is returned as an error.
func New(config Config) (tally.Scope, io.Closer, error) {
	backend := config.Backend
	if backend == "" {
		backend = "disabled"
	}
	f, ok := factories[backend]
	if !ok {
		return nil, nil, fmt.Errorf("metrics backend %q not registered", backend)
	}
	return f(config)
}

func newDisabledScope(Config) (tally.Scope, io.Closer, error) {
	return tally.NoopScope, io.NopCloser(nil), nil
}

func newStdoutScope(config Config) (tally.Scope, io.Closer, error) {
	scope, closer := tally.NewRootScope(tally.ScopeOptions{
		Prefix:   config.Prefix,
		Tags:     map[string]string{},
		Reporter: stdoutReporter{},
	}, time.Second)
	return scope, closer, nil
}

// stdoutReporter is a minimal tally.StatsReporter for local runs and
// development, where standing up a real metrics backend isn't worth it.
type stdoutReporter struct{}

func (stdoutReporter) ReportCounter(name string, _ map[string]string, value int64) {
	fmt.Printf("count %s %d\n", name, value)
}

func (stdoutReporter) ReportGauge(name string, _ map[string]string, value float64) {
	fmt.Printf("gauge %s %f\n", name, value)
}

func (stdoutReporter) ReportTimer(name string, _ map[string]string, interval time.Duration) {
	fmt.Printf("timer %s %s\n", name, interval)
}

func (stdoutReporter) ReportHistogramValueSamples(
	name string,
	_ map[string]string,
	_ tally.Buckets,
	bucketLowerBound, bucketUpperBound float64,
	samples int64,
) {
	fmt.Printf("histogram %s bucket [%f,%f] samples %d\n", name, bucketLowerBound, bucketUpperBound, samples)
}

func (stdoutReporter) ReportHistogramDurationSamples(
	name string,
	_ map[string]string,
	_ tally.Buckets,
	bucketLowerBound, bucketUpperBound time.Duration,
	samples int64,
) {
	fmt.Printf("histogram %s bucket [%s,%s] samples %d\n", name, bucketLowerBound, bucketUpperBound, samples)
}

func (stdoutReporter) Capabilities() tally.Capabilities {
	return stdoutReporter{}
}

func (stdoutReporter) Reporting() bool {
	return true
}

func (stdoutReporter) Tagging() bool {
	return false
}

func (stdoutReporter) Flush() {}
