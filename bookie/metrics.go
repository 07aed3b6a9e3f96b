package bookie

import (
	"expvar"
	"fmt"
	"sync"
	"time"

	"github.com/caio/go-tdigest/v4"
)

// latencyBuckets are the upper bounds, in seconds, of the latency histograms.
var latencyBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0}

// Metrics holds the expvar variables of a Bookie.
type Metrics struct {
	PublishedGlobally bool

	AddEntryTotal         *expvar.Int
	AddEntryErrorsTotal   *expvar.Int
	RecoveryAddTotal      *expvar.Int
	ExplicitLacTotal      *expvar.Int
	FenceTotal            *expvar.Int
	ReadEntryTotal        *expvar.Int
	ReadEntryErrorsTotal  *expvar.Int
	ReadCacheHits         *expvar.Int
	ReadCacheMisses       *expvar.Int
	WriteCacheHits        *expvar.Int
	DirectStorageWrites   *expvar.Int
	FlushTotal            *expvar.Int
	FlushErrorsTotal      *expvar.Int
	FlushEntriesTotal     *expvar.Int
	FlushBytesTotal       *expvar.Int
	JournalBytesWritten   *expvar.Int
	JournalRecordsWritten *expvar.Int
	JournalSyncs          *expvar.Int
	EntryLogBytesWritten  *expvar.Int
	EntryLogHandleHits    *expvar.Int
	EntryLogHandleMisses  *expvar.Int

	RecoveredRecordsTotal   *expvar.Int
	RecoveryDurationSeconds *expvar.Float

	AddLatencyHist   *expvar.Map
	ReadLatencyHist  *expvar.Map
	FlushLatencyHist *expvar.Map

	// addLatency tracks add latency quantiles in milliseconds.
	latencyMu  sync.Mutex
	addLatency *tdigest.TDigest
}

// NewMetrics creates the bookie metrics. With publishGlobally the variables
// are registered in the expvar namespace under prefix.
func NewMetrics(publishGlobally bool, prefix string) *Metrics {
	newInt := func(string) *expvar.Int { return new(expvar.Int) }
	newFloat := func(string) *expvar.Float { return new(expvar.Float) }
	newMap := func(string) *expvar.Map { return new(expvar.Map).Init() }
	if publishGlobally {
		newInt = publishExpvarInt
		newFloat = publishExpvarFloat
		newMap = publishExpvarMap
	}

	m := &Metrics{
		PublishedGlobally:     publishGlobally,
		AddEntryTotal:         newInt(prefix + "add_entry_total"),
		AddEntryErrorsTotal:   newInt(prefix + "add_entry_errors_total"),
		RecoveryAddTotal:      newInt(prefix + "recovery_add_entry_total"),
		ExplicitLacTotal:      newInt(prefix + "explicit_lac_total"),
		FenceTotal:            newInt(prefix + "fence_total"),
		ReadEntryTotal:        newInt(prefix + "read_entry_total"),
		ReadEntryErrorsTotal:  newInt(prefix + "read_entry_errors_total"),
		ReadCacheHits:         newInt(prefix + "read_cache_hits"),
		ReadCacheMisses:       newInt(prefix + "read_cache_misses"),
		WriteCacheHits:        newInt(prefix + "write_cache_hits"),
		DirectStorageWrites:   newInt(prefix + "direct_storage_writes_total"),
		FlushTotal:            newInt(prefix + "flush_total"),
		FlushErrorsTotal:      newInt(prefix + "flush_errors_total"),
		FlushEntriesTotal:     newInt(prefix + "flush_entries_total"),
		FlushBytesTotal:       newInt(prefix + "flush_bytes_total"),
		JournalBytesWritten:   newInt(prefix + "journal_bytes_written_total"),
		JournalRecordsWritten: newInt(prefix + "journal_records_written_total"),
		JournalSyncs:          newInt(prefix + "journal_syncs_total"),
		EntryLogBytesWritten:  newInt(prefix + "entry_log_bytes_written_total"),
		EntryLogHandleHits:    newInt(prefix + "entry_log_handle_hits"),
		EntryLogHandleMisses:  newInt(prefix + "entry_log_handle_misses"),

		RecoveredRecordsTotal:   newInt(prefix + "recovered_records_total"),
		RecoveryDurationSeconds: newFloat(prefix + "recovery_duration_seconds"),

		AddLatencyHist:   newMap(prefix + "add_latency_seconds"),
		ReadLatencyHist:  newMap(prefix + "read_latency_seconds"),
		FlushLatencyHist: newMap(prefix + "flush_latency_seconds"),
	}
	for _, hist := range []*expvar.Map{m.AddLatencyHist, m.ReadLatencyHist, m.FlushLatencyHist} {
		hist.Set("count", new(expvar.Int))
		hist.Set("sum", new(expvar.Float))
		for _, b := range latencyBuckets {
			hist.Set(fmt.Sprintf("le_%.4f", b), new(expvar.Int))
		}
		hist.Set("le_inf", new(expvar.Int))
	}

	// tdigest.New only fails on invalid options.
	m.addLatency, _ = tdigest.New()
	if publishGlobally {
		publishExpvarFunc(prefix+"add_latency_quantiles_ms", func() interface{} {
			return map[string]float64{
				"p50":  m.AddLatencyQuantile(0.5),
				"p99":  m.AddLatencyQuantile(0.99),
				"p999": m.AddLatencyQuantile(0.999),
			}
		})
	}
	return m
}

func (m *Metrics) observeAdd(d time.Duration) {
	observeLatency(m.AddLatencyHist, d.Seconds())
	m.latencyMu.Lock()
	defer m.latencyMu.Unlock()
	_ = m.addLatency.Add(float64(d.Microseconds()) / 1000)
}

// AddLatencyQuantile returns the q quantile of add latency in milliseconds,
// or 0 before the first add completed.
func (m *Metrics) AddLatencyQuantile(q float64) float64 {
	m.latencyMu.Lock()
	defer m.latencyMu.Unlock()
	if m.addLatency.Count() == 0 {
		return 0
	}
	return m.addLatency.Quantile(q)
}

func observeLatency(hist *expvar.Map, seconds float64) {
	if hist == nil {
		return
	}
	if v, ok := hist.Get("count").(*expvar.Int); ok {
		v.Add(1)
	}
	if v, ok := hist.Get("sum").(*expvar.Float); ok {
		v.Add(seconds)
	}
	// Cumulative: an observation counts in every bucket at or above it.
	for _, b := range latencyBuckets {
		if seconds <= b {
			if v, ok := hist.Get(fmt.Sprintf("le_%.4f", b)).(*expvar.Int); ok {
				v.Add(1)
			}
		}
	}
	if v, ok := hist.Get("le_inf").(*expvar.Int); ok {
		v.Add(1)
	}
}

// publishExpvarInt returns the published Int called name, resetting it if
// it already exists.
func publishExpvarInt(name string) *expvar.Int {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewInt(name)
	}
	if iv, ok := v.(*expvar.Int); ok {
		iv.Set(0)
		return iv
	}
	panic(fmt.Sprintf("expvar: trying to publish Int %s but variable already exists with different type %T", name, v))
}

func publishExpvarFloat(name string) *expvar.Float {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewFloat(name)
	}
	if fv, ok := v.(*expvar.Float); ok {
		fv.Set(0)
		return fv
	}
	panic(fmt.Sprintf("expvar: trying to publish Float %s but variable already exists with different type %T", name, v))
}

func publishExpvarMap(name string) *expvar.Map {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewMap(name)
	}
	if mv, ok := v.(*expvar.Map); ok {
		return mv
	}
	panic(fmt.Sprintf("expvar: trying to publish Map %s but variable already exists with different type %T", name, v))
}

// publishExpvarFunc publishes f unless name is already taken.
func publishExpvarFunc(name string, f func() interface{}) {
	if expvar.Get(name) != nil {
		return
	}
	expvar.Publish(name, expvar.Func(f))
}
