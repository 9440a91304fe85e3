// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

var (
	workItemsAdmitted = metrics.NewCounter("work_items_admitted_total")
	workItemsBusy     = metrics.NewCounter("work_items_busy_total")
	workItemsFatal    = metrics.NewCounter("work_items_fatal_total")
	burstsSubmitted   = metrics.NewCounter("bursts_submitted_total")
	transientErrors   = metrics.NewCounter("transient_errors_total")
	triggerDecodeFail = metrics.NewCounter("trigger_decode_failures_total")
)

func IncWorkItemsAdmitted() {
	workItemsAdmitted.Inc()
}

func IncWorkItemsBusy() {
	workItemsBusy.Inc()
}

func IncWorkItemsFatal() {
	workItemsFatal.Inc()
}

func IncBurstsSubmitted() {
	burstsSubmitted.Inc()
}

func IncTransientErrors() {
	transientErrors.Inc()
}

func IncTriggerDecodeFailures() {
	triggerDecodeFail.Inc()
}

func IncWorkItemsFinished(outcome string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`work_items_finished_total{outcome=%q}`, outcome)).Inc()
}

func IncBundlesAccepted(relay string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`bundles_accepted_total{relay=%q}`, relay)).Inc()
}

func IncBundlesRejected(relay string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`bundles_rejected_total{relay=%q}`, relay)).Inc()
}

func RecordRelayCallDuration(relay string, milliseconds int64) {
	metrics.GetOrCreateSummary(fmt.Sprintf(`relay_call_duration_milliseconds{relay=%q}`, relay)).Update(float64(milliseconds))
}

func RecordWorkItemAttempts(attempts int) {
	metrics.GetOrCreateHistogram("work_item_attempts").Update(float64(attempts))
}
