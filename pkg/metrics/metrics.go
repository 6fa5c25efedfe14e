// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package metrics

import (
	"errors"
	"parallelscsi/pkg/parallel"
	"parallelscsi/pkg/scsi"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "parallelscsi"

	taskSubsystem       = "task"
	poolSubsystem       = "pool"
	targetSubsystem     = "target"
	TaskSubmittedMetric = Namespace + "_" + taskSubsystem + "_submitted_total"
	TaskCompletedMetric = Namespace + "_" + taskSubsystem + "_completed_total"
)

var (
	targetLabels     = []string{"target"}
	completionLabels = []string{"target", "response", "status"}
)

// Recorder counts task lifecycle events of one controller.
type Recorder struct {
	submitted    *prometheus.CounterVec
	completed    *prometheus.CounterVec
	deferred     *prometheus.CounterVec
	redispatched *prometheus.CounterVec
	timedOut     *prometheus.CounterVec
	orphaned     prometheus.Counter
}

func NewRecorder() *Recorder {
	return &Recorder{
		submitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: taskSubsystem,
				Name:      "submitted_total",
				Help:      "Tasks accepted for dispatch, per target.",
			},
			targetLabels,
		),
		completed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: taskSubsystem,
				Name:      "completed_total",
				Help:      "Tasks reported back to the client, per target, service response and status.",
			},
			completionLabels,
		),
		deferred: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: taskSubsystem,
				Name:      "task_set_full_total",
				Help:      "Tasks parked on the resend list after TASK SET FULL.",
			},
			targetLabels,
		),
		redispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: taskSubsystem,
				Name:      "redispatched_total",
				Help:      "Tasks sent again from the resend list.",
			},
			targetLabels,
		),
		timedOut: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: taskSubsystem,
				Name:      "timed_out_total",
				Help:      "Tasks whose timeout expired before completion.",
			},
			targetLabels,
		),
		orphaned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: taskSubsystem,
				Name:      "orphaned_completions_total",
				Help:      "Completions dropped because no target device owned the task.",
			},
		),
	}
}

func (recorder *Recorder) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		recorder.submitted,
		recorder.completed,
		recorder.deferred,
		recorder.redispatched,
		recorder.timedOut,
		recorder.orphaned,
	}
}

func targetLabel(target parallel.TargetID) string {
	return strconv.Itoa(int(target))
}

func (recorder *Recorder) TaskSubmitted(target parallel.TargetID) {
	recorder.submitted.WithLabelValues(targetLabel(target)).Inc()
}

func (recorder *Recorder) TaskCompleted(
	target parallel.TargetID,
	response scsi.ServiceResponse,
	status scsi.TaskStatus,
) {
	recorder.completed.WithLabelValues(targetLabel(target), response.String(), status.String()).Inc()
}

func (recorder *Recorder) TaskDeferred(target parallel.TargetID) {
	recorder.deferred.WithLabelValues(targetLabel(target)).Inc()
}

func (recorder *Recorder) TaskRedispatched(target parallel.TargetID) {
	recorder.redispatched.WithLabelValues(targetLabel(target)).Inc()
}

func (recorder *Recorder) TaskTimedOut(target parallel.TargetID) {
	recorder.timedOut.WithLabelValues(targetLabel(target)).Inc()
}

func (recorder *Recorder) OrphanedCompletion() {
	recorder.orphaned.Inc()
}

// controllerCollector exports the pool and per-target queue depths of a
// controller at scrape time.
type controllerCollector struct {
	controller  *parallel.Controller
	capacity    *prometheus.Desc
	free        *prometheus.Desc
	outstanding *prometheus.Desc
	resend      *prometheus.Desc
}

func NewControllerCollector(controller *parallel.Controller) prometheus.Collector {
	domain := prometheus.Labels{"domain": strconv.FormatUint(controller.DomainID(), 10)}
	return &controllerCollector{
		controller: controller,
		capacity: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, poolSubsystem, "capacity"),
			"Parallel tasks allocated for the controller.",
			nil,
			domain,
		),
		free: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, poolSubsystem, "free"),
			"Parallel tasks available for new requests.",
			nil,
			domain,
		),
		outstanding: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, targetSubsystem, "outstanding"),
			"Tasks sent to the target and not completed yet.",
			targetLabels,
			domain,
		),
		resend: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, targetSubsystem, "resend"),
			"Tasks waiting to be sent again after TASK SET FULL.",
			targetLabels,
			domain,
		),
	}
}

func (collector *controllerCollector) Describe(descriptions chan<- *prometheus.Desc) {
	descriptions <- collector.capacity
	descriptions <- collector.free
	descriptions <- collector.outstanding
	descriptions <- collector.resend
}

func (collector *controllerCollector) Collect(metrics chan<- prometheus.Metric) {
	pool := collector.controller.Pool()
	if pool == nil {
		return
	}
	metrics <- prometheus.MustNewConstMetric(collector.capacity, prometheus.GaugeValue, float64(pool.Capacity()))
	metrics <- prometheus.MustNewConstMetric(collector.free, prometheus.GaugeValue, float64(pool.Free()))
	for _, device := range collector.controller.Devices() {
		label := targetLabel(device.ID())
		metrics <- prometheus.MustNewConstMetric(
			collector.outstanding,
			prometheus.GaugeValue,
			float64(device.OutstandingCount()),
			label,
		)
		metrics <- prometheus.MustNewConstMetric(
			collector.resend,
			prometheus.GaugeValue,
			float64(device.ResendCount()),
			label,
		)
	}
}

// Register adds the recorder and the controller collector to a registry.
func Register(registerer prometheus.Registerer, recorder *Recorder, controller *parallel.Controller) error {
	var errs []error
	for _, collector := range recorder.Collectors() {
		errs = append(errs, registerer.Register(collector))
	}
	errs = append(errs, registerer.Register(NewControllerCollector(controller)))
	return errors.Join(errs...)
}
