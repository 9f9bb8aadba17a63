package bpmn

import (
	"github.com/prometheus/client_golang/prometheus"
)

// engineMetrics counts the externally observable engine events. The counters
// are created unregistered so that multiple engines can coexist in one
// process (tests); RegisterMetrics attaches them to a registry.
type engineMetrics struct {
	instancesStarted   prometheus.Counter
	instancesCompleted prometheus.Counter
	instancesFailed    prometheus.Counter
	userTasksCreated   prometheus.Counter
	userTasksCompleted prometheus.Counter
	jobsActivated      prometheus.Counter
	jobsCompleted      prometheus.Counter
	incidentsCreated   prometheus.Counter
	messagesCorrelated prometheus.Counter
	signalsBroadcast   prometheus.Counter
	timersFired        prometheus.Counter
}

func newEngineMetrics() *engineMetrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "abada",
			Subsystem: "engine",
			Name:      name,
			Help:      help,
		})
	}
	return &engineMetrics{
		instancesStarted:   counter("process_instances_started_total", "Process instances started."),
		instancesCompleted: counter("process_instances_completed_total", "Process instances that reached COMPLETED."),
		instancesFailed:    counter("process_instances_failed_total", "Process instances that reached FAILED."),
		userTasksCreated:   counter("user_tasks_created_total", "User task wait points created."),
		userTasksCompleted: counter("user_tasks_completed_total", "User tasks completed."),
		jobsActivated:      counter("external_tasks_activated_total", "External task jobs handed to workers by fetch-and-lock."),
		jobsCompleted:      counter("external_tasks_completed_total", "External task jobs completed by workers."),
		incidentsCreated:   counter("incidents_created_total", "External task jobs that exhausted their retries."),
		messagesCorrelated: counter("messages_correlated_total", "Messages correlated to a waiting instance."),
		signalsBroadcast:   counter("signals_broadcast_total", "Signal broadcasts processed."),
		timersFired:        counter("timers_fired_total", "Timer jobs fired."),
	}
}

// RegisterMetrics registers the engine counters with the given registry.
func (engine *Engine) RegisterMetrics(reg prometheus.Registerer) error {
	m := engine.metrics
	for _, c := range []prometheus.Collector{
		m.instancesStarted, m.instancesCompleted, m.instancesFailed,
		m.userTasksCreated, m.userTasksCompleted,
		m.jobsActivated, m.jobsCompleted, m.incidentsCreated,
		m.messagesCorrelated, m.signalsBroadcast, m.timersFired,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
