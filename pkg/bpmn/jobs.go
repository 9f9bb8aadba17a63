package bpmn

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/abada-io/abada-engine/pkg/bpmn/model/flow"
	"github.com/abada-io/abada-engine/pkg/bpmn/runtime"
	"github.com/abada-io/abada-engine/pkg/storage"
)

// parkExternalTask materializes the external wait point during advance. The
// job starts OPEN with the engine's default retry budget.
func (engine *Engine) parkExternalTask(ctx context.Context, instance *runtime.ProcessInstance, node flow.Node) error {
	job := runtime.ExternalTask{
		Id:                 uuid.NewString(),
		ProcessInstanceKey: instance.Key,
		NodeId:             node.Id,
		TopicName:          node.TopicName,
		State:              runtime.ExternalTaskStateOpen,
		Retries:            engine.defaultRetries,
		CreatedAt:          time.Now(),
	}
	if err := engine.persistence.SaveExternalTask(ctx, job); err != nil {
		return errors.Join(newEngineErrorf("failed to create external task for node %s", node.Id), err)
	}
	return nil
}

// ActivatedJob is what a worker receives from FetchAndLock: the job identity
// plus a snapshot of the instance variables at lock time.
type ActivatedJob struct {
	Id                 string                 `json:"id"`
	ProcessInstanceKey int64                  `json:"processInstanceKey"`
	NodeId             string                 `json:"nodeId"`
	TopicName          string                 `json:"topicName"`
	Retries            int                    `json:"retries"`
	LockExpiresAt      time.Time              `json:"lockExpiresAt"`
	Variables          map[string]interface{} `json:"variables,omitempty"`
}

// FetchAndLock hands out at most one job per call. Topics are scanned in the
// caller-supplied order; the first topic with a lockable job (OPEN, or LOCKED
// with an expired lease) wins. Returns nil when no topic has work — callers
// needing throughput poll repeatedly.
func (engine *Engine) FetchAndLock(ctx context.Context, workerId string, topics []string, leaseDuration time.Duration) (*ActivatedJob, error) {
	if workerId == "" {
		return nil, newEngineErrorf("workerId must not be empty")
	}
	if leaseDuration <= 0 {
		return nil, newEngineErrorf("lease duration must be positive")
	}
	now := time.Now()
	for _, topic := range topics {
		job, err := engine.persistence.FindLockableExternalTask(ctx, topic, now)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}

		unlock := engine.lockInstance(job.ProcessInstanceKey)
		// re-read under the lock, a concurrent fetch may have won the job
		job, err = engine.persistence.FindExternalTaskById(ctx, job.Id)
		if err != nil || !job.Lockable(now) {
			unlock()
			continue
		}

		expiresAt := now.Add(leaseDuration)
		job.State = runtime.ExternalTaskStateLocked
		job.WorkerId = workerId
		job.LockExpiresAt = &expiresAt
		if err := engine.persistence.SaveExternalTask(ctx, job); err != nil {
			unlock()
			return nil, errors.Join(newEngineErrorf("failed to lock external task %s", job.Id), err)
		}

		instance, err := engine.loadInstance(ctx, job.ProcessInstanceKey)
		unlock()
		if err != nil {
			return nil, err
		}
		engine.metrics.jobsActivated.Inc()
		variables := make(map[string]interface{}, len(instance.Variables))
		maps.Copy(variables, instance.Variables)
		return &ActivatedJob{
			Id:                 job.Id,
			ProcessInstanceKey: job.ProcessInstanceKey,
			NodeId:             job.NodeId,
			TopicName:          job.TopicName,
			Retries:            job.Retries,
			LockExpiresAt:      expiresAt,
			Variables:          variables,
		}, nil
	}
	return nil, nil
}

// CompleteExternalTask finishes a locked job: merges the worker's variables,
// re-enters the token walk at the job's node and deletes the job. Only the
// locking worker may complete it, even after the lease expired, as long as no
// other worker has re-locked it.
func (engine *Engine) CompleteExternalTask(ctx context.Context, jobId string, workerId string, variables map[string]interface{}) (runtime.ProcessInstance, error) {
	job, err := engine.persistence.FindExternalTaskById(ctx, jobId)
	if err != nil {
		return runtime.ProcessInstance{}, err
	}

	unlock := engine.lockInstance(job.ProcessInstanceKey)
	defer unlock()

	job, err = engine.persistence.FindExternalTaskById(ctx, jobId)
	if err != nil {
		return runtime.ProcessInstance{}, err
	}
	if job.State != runtime.ExternalTaskStateLocked {
		return runtime.ProcessInstance{}, newEngineErrorf("external task %s is not locked, state is %s", jobId, job.State)
	}
	if job.WorkerId != workerId {
		return runtime.ProcessInstance{}, newEngineErrorf("external task %s is locked by %s, not by %s", jobId, job.WorkerId, workerId)
	}

	instance, err := engine.loadInstance(ctx, job.ProcessInstanceKey)
	if err != nil {
		return instance, err
	}
	if instance.Suspended {
		return instance, newEngineErrorf("process instance %d is suspended, external task %s cannot be completed", instance.Key, jobId)
	}
	if instance.IsTerminal() {
		return instance, newEngineErrorf("process instance %d is in terminal state %s", instance.Key, instance.State)
	}

	if err := engine.persistence.DeleteExternalTask(ctx, jobId); err != nil {
		return instance, errors.Join(newEngineErrorf("failed to delete external task %s", jobId), err)
	}

	instance.MergeVariables(variables)
	advErr := engine.resumeToken(ctx, &instance, job.NodeId)
	if advErr == nil {
		advErr = engine.wakeConditionalTokens(ctx, &instance)
		if advErr != nil {
			instance.State = runtime.InstanceStateFailed
		}
	}
	if err := engine.saveInstance(ctx, &instance); err != nil {
		return instance, err
	}
	engine.metrics.jobsCompleted.Inc()
	if advErr != nil {
		return instance, errors.Join(newEngineErrorf("failed to continue process instance %d after external task %s", instance.Key, jobId), advErr)
	}
	return instance, nil
}

// FailExternalTask reports a worker failure. A non-negative retries parameter
// overrides the remaining budget, otherwise the stored count is decremented
// by one. A job left with no retries becomes a FAILED incident and stays in
// storage until an operator intervenes via SetRetries. A positive
// retryTimeout keeps the job locked for that long before it becomes fetchable
// again (back-off).
func (engine *Engine) FailExternalTask(ctx context.Context, jobId string, workerId string, errorMessage string, errorDetails string, retries int, retryTimeout time.Duration) (runtime.ExternalTask, error) {
	job, err := engine.persistence.FindExternalTaskById(ctx, jobId)
	if err != nil {
		return job, err
	}

	unlock := engine.lockInstance(job.ProcessInstanceKey)
	defer unlock()

	job, err = engine.persistence.FindExternalTaskById(ctx, jobId)
	if err != nil {
		return job, err
	}
	if job.State != runtime.ExternalTaskStateLocked {
		return job, newEngineErrorf("external task %s is not locked, state is %s", jobId, job.State)
	}
	if job.WorkerId != workerId {
		return job, newEngineErrorf("external task %s is locked by %s, not by %s", jobId, job.WorkerId, workerId)
	}

	if retries >= 0 {
		job.Retries = retries
	} else {
		job.Retries--
	}
	job.ExceptionMessage = errorMessage
	job.ExceptionDetails = errorDetails

	if job.Retries <= 0 {
		job.State = runtime.ExternalTaskStateFailed
		job.WorkerId = ""
		job.LockExpiresAt = nil
		engine.metrics.incidentsCreated.Inc()
		engine.logger.Warn("external task exhausted its retries", "jobId", jobId, "topic", job.TopicName, "processInstanceKey", job.ProcessInstanceKey, "error", errorMessage)
	} else if retryTimeout > 0 {
		expiresAt := time.Now().Add(retryTimeout)
		job.LockExpiresAt = &expiresAt
	} else {
		job.State = runtime.ExternalTaskStateOpen
		job.WorkerId = ""
		job.LockExpiresAt = nil
	}

	if err := engine.persistence.SaveExternalTask(ctx, job); err != nil {
		return job, errors.Join(newEngineErrorf("failed to store failure of external task %s", jobId), err)
	}
	return job, nil
}

// SetRetries is the operator path out of an incident: it resets the retry
// budget and reopens the job for fetching.
func (engine *Engine) SetRetries(ctx context.Context, jobId string, retries int) (runtime.ExternalTask, error) {
	if retries <= 0 {
		return runtime.ExternalTask{}, newEngineErrorf("retries must be positive, got %d", retries)
	}
	job, err := engine.persistence.FindExternalTaskById(ctx, jobId)
	if err != nil {
		return job, err
	}

	unlock := engine.lockInstance(job.ProcessInstanceKey)
	defer unlock()

	job, err = engine.persistence.FindExternalTaskById(ctx, jobId)
	if err != nil {
		return job, err
	}
	job.Retries = retries
	job.State = runtime.ExternalTaskStateOpen
	job.WorkerId = ""
	job.LockExpiresAt = nil
	if err := engine.persistence.SaveExternalTask(ctx, job); err != nil {
		return job, errors.Join(newEngineErrorf("failed to reset retries of external task %s", jobId), err)
	}
	return job, nil
}

// ExternalTaskById returns the stored job, including its exception info.
func (engine *Engine) ExternalTaskById(ctx context.Context, jobId string) (runtime.ExternalTask, error) {
	return engine.persistence.FindExternalTaskById(ctx, jobId)
}

// FailedExternalTasks lists the current incidents.
func (engine *Engine) FailedExternalTasks(ctx context.Context) ([]runtime.ExternalTask, error) {
	return engine.persistence.FindFailedExternalTasks(ctx)
}

func (engine *Engine) ExternalTasksForProcessInstance(ctx context.Context, processInstanceKey int64) ([]runtime.ExternalTask, error) {
	return engine.persistence.FindExternalTasksByProcessInstance(ctx, processInstanceKey)
}
