package schedule

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/depthsim/state"
)

// Status is the outcome of a job run by Local.
type Status int

const (
	// Waiting jobs have not run yet.
	Waiting Status = iota
	// Succeeded jobs ran and returned nil.
	Succeeded
	// Failed jobs ran and returned an error.
	Failed
	// Cancelled jobs never ran because a predecessor did not succeed.
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Outcome reports how one job ended.
type Outcome struct {
	Job    Job
	Status Status
	Err    error
}

type localJob struct {
	handle Handle
	job    Job
	status Status
	err    error
}

// Local runs jobs in-process. Submit only records the job; Wait runs every
// recorded job once its predecessors have finished.
type Local struct {
	// Exec executes one stage.
	Exec func(ctx context.Context, key state.Key) error
	// Parallelism bounds the number of jobs run at once. Defaults to
	// runtime.NumCPU().
	Parallelism int

	mu   sync.Mutex
	jobs []*localJob
	byID map[Handle]*localJob
}

// NewLocal returns a Local scheduler that executes stages with exec.
func NewLocal(exec func(ctx context.Context, key state.Key) error) *Local {
	return &Local{Exec: exec, byID: map[Handle]*localJob{}}
}

// Submit implements Scheduler. Every handle in job.After must have been
// returned by an earlier Submit.
func (l *Local) Submit(_ context.Context, job Job) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.byID == nil {
		l.byID = map[Handle]*localJob{}
	}
	job.After = Live(job.After...)
	for _, h := range job.After {
		if l.byID[h] == nil {
			return "", errors.E(errors.Invalid, fmt.Sprintf("job %s: unknown predecessor %s", job.Name, h))
		}
	}
	j := &localJob{handle: Handle(uuid.NewString()), job: job}
	l.jobs = append(l.jobs, j)
	l.byID[j.handle] = j
	return j.handle, nil
}

// Jobs returns the submitted jobs by handle.
func (l *Local) Jobs() map[Handle]Job {
	l.mu.Lock()
	defer l.mu.Unlock()
	jobs := make(map[Handle]Job, len(l.jobs))
	for _, j := range l.jobs {
		jobs[j.handle] = j.job
	}
	return jobs
}

// Wait runs the waiting jobs in waves. Each wave runs, in parallel, every
// job whose predecessors have all finished; a job with a predecessor that
// did not succeed is cancelled instead. Wait returns the outcome of every
// submitted job, and an error if any job failed.
func (l *Local) Wait(ctx context.Context) (map[Handle]Outcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	par := l.Parallelism
	if par <= 0 {
		par = runtime.NumCPU()
	}
	var errs errors.Once
	for {
		var ready []*localJob
		waiting := 0
		for _, j := range l.jobs {
			if j.status != Waiting {
				continue
			}
			waiting++
			switch l.predecessors(j) {
			case Succeeded:
				ready = append(ready, j)
			case Cancelled:
				j.status = Cancelled
				log.Printf("local: %s cancelled: a predecessor did not succeed", j.job.Name)
			}
		}
		if waiting == 0 {
			break
		}
		if len(ready) == 0 {
			// Cancellations made progress; rescan.
			continue
		}
		_ = traverse.Limit(par).Each(len(ready), func(i int) error {
			j := ready[i]
			if err := ctx.Err(); err != nil {
				j.status, j.err = Failed, err
				errs.Set(err)
				return nil
			}
			log.Debug.Printf("local: running %s", j.job.Name)
			if err := l.Exec(ctx, j.job.Key); err != nil {
				j.status, j.err = Failed, err
				log.Error.Printf("local: %s failed: %v", j.job.Name, err)
				errs.Set(errors.E(err, j.job.Name))
				return nil
			}
			j.status = Succeeded
			return nil
		})
	}
	outcomes := make(map[Handle]Outcome, len(l.jobs))
	for _, j := range l.jobs {
		outcomes[j.handle] = Outcome{Job: j.job, Status: j.status, Err: j.err}
	}
	return outcomes, errs.Err()
}

// predecessors returns Succeeded when every predecessor of j succeeded,
// Cancelled when any of them failed or was cancelled, and Waiting
// otherwise.
func (l *Local) predecessors(j *localJob) Status {
	status := Succeeded
	for _, h := range j.job.After {
		switch l.byID[h].status {
		case Failed, Cancelled:
			return Cancelled
		case Waiting:
			status = Waiting
		}
	}
	return status
}
