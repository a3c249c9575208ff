// Package dispatcher implements the job-consumption loop (§4.C10): one
// message in flight at a time, fanning each job's programs out to the run
// pipeline concurrently, then publishing an aggregate result.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/uniconhq/unicon-runner/internal/broker"
	"github.com/uniconhq/unicon-runner/internal/executor"
	"github.com/uniconhq/unicon-runner/internal/model"
	"github.com/uniconhq/unicon-runner/internal/pipeline"
)

// Dispatcher consumes Jobs from the broker and runs them against a single
// Executor instance shared across the process lifetime.
type Dispatcher struct {
	b   *broker.Broker
	ex  executor.Executor
	cfg executor.Config
	log *logrus.Entry
}

func New(b *broker.Broker, ex executor.Executor, cfg executor.Config, log *logrus.Entry) *Dispatcher {
	return &Dispatcher{b: b, ex: ex, cfg: cfg, log: log}
}

// Run blocks, consuming deliveries until ctx is cancelled (SIGINT) or the
// broker channel closes. In-flight program tasks are allowed to finish
// naturally; no forced cancellation is applied on shutdown.
func (d *Dispatcher) Run(ctx context.Context) error {
	deliveries, err := d.b.Consume(ctx)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				return nil
			}
			d.handle(ctx, msg)
		}
	}
}

// handle processes exactly one delivery through the state machine from
// §4.C10, never letting a panic-free error escape to the consume loop.
func (d *Dispatcher) handle(ctx context.Context, msg amqp.Delivery) {
	var job model.Job
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		d.log.WithError(err).Warn("dropping undecodable job")
		if nackErr := d.b.Nack(msg.DeliveryTag, false); nackErr != nil {
			d.log.WithError(nackErr).Error("nack decode-failed message")
		}
		return
	}

	if err := validateJob(job); err != nil {
		d.log.WithError(err).Warn("dropping invalid job")
		if nackErr := d.b.Nack(msg.DeliveryTag, false); nackErr != nil {
			d.log.WithError(nackErr).Error("nack invalid message")
		}
		return
	}

	if ok, reason := d.ex.IsCompatible(job.Context); !ok {
		d.log.WithField("reason", reason).Warn("job incompatible with executor")
		errStr := reason
		d.publish(ctx, model.JobResult{Success: false, Error: &errStr, Results: []model.ProgramResult{}, Extra: job.Extra})
		if nackErr := d.b.Nack(msg.DeliveryTag, !msg.Redelivered); nackErr != nil {
			d.log.WithError(nackErr).Error("nack incompatible message")
		}
		return
	}

	result, err := d.runJob(ctx, job)
	if err != nil {
		d.log.WithError(err).Error("job execution failed")
		errStr := err.Error()
		result = model.JobResult{Success: false, Error: &errStr, Results: []model.ProgramResult{}, Extra: job.Extra}
	}

	d.publish(ctx, result)

	// Execution failures are not retried; only acked messages terminate
	// delivery. Compatibility failures were already handled above.
	if ackErr := d.b.Ack(msg.DeliveryTag); ackErr != nil {
		d.log.WithError(ackErr).Error("ack message")
	}
}

// runJob fans the job's programs out concurrently via errgroup, preserving
// declared order in the result slice regardless of completion order. The
// group's context is cancelled on the first program failure, short-
// circuiting programs that have not yet started their child process.
func (d *Dispatcher) runJob(ctx context.Context, job model.Job) (model.JobResult, error) {
	g, gctx := errgroup.WithContext(ctx)
	results := make([]model.ProgramResult, len(job.Programs))

	for i, program := range job.Programs {
		i, program := i, program
		g.Go(func() error {
			r, err := pipeline.Run(gctx, d.ex, d.cfg, program, job.Context, pipeline.DefaultOptions())
			if err != nil {
				return fmt.Errorf("program %d: %w", i, err)
			}
			results[i] = r
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return model.JobResult{}, err
	}

	return model.JobResult{Success: true, Error: nil, Results: results, Extra: job.Extra}, nil
}

// validateJob applies the remaining decode-error checks from §7 that JSON
// unmarshalling alone does not catch: context invariants, entrypoint
// presence, and filename safety.
func validateJob(job model.Job) error {
	if err := job.Context.Validate(); err != nil {
		return fmt.Errorf("invalid context: %w", err)
	}
	for i, p := range job.Programs {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("program %d: %w", i, err)
		}
	}
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, result model.JobResult) {
	body, err := json.Marshal(result)
	if err != nil {
		d.log.WithError(err).Error("marshal job result")
		return
	}
	if err := d.b.PublishResult(ctx, body); err != nil {
		d.log.WithError(err).Error("publish job result")
	}
}
