package download

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Job represents a single transfer job.
type Job struct {
	Key     string // caller's identifier, usually the manifest path
	Request Request
}

// JobResult represents the result of a transfer job.
type JobResult struct {
	Job    Job
	Result *Result
	Err    error
	index  int // Internal: used to maintain result order
}

// Pool runs transfers for distinct files concurrently.
type Pool struct {
	client  *Client
	workers int
	logger  *slog.Logger
}

// NewPool creates a new transfer pool with the specified number of worker goroutines.
func NewPool(client *Client, workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		client:  client,
		workers: workers,
		logger:  logger,
	}
}

// Workers returns the configured concurrency.
func (p *Pool) Workers() int {
	return p.workers
}

// Execute submits a batch of jobs to the pool and waits for all to complete.
// The returned results maintain the same order as the input jobs. Jobs not
// started before ctx is cancelled are reported as failed with ctx.Err().
func (p *Pool) Execute(ctx context.Context, jobs []Job) []JobResult {
	if len(jobs) == 0 {
		return []JobResult{}
	}

	jobsChan := make(chan jobWithIndex, len(jobs))
	resultsChan := make(chan JobResult, len(jobs))

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go p.worker(ctx, jobsChan, resultsChan, &wg)
	}

	for i, job := range jobs {
		jobsChan <- jobWithIndex{job: job, index: i}
	}
	close(jobsChan)

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	results := make([]JobResult, 0, len(jobs))
	for result := range resultsChan {
		results = append(results, result)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].index < results[j].index
	})

	return results
}

// jobWithIndex pairs a Job with its original index for ordering results.
type jobWithIndex struct {
	job   Job
	index int
}

func (p *Pool) worker(ctx context.Context, jobsChan <-chan jobWithIndex, resultsChan chan<- JobResult, wg *sync.WaitGroup) {
	defer wg.Done()

	for jobWithIdx := range jobsChan {
		if err := ctx.Err(); err != nil {
			resultsChan <- JobResult{
				Job:    jobWithIdx.job,
				Result: &Result{Outcome: OutcomeFailed, Err: err},
				Err:    err,
				index:  jobWithIdx.index,
			}
			continue
		}

		res, err := p.client.Fetch(ctx, jobWithIdx.job.Request)
		if err != nil {
			p.logger.Error("transfer job failed", "path", jobWithIdx.job.Key, "outcome", res.Outcome, "error", err)
		} else {
			p.logger.Debug("transfer job completed", "path", jobWithIdx.job.Key, "bytes", res.Bytes)
		}

		resultsChan <- JobResult{
			Job:    jobWithIdx.job,
			Result: res,
			Err:    err,
			index:  jobWithIdx.index,
		}
	}
}
