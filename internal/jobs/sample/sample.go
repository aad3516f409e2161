// Package sample holds the demonstration job shipped with the binary.
package sample

import (
	"context"

	"batchbridge/internal/batch"
	logx "batchbridge/pkg/logx"
)

// Name is the registry name of the sample job.
const Name = "testJob"

// Count is how many numbers the job logs.
const Count = 10

// New returns testJob. It logs every parameter it received, then the
// numbers 0..Count-1.
func New() batch.Job {
	return batch.NewJob(Name, run)
}

func run(ctx context.Context, exec *batch.Execution) error {
	log := exec.Log
	for _, e := range exec.Params.Entries() {
		log.Info("param",
			logx.String("key", e.Key),
			logx.String("kind", e.Value.Kind().String()),
			logx.String("value", e.Value.String()),
		)
	}
	for i := 0; i < Count; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		log.Info("count", logx.Int("n", i))
	}
	return nil
}
