package fee

import (
	"context"

	"golang.org/x/sync/errgroup"
)

type historyKey struct {
	student StudentID
	class   ClassID
}

// ProcessBatch runs attendance records concurrently, at most limit at a time
// (limit <= 0 means unbounded). Records sharing a student and class run one
// after another in slice order, so a backlog sorted oldest first is charged
// as if it had been entered live. results[i] belongs to records[i]. The
// returned error is only ever a context error; per-record failures are
// reported on each Result.
func (e *Engine) ProcessBatch(ctx context.Context, records []AttendanceRecord, actor Actor, limit int) ([]Result, error) {
	results := make([]Result, len(records))

	var order []historyKey
	groups := make(map[historyKey][]int)
	for i, r := range records {
		k := historyKey{student: r.StudentID, class: r.ClassID}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, k := range order {
		idx := groups[k]
		g.Go(func() error {
			for n, i := range idx {
				if err := gctx.Err(); err != nil {
					for _, j := range idx[n:] {
						results[j] = Result{Message: err.Error(), Err: err}
					}
					return err
				}
				results[i] = e.ProcessAttendanceFee(gctx, records[i], actor)
			}
			return nil
		})
	}
	err := g.Wait()
	return results, err
}
