package runs

import "time"

// RecoverRuns marks runs left "running" by a process that exited without
// finishing them as interrupted. Call it before starting a new run.
func RecoverRuns(store Store) (int, error) {
	all, err := store.List()
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, r := range all {
		if r.Outcome != OutcomeRunning {
			continue
		}

		now := time.Now()
		r.Outcome = OutcomeInterrupted
		r.FinishedAt = &now
		if r.Error == "" {
			r.Error = "process exited during run"
		}
		if err := store.Update(r); err != nil {
			continue
		}
		recovered++
	}

	return recovered, nil
}
