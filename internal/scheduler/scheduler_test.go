package scheduler

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubJob struct {
	name string
	err  error
	runs int
}

func (j *stubJob) Name() string { return j.name }
func (j *stubJob) Run() error {
	j.runs++
	return j.err
}

func TestRegister_RejectsBadSpec(t *testing.T) {
	s := New(zerolog.Nop())
	err := s.Register("not a cron spec", &stubJob{name: "x"})
	assert.Error(t, err)
}

func TestRegister_AcceptsStandardSpec(t *testing.T) {
	s := New(zerolog.Nop())
	require.NoError(t, s.Register("0 2 * * *", &stubJob{name: "nightly"}))
}

func TestRunNow_RecordsOutcome(t *testing.T) {
	s := New(zerolog.Nop())

	ok := &stubJob{name: "ok"}
	failing := &stubJob{name: "failing", err: errors.New("boom")}
	s.RunNow(ok)
	s.RunNow(failing)

	assert.Equal(t, 1, ok.runs)
	assert.Equal(t, 1, failing.runs)

	records := s.LastRuns()
	require.Len(t, records, 2)
	byName := map[string]RunRecord{}
	for _, r := range records {
		byName[r.Name] = r
	}
	assert.Empty(t, byName["ok"].Err)
	assert.Equal(t, "boom", byName["failing"].Err)
}

func TestRunNow_LastRunOverwrites(t *testing.T) {
	s := New(zerolog.Nop())
	job := &stubJob{name: "repeat"}

	s.RunNow(job)
	job.err = errors.New("second run failed")
	s.RunNow(job)

	records := s.LastRuns()
	require.Len(t, records, 1)
	assert.Equal(t, "second run failed", records[0].Err)
}
