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
	runs int
	err  error
}

func (j *stubJob) Run() error   { j.runs++; return j.err }
func (j *stubJob) Name() string { return j.name }

func TestRunNow(t *testing.T) {
	s := New(zerolog.Nop())

	job := &stubJob{name: "stub"}
	require.NoError(t, s.RunNow(job))
	assert.Equal(t, 1, job.runs)

	job.err = errors.New("boom")
	assert.Error(t, s.RunNow(job))
}

func TestAddJob_BadScheduleRejected(t *testing.T) {
	s := New(zerolog.Nop())
	assert.Error(t, s.AddJob("not a schedule", &stubJob{name: "stub"}))
	assert.NoError(t, s.AddJob("@every 30s", &stubJob{name: "stub"}))
}

func TestParseHexUint(t *testing.T) {
	n, err := parseHexUint("0x4d2")
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), n)

	_, err = parseHexUint("zz")
	assert.Error(t, err)
}
