package mesh

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestProgressReporterStdoutOnly(t *testing.T) {
	r := NewProgressReporter(nil, "")
	assert.NotPanics(t, func() {
		r.PhaseStarted(PhaseFixUp, 3)
		r.PhaseCompleted(PhaseFixUp, 3, 10*time.Millisecond)
		r.PhaseStarted(PhasePreAlign, -1)
		r.RunCanceled(PhaseRelax)
	})
}

func TestProgressReporterPublishesWhenConnected(t *testing.T) {
	client := NewMockClient()
	r := NewProgressReporter(client, "align/progress")

	r.PhaseStarted(PhaseWiring, 2)
	r.PhaseCompleted(PhaseWiring, 2, 5*time.Millisecond)

	msgs := client.GetPublishedMessages()
	assert.Len(t, msgs, 2)
	assert.Equal(t, "align/progress", msgs[0].Topic)
}

func TestProgressReporterSkipsPublishWhenDisconnected(t *testing.T) {
	client := NewMockClient()
	client.SetConnected(false)
	client.On("IsConnected").Unset()
	client.On("IsConnected").Return(false)

	r := NewProgressReporter(client, "align/progress")
	r.PhaseStarted(PhaseEmit, 0)

	msgs := client.GetPublishedMessages()
	assert.Empty(t, msgs)
}

func TestProgressReporterLogsPublishError(t *testing.T) {
	client := NewMockClient()
	client.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Unset()
	client.On("Publish", "align/progress", byte(0), false, mock.Anything).Return(NewMockToken(errors.New("broker unreachable")))

	r := NewProgressReporter(client, "align/progress")
	assert.NotPanics(t, func() {
		r.PhaseStarted(PhaseUnscale, 1)
	})
}
