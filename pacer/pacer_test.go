package pacer

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCallSucceedsWithoutRetry(t *testing.T) {
	p := New().SetMinSleep(time.Millisecond).SetMaxSleep(time.Millisecond)
	calls := 0
	err := p.Call(func() (bool, error) {
		calls++
		return false, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestCallRetriesThenSucceeds(t *testing.T) {
	p := New().SetMinSleep(time.Millisecond).SetMaxSleep(time.Millisecond).SetRetries(5)
	calls := 0
	err := p.Call(func() (bool, error) {
		calls++
		if calls < 3 {
			return true, errors.New("transient")
		}
		return false, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestCallStopsAtRetryLimit(t *testing.T) {
	p := New().SetMinSleep(time.Millisecond).SetMaxSleep(time.Millisecond).SetRetries(2)
	calls := 0
	err := p.Call(func() (bool, error) {
		calls++
		return true, errors.New("always fails")
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls) // initial attempt + 2 retries
}

func TestCallNoRetryRunsOnce(t *testing.T) {
	p := New()
	calls := 0
	err := p.CallNoRetry(func() (bool, error) {
		calls++
		return true, errors.New("would have retried")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
