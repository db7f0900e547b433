package safe_close

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSafeClose(t *testing.T) {
	sc := NewSafeClose()
	var exited atomic.Int32
	for i := 0; i < 4; i++ {
		sc.Attach(func(done func(), closeSignal <-chan struct{}) {
			defer done()
			<-closeSignal
			time.Sleep(10 * time.Millisecond)
			exited.Add(1)
		})
	}

	errFatal := errors.New("fatal")
	go func() {
		sc.SendCloseSignal(errFatal)
		sc.SendCloseSignal(errors.New("second"))
		sc.Done()
	}()
	sc.CloseWait()

	assert.EqualValues(t, 4, exited.Load())
	assert.Equal(t, errFatal, sc.Err())
	assert.Error(t, sc.Context().Err())

	// Closed, f must not run.
	ran := false
	sc.Attach(func(done func(), _ <-chan struct{}) { ran = true; done() })
	assert.False(t, ran)
	sc.CloseWait()
}

func TestSafeClose_ErrAfterNilSignal(t *testing.T) {
	sc := NewSafeClose()
	sc.SendCloseSignal(nil)
	assert.NoError(t, sc.Err())

	errFatal := errors.New("fatal")
	sc.SendCloseSignal(errFatal)
	sc.SendCloseSignal(errors.New("second"))
	assert.Equal(t, errFatal, sc.Err())

	sc.Done()
	sc.CloseWait()
	assert.Equal(t, errFatal, sc.Err())
}
