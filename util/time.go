package util

import (
	"io"
	"time"
)

// TimeReader accumulates the time spent reading R.
type TimeReader struct {
	R  io.Reader
	dt time.Duration
}

func (tr *TimeReader) Read(p []byte) (n int, err error) {
	start := time.Now()
	n, err = tr.R.Read(p)
	if err != nil && err != io.EOF {
		return n, err
	}
	tr.dt += time.Since(start)
	return n, err
}

func (tr *TimeReader) GetCost() time.Duration {
	return tr.dt
}
