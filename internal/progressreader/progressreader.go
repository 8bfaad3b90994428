package progressreader

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

type LogFunc func(bytes int64, duration time.Duration)

// Reader counts the bytes flowing through it and reports
// the throughput to LogFunc at most once per interval.
//
// Count, Exhausted and Err may be called concurrently with Read,
// since HTTP transports may keep reading a request body
// after the response has been returned.
type Reader struct {
	inner             io.Reader
	lastLog           time.Time
	interval          time.Duration
	logFunc           LogFunc
	bytesSinceLastLog int64

	count     atomic.Int64
	exhausted atomic.Bool
	err       error
	errMtx    sync.Mutex
}

func New(inner io.Reader, interval time.Duration, logFunc LogFunc) *Reader {
	return &Reader{
		inner:    inner,
		lastLog:  time.Now(),
		interval: interval,
		logFunc:  logFunc,
	}
}

func (reader *Reader) Read(p []byte) (int, error) {
	n, err := reader.inner.Read(p)

	reader.count.Add(int64(n))
	reader.bytesSinceLastLog += int64(n)

	if errors.Is(err, io.EOF) {
		reader.exhausted.Store(true)
	} else if err != nil {
		reader.errMtx.Lock()
		if reader.err == nil {
			reader.err = err
		}
		reader.errMtx.Unlock()
	}

	if reader.logFunc == nil {
		return n, err
	}

	if durationSinceLastLog := time.Since(reader.lastLog); durationSinceLastLog >= reader.interval {
		reader.logFunc(reader.bytesSinceLastLog, durationSinceLastLog)

		reader.lastLog = time.Now()
		reader.bytesSinceLastLog = 0
	}

	return n, err
}

// Count returns the number of bytes read so far.
func (reader *Reader) Count() int64 {
	return reader.count.Load()
}

// Exhausted reports whether the inner reader has returned io.EOF.
func (reader *Reader) Exhausted() bool {
	return reader.exhausted.Load()
}

// Err returns the first read error other than io.EOF.
func (reader *Reader) Err() error {
	reader.errMtx.Lock()
	defer reader.errMtx.Unlock()

	return reader.err
}
