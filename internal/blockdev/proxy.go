// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package blockdev

import (
	"errors"
	"io"
	"sync"
)

var ErrStopped = errors.New("block device is stopped")

// Storage is the memory the disk lives in.
type Storage interface {
	io.ReaderAt
	io.WriterAt
}

type op int

const (
	opRead op = iota
	opWrite
)

// Internal request structure just for wrapping the function calls into the
// channel communication.
type request struct {
	op     op
	data   []byte
	offset int64
	done   chan result
}

type result struct {
	n   int
	err error
}

// Proxy to the Storage. It serializes all transfers and is the only place
// where the storage is touched, so a stop request never races with a
// transfer.
type transferProxy struct {
	instance Storage

	requests chan request

	// Closed once on stop request. Worker stops serving afterwards.
	stopChan chan struct{}
	stopOnce sync.Once

	// Closed when the proxy is shut down and the worker exits.
	quit     chan struct{}
	quitOnce sync.Once

	// Closed by the worker on exit.
	exited chan struct{}
}

// Returns proxy which can be directly used. It spawns one worker which handles
// all serialized requests.
func newTransferProxy(instance Storage) *transferProxy {
	p := &transferProxy{
		instance: instance,
		requests: make(chan request),
		stopChan: make(chan struct{}),
		quit:     make(chan struct{}),
		exited:   make(chan struct{}),
	}

	go p.worker()

	return p
}

func (p *transferProxy) read(data []byte, offset int64) (int, error) {
	return p.submit(request{op: opRead, data: data, offset: offset})
}

func (p *transferProxy) write(data []byte, offset int64) (int, error) {
	return p.submit(request{op: opWrite, data: data, offset: offset})
}

func (p *transferProxy) submit(r request) (int, error) {
	r.done = make(chan result, 1)

	select {
	case p.requests <- r:
	case <-p.quit:
		return 0, ErrStopped
	}

	res := <-r.done

	return res.n, res.err
}

// Posts the stop request. Never blocks and can be called from any goroutine
// any number of times.
func (p *transferProxy) stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})
}

func (p *transferProxy) stopped() bool {
	select {
	case <-p.stopChan:
		return true
	default:
		return false
	}
}

// Stops the worker and waits until it exits, so no transfer is in flight
// when close returns. Requests submitted afterwards fail with ErrStopped.
func (p *transferProxy) close() {
	p.stop()
	p.quitOnce.Do(func() {
		close(p.quit)
	})
	<-p.exited
}

// Worker serves one request at a time. Stop request has priority over
// pending transfers.
func (p *transferProxy) worker() {
	defer close(p.exited)

	for {
		select {
		case <-p.quit:
			return
		case r := <-p.requests:
			if p.stopped() {
				r.done <- result{err: ErrStopped}
				continue
			}
			r.done <- p.transfer(r)
		}
	}
}

func (p *transferProxy) transfer(r request) result {
	var n int
	var err error

	switch r.op {
	case opRead:
		n, err = p.instance.ReadAt(r.data, r.offset)
	case opWrite:
		n, err = p.instance.WriteAt(r.data, r.offset)
	}

	return result{n: n, err: err}
}
