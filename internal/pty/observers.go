package pty

import "sync"

// observers fans process events out to ordered subscriber lists.
// dispatch serializes every delivery so no data can follow the exit
// notification and held output is replayed before live output.
type observers struct {
	dispatch sync.Mutex

	mu     sync.Mutex
	data   []func([]byte)
	exit   []func(int)
	held   [][]byte
	exited bool
	code   int
}

func (o *observers) addData(fn func([]byte)) {
	o.dispatch.Lock()
	defer o.dispatch.Unlock()

	o.mu.Lock()
	o.data = append(o.data, fn)
	held := o.held
	o.held = nil
	o.mu.Unlock()

	for _, p := range held {
		fn(p)
	}
}

func (o *observers) addExit(fn func(int)) {
	o.mu.Lock()
	if o.exited {
		code := o.code
		o.mu.Unlock()
		fn(code)
		return
	}
	o.exit = append(o.exit, fn)
	o.mu.Unlock()
}

func (o *observers) emitData(p []byte) {
	o.dispatch.Lock()
	defer o.dispatch.Unlock()

	o.mu.Lock()
	if o.exited {
		o.mu.Unlock()
		return
	}
	subs := o.data
	if len(subs) == 0 {
		o.held = append(o.held, append([]byte(nil), p...))
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	for _, fn := range subs {
		fn(p)
	}
}

// emitExit delivers the exit code once. Later calls are ignored. Held
// output survives so a process that exits before anyone subscribes still
// has its output replayed to the first data subscriber.
func (o *observers) emitExit(code int) {
	o.dispatch.Lock()
	defer o.dispatch.Unlock()

	o.mu.Lock()
	if o.exited {
		o.mu.Unlock()
		return
	}
	o.exited = true
	o.code = code
	subs := o.exit
	o.exit = nil
	o.mu.Unlock()

	for _, fn := range subs {
		fn(code)
	}
}
