package dht

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/corvid-net/corvid/core"
	"github.com/corvid-net/corvid/dht/wire"
	"github.com/corvid-net/corvid/log"
)

type taskState int

const (
	taskInitial taskState = iota
	taskQueued
	taskRunning
	taskFinished
	taskCanceled
)

func (s taskState) String() string {
	switch s {
	case taskInitial:
		return "initial"
	case taskQueued:
		return "queued"
	case taskRunning:
		return "running"
	case taskFinished:
		return "finished"
	case taskCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// task is one unit of multi-RPC work: an iterative lookup, an announce, a
// bucket refresh. Tasks run on the node loop, stepped by the task manager.
type task interface {
	taskId() int
	name() string
	setName(string)
	state() taskState
	addListener(func(task))

	start()
	cancel()
	isFinished() bool
}

// baseTask carries the bookkeeping every task shares; concrete tasks embed
// it and provide update/callback behavior through the hooks.
type baseTask struct {
	dht *DHT
	id  int
	nm  string
	st  taskState

	inFlight mapset.Set[*rpcCall]

	listeners []func(task)
	nested    task

	logger log.Logger

	// hooks bound by the embedding task
	self       task
	update     func()
	onResponse func(call *rpcCall, msg *wire.Message)
	onTimeout  func(call *rpcCall)
	isDone     func() bool
}

func (t *baseTask) init(d *DHT, self task) {
	t.dht = d
	t.id = d.taskMan.nextId()
	t.inFlight = mapset.NewThreadUnsafeSet[*rpcCall]()
	t.self = self
	t.logger = d.logger.With("task", t.id)
}

func (t *baseTask) taskId() int              { return t.id }
func (t *baseTask) name() string             { return t.nm }
func (t *baseTask) setName(n string)         { t.nm = n }
func (t *baseTask) state() taskState         { return t.st }
func (t *baseTask) addListener(l func(task)) { t.listeners = append(t.listeners, l) }

func (t *baseTask) setNested(n task) { t.nested = n }

func (t *baseTask) isFinished() bool { return t.st == taskFinished || t.st == taskCanceled }

func (t *baseTask) canDoRequest() bool {
	active := 0
	for _, c := range t.inFlight.ToSlice() {
		if c.state != CallStalled {
			active++
		}
	}
	return active < MaxConcurrentTaskRequests
}

func (t *baseTask) start() {
	if t.st != taskInitial && t.st != taskQueued {
		return
	}
	t.st = taskRunning
	t.logger.Debug("Task started", "name", t.nm)
	t.step()
}

func (t *baseTask) cancel() {
	if t.isFinished() {
		return
	}
	t.st = taskCanceled
	for _, call := range t.inFlight.ToSlice() {
		call.cancel()
	}
	t.inFlight.Clear()
	if t.nested != nil {
		t.nested.cancel()
	}
	t.logger.Debug("Task canceled", "name", t.nm)
	t.notifyCompletion()
}

// step issues work while the concurrency budget allows, then checks for
// completion.
func (t *baseTask) step() {
	if t.st != taskRunning {
		return
	}
	if t.update != nil {
		t.update()
	}
	if t.inFlight.Cardinality() == 0 && (t.isDone == nil || t.isDone()) {
		t.finish()
	}
}

func (t *baseTask) finish() {
	if t.isFinished() {
		return
	}
	t.st = taskFinished
	t.logger.Debug("Task finished", "name", t.nm)
	t.notifyCompletion()
}

func (t *baseTask) notifyCompletion() {
	for _, l := range t.listeners {
		l(t.self)
	}
}

// sendCall issues one RPC toward the target on behalf of the task.
func (t *baseTask) sendCall(target core.NodeInfo, request *wire.Message, onSent func(*rpcCall)) bool {
	if !t.canDoRequest() {
		return false
	}
	call := newRPCCall(t.dht, target, request)
	t.inFlight.Add(call)
	call.addListener(func(c *rpcCall, prev, cur CallState) {
		switch cur {
		case CallSent:
			if onSent != nil {
				onSent(c)
			}
		case CallResponded:
			t.inFlight.Remove(c)
			if t.st == taskRunning && t.onResponse != nil {
				t.onResponse(c, c.response)
			}
			t.step()
		case CallErr:
			t.inFlight.Remove(c)
			t.logger.Debug("Call failed with remote error", "target", c.targetId())
			t.step()
		case CallTimeout:
			t.inFlight.Remove(c)
			if t.st == taskRunning && t.onTimeout != nil {
				t.onTimeout(c)
			}
			t.step()
		case CallCanceled:
			t.inFlight.Remove(c)
			t.step()
		case CallStalled:
			// frees a concurrency slot early; the call may still respond
			t.step()
		}
	})
	t.dht.server.sendCall(call)
	return true
}

func (t *baseTask) String() string {
	return fmt.Sprintf("#%d %s [%s]", t.id, t.nm, t.st)
}

// taskManager queues tasks and bounds how many run at once.
type taskManager struct {
	dht      *DHT
	lastId   int
	queued   []task
	running  map[int]task
	canceled bool
}

func newTaskManager(d *DHT) *taskManager {
	return &taskManager{dht: d, running: make(map[int]task)}
}

func (tm *taskManager) nextId() int {
	tm.lastId++
	return tm.lastId
}

// add enqueues a task and promotes it immediately when capacity allows.
func (tm *taskManager) add(t task) {
	if tm.canceled {
		t.cancel()
		return
	}
	t.addListener(func(done task) {
		delete(tm.running, done.taskId())
		tm.dequeue()
	})
	tm.queued = append(tm.queued, t)
	tm.dequeue()
}

// dequeue promotes queued tasks while the running set has room.
func (tm *taskManager) dequeue() {
	for len(tm.queued) > 0 && len(tm.running) < MaxActiveTasks {
		next := tm.queued[0]
		tm.queued = tm.queued[1:]
		if next.isFinished() {
			continue
		}
		tm.running[next.taskId()] = next
		next.start()
	}
}

func (tm *taskManager) cancelAll() {
	tm.canceled = true
	for _, t := range tm.queued {
		t.cancel()
	}
	tm.queued = nil
	for _, t := range tm.running {
		t.cancel()
	}
}
