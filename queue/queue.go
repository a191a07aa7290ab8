// queue/queue.go
package queue

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/wfunc/dicematch/catalog"
	"github.com/wfunc/dicematch/logger"
	"github.com/wfunc/dicematch/matching"
)

type Kind int

const (
	TaskModeSwitch Kind = iota
	TaskCreateRoom
	TaskJoinRoom
	TaskStartMatching
)

var kindNames = map[Kind]string{
	TaskModeSwitch:    "mode_switch",
	TaskCreateRoom:    "create_room",
	TaskJoinRoom:      "join_room",
	TaskStartMatching: "start_matching",
}

func (k Kind) String() string {
	if name, exists := kindNames[k]; exists {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Params is the parameter bag of one task; only the fields relevant to
// the kind are read.
type Params struct {
	ModeID     string
	MaxPlayers int
	Private    bool
	RoomCode   string
	Ranked     bool
}

// Callback reports the task's final outcome: nil on success or user
// cancel, a taxonomy error otherwise.
type Callback func(err error)

type Task struct {
	ID        string
	Kind      Kind
	Params    Params
	CreatedAt time.Time
	Callback  Callback
}

var (
	ErrNotRunning = errors.New("task queue not running")
	ErrQueueFull  = errors.New("task queue full")
)

// MetricsHook receives task lifecycle observations. The monitor
// package implements it; a nil hook is valid.
type MetricsHook interface {
	TaskStarted(kind string)
	TaskFinished(kind string, duration time.Duration, err error)
	QueueDepth(depth int)
}

// Orchestrator serializes every mode switch, room operation and
// matching request through a single worker loop, so no two tasks'
// state-mutating sections ever overlap. The in-flight guard marks the
// span from dequeue to settlement; it is cleared exactly once per task
// on every exit path, panics included.
type Orchestrator struct {
	machine       *matching.Machine
	catalog       *catalog.Catalog
	roomOpTimeout time.Duration
	metrics       MetricsHook

	tasks    chan *Task
	inFlight atomic.Bool
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	mutex    sync.Mutex
}

// NewOrchestrator creates a stopped orchestrator. roomOpTimeout bounds
// room create/join tasks; zero picks 5 seconds. Matching tasks use the
// mode's own timeout.
func NewOrchestrator(machine *matching.Machine, cat *catalog.Catalog,
	roomOpTimeout time.Duration, metrics MetricsHook) *Orchestrator {
	if roomOpTimeout <= 0 {
		roomOpTimeout = 5 * time.Second
	}
	return &Orchestrator{
		machine:       machine,
		catalog:       cat,
		roomOpTimeout: roomOpTimeout,
		metrics:       metrics,
		tasks:         make(chan *Task, 64),
	}
}

// Start launches the worker loop. Enqueue is rejected until Start has
// run, so nothing executes during initialization.
func (o *Orchestrator) Start() {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if o.running {
		return
	}
	o.running = true
	o.stopChan = make(chan struct{})
	o.wg.Add(1)
	go o.worker()
}

// Stop halts the worker after the current task settles. Queued tasks
// that never ran complete with ErrNotRunning.
func (o *Orchestrator) Stop() {
	o.mutex.Lock()
	if !o.running {
		o.mutex.Unlock()
		return
	}
	o.running = false
	close(o.stopChan)
	o.mutex.Unlock()

	o.wg.Wait()

	for {
		select {
		case task := <-o.tasks:
			if task.Callback != nil {
				task.Callback(ErrNotRunning)
			}
		default:
			return
		}
	}
}

// Enqueue appends a task. Safe from any goroutine.
func (o *Orchestrator) Enqueue(kind Kind, params Params, callback Callback) (string, error) {
	task := &Task{
		ID:        uuid.New().String(),
		Kind:      kind,
		Params:    params,
		CreatedAt: time.Now(),
		Callback:  callback,
	}

	// The send happens under the same lock Stop takes to flip running,
	// so every accepted task is in the channel before Stop's drain and
	// no callback is ever stranded.
	o.mutex.Lock()
	if !o.running {
		o.mutex.Unlock()
		return "", ErrNotRunning
	}
	select {
	case o.tasks <- task:
	default:
		o.mutex.Unlock()
		return "", ErrQueueFull
	}
	depth := len(o.tasks)
	o.mutex.Unlock()

	if o.metrics != nil {
		o.metrics.QueueDepth(depth)
	}
	return task.ID, nil
}

// InFlight reports whether a task is currently between dequeue and
// settlement.
func (o *Orchestrator) InFlight() bool {
	return o.inFlight.Load()
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()

	for {
		// Stop wins over queued work: when both channels are ready after
		// the current task settles, a plain select picks at random and a
		// queued task could still run after shutdown was requested.
		select {
		case <-o.stopChan:
			return
		default:
		}

		select {
		case <-o.stopChan:
			return
		case task := <-o.tasks:
			o.runTask(task)
			if o.metrics != nil {
				o.metrics.QueueDepth(len(o.tasks))
			}
		}
	}
}

func (o *Orchestrator) runTask(task *Task) {
	started := time.Now()
	o.inFlight.Store(true)
	if o.metrics != nil {
		o.metrics.TaskStarted(task.Kind.String())
	}

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
			logger.Log.Errorf("%v", err)
		}
		o.inFlight.Store(false)
		if task.Callback != nil {
			task.Callback(err)
		}
		if o.metrics != nil {
			o.metrics.TaskFinished(task.Kind.String(), time.Since(started), err)
		}
	}()

	err = o.execute(task)
}

func (o *Orchestrator) execute(task *Task) error {
	// Mode switches are synchronous, no lobby round trip to wait on.
	if task.Kind == TaskModeSwitch {
		return o.machine.SelectMode(task.Params.ModeID)
	}

	// Watch state changes before invoking the operation, so a fast
	// settlement cannot slip past the wait loop.
	stateCh := make(chan matching.State, 16)
	unsubscribe := o.machine.Subscribe(func(e matching.Event) {
		if e.Kind != matching.EventStateChanged {
			return
		}
		select {
		case stateCh <- e.State:
		default:
		}
	})
	defer unsubscribe()

	var err error
	switch task.Kind {
	case TaskStartMatching:
		if task.Params.Ranked {
			err = o.machine.StartRankedMatch(task.Params.ModeID)
		} else {
			err = o.machine.StartQuickMatch(task.Params.ModeID)
		}
	case TaskCreateRoom:
		err = o.machine.CreateRoom(task.Params.ModeID, task.Params.MaxPlayers, task.Params.Private)
	case TaskJoinRoom:
		err = o.machine.JoinRoom(task.Params.RoomCode)
	default:
		return fmt.Errorf("unknown task kind %d", task.Kind)
	}
	if err != nil {
		// Synchronous rejection, the session never left Idle.
		return err
	}

	return o.await(task, stateCh)
}

// await blocks until the attempt settles or its budget expires.
func (o *Orchestrator) await(task *Task, stateCh <-chan matching.State) error {
	deadline := time.NewTimer(o.timeoutFor(task))
	defer deadline.Stop()

	for {
		select {
		case state := <-stateCh:
			switch state {
			case matching.StateReady:
				return nil
			case matching.StateIdle:
				// User cancel settled the attempt.
				return nil
			case matching.StateFailed:
				if err := o.machine.LastErr(); err != nil {
					return err
				}
				return matching.ErrNetwork
			}
		case <-deadline.C:
			o.machine.HandleTimeout()
			return matching.ErrTimeout
		case <-o.stopChan:
			return ErrNotRunning
		}
	}
}

func (o *Orchestrator) timeoutFor(task *Task) time.Duration {
	if task.Kind == TaskStartMatching {
		if cfg, err := o.catalog.ConfigFor(task.Params.ModeID); err == nil && cfg.Timeout > 0 {
			return cfg.Timeout
		}
	}
	return o.roomOpTimeout
}
