package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/internal/element"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/internal/metrics"
	"github.com/google/uuid"
)

var (
	ErrNameRegistered    = errors.New("element name already registered")
	ErrNameNotRegistered = errors.New("element name not registered")
	ErrRoleMismatch      = errors.New("element roles cannot be linked")
	ErrNotReset          = errors.New("pipeline not stopped and reset")
	ErrTerminated        = errors.New("pipeline terminated")
	ErrNotLinked         = errors.New("pipeline not linked")
	ErrRunning           = errors.New("pipeline is running")
)

// Whether err is a rejected control call, one the caller must fix before
// retrying, as opposed to a failure of the audio or network path.
func IsConfigurationConflict(err error) bool {
	return errors.Is(err, ErrNameRegistered) ||
		errors.Is(err, ErrNameNotRegistered) ||
		errors.Is(err, ErrRoleMismatch) ||
		errors.Is(err, ErrNotReset) ||
		errors.Is(err, ErrNotLinked) ||
		errors.Is(err, ErrRunning)
}

// Called once per session when every element of a graph has exited without
// Stop being called. err is the first element failure, or nil when the
// stream simply ended.
type CompletionListener func(graph string, err error)

type graphState int

const (
	// Stopped and reset, may Run
	stateReady graphState = iota
	stateRunning
	// Every element has exited, buffers and elements still hold the last session
	stateStopped
	stateTerminated
)

// A linear chain of elements joined by RingBuffers, controlled as one unit.
//
// Elements are registered under a name and then linked in order. The first
// element of the chain must be a source and the last a sink. Run starts the
// elements in link order and a session lasts until every element has exited,
// either because Stop aborted the buffers or because the stream ended or
// failed. A graph must be reset (buffers, then elements) before it may run
// again.
type Graph struct {
	logger  *slog.Logger
	uuid    uuid.UUID
	name    string
	metrics *metrics.Metrics

	mu       sync.Mutex
	elements map[string]element.Element
	order    []string
	linked   []string
	state    graphState

	buffersReset  bool
	elementsReset bool

	completionListener CompletionListener

	// Current session
	session       uuid.UUID
	sessionStart  time.Time
	remaining     int
	failure       error
	stopRequested bool
	sessionDone   chan struct{}
}

func NewGraph(name string, logger *slog.Logger, metrics *metrics.Metrics) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	uuid := uuid.New()
	return &Graph{
		logger: logger.With(
			"pipeline uuid", uuid,
			"pipeline", name,
		),
		uuid:          uuid,
		name:          name,
		metrics:       metrics,
		elements:      make(map[string]element.Element),
		state:         stateReady,
		buffersReset:  true,
		elementsReset: true,
	}
}

func (g *Graph) Name() string {
	return g.name
}

func (g *Graph) OnCompletion(listener CompletionListener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.completionListener = listener
}

// The named element, or nil.
func (g *Graph) Element(name string) element.Element {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.elements[name]
}

func (g *Graph) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == stateRunning
}

// The lifecycle status of the least advanced linked element.
func (g *Graph) Status() element.Status {
	g.mu.Lock()
	elements := g.linkedElementsLocked()
	g.mu.Unlock()

	status := element.StatusStopped
	for _, e := range elements {
		status = min(status, e.Status())
	}
	return status
}

func (g *Graph) linkedElementsLocked() []element.Element {
	elements := make([]element.Element, 0, len(g.linked))
	for _, name := range g.linked {
		elements = append(elements, g.elements[name])
	}
	return elements
}

// --------------------------------------------------------------------------------
// Membership

func (g *Graph) Register(name string, e element.Element) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == stateTerminated {
		return ErrTerminated
	}
	if g.state == stateRunning {
		return fmt.Errorf("register %q: %w", name, ErrRunning)
	}
	if _, ok := g.elements[name]; ok {
		return fmt.Errorf("register %q: %w", name, ErrNameRegistered)
	}
	g.elements[name] = e
	g.order = append(g.order, name)
	g.logger.Debug(
		"registered element",
		"name", name,
		"role", e.Role().String(),
	)
	return nil
}

// Remove the named element from the graph. The element is not closed. A
// linked chain containing it must be linked again before the next Run.
func (g *Graph) Unregister(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == stateTerminated {
		return ErrTerminated
	}
	if g.state == stateRunning {
		return fmt.Errorf("unregister %q: %w", name, ErrRunning)
	}
	if _, ok := g.elements[name]; !ok {
		return fmt.Errorf("unregister %q: %w", name, ErrNameNotRegistered)
	}
	delete(g.elements, name)
	g.order = slices.DeleteFunc(g.order, func(n string) bool { return n == name })
	if slices.Contains(g.linked, name) {
		g.linked = nil
	}
	g.logger.Debug("unregistered element", "name", name)
	return nil
}

// Join the named elements into a chain, each element's output feeding the
// next element's input. The whole chain is validated before any element is
// touched.
func (g *Graph) Link(names ...string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == stateTerminated {
		return ErrTerminated
	}
	if g.state == stateRunning {
		return fmt.Errorf("link: %w", ErrRunning)
	}
	if len(names) == 0 {
		return fmt.Errorf("link: empty chain: %w", ErrNotLinked)
	}

	chain := make([]element.Element, len(names))
	for i, name := range names {
		e, ok := g.elements[name]
		if !ok {
			return fmt.Errorf("link %q: %w", name, ErrNameNotRegistered)
		}
		if slices.Contains(names[:i], name) {
			return fmt.Errorf("link %q twice: %w", name, ErrRoleMismatch)
		}
		chain[i] = e
	}

	head, tail := chain[0], chain[len(chain)-1]
	if head.Role().HasInput() {
		return fmt.Errorf("chain starts with %s %q: %w", head.Role(), names[0], ErrRoleMismatch)
	}
	if tail.Role().HasOutput() {
		return fmt.Errorf("chain ends with %s %q: %w", tail.Role(), names[len(names)-1], ErrRoleMismatch)
	}
	for i := 1; i < len(chain); i++ {
		producer, consumer := chain[i-1], chain[i]
		if !producer.Role().HasOutput() || !consumer.Role().HasInput() {
			return fmt.Errorf(
				"%s %q -> %s %q: %w",
				producer.Role(), names[i-1],
				consumer.Role(), names[i],
				ErrRoleMismatch,
			)
		}
	}

	for i := 1; i < len(chain); i++ {
		if err := chain[i].SetInput(chain[i-1].Output()); err != nil {
			return fmt.Errorf("link %q: %w", names[i], err)
		}
	}
	g.linked = slices.Clone(names)
	g.logger.Debug("linked pipeline", "chain", names)
	return nil
}

// --------------------------------------------------------------------------------
// Lifecycle

// Start every linked element in link order.
//
// Run is rejected unless the graph is stopped and reset. If an element
// fails to start, the elements already started are stopped and the graph
// must be reset before the next Run.
func (g *Graph) Run() error {
	g.mu.Lock()
	switch {
	case g.state == stateTerminated:
		g.mu.Unlock()
		return ErrTerminated
	case len(g.linked) == 0:
		g.mu.Unlock()
		return ErrNotLinked
	case g.state != stateReady || !g.buffersReset || !g.elementsReset:
		g.mu.Unlock()
		return fmt.Errorf("run %s: %w", g.name, ErrNotReset)
	}

	elements := g.linkedElementsLocked()
	session := uuid.New()
	g.session = session
	g.sessionStart = time.Now()
	g.remaining = len(elements)
	g.failure = nil
	g.stopRequested = false
	g.sessionDone = make(chan struct{})
	g.buffersReset = false
	g.elementsReset = false
	g.state = stateRunning
	for _, e := range elements {
		e.OnExit(func(e element.Element, err error) {
			g.onElementExit(session, e, err)
		})
	}
	g.mu.Unlock()

	g.logger.Info("running pipeline", "session", session)
	g.metrics.IncPipelineRun(g.name)

	for i, e := range elements {
		if err := e.Start(); err != nil {
			g.logger.Error(
				"could not start element",
				"role", e.Role().String(),
				"err", err,
			)
			g.abortStart(elements[i:])
			return fmt.Errorf("start %s: %w", e.Role(), err)
		}
	}
	return nil
}

// Unwind a Run that failed part way. notStarted never had a worker, so they
// are accounted as exited here.
func (g *Graph) abortStart(notStarted []element.Element) {
	g.mu.Lock()
	g.stopRequested = true
	g.mu.Unlock()

	for _, e := range notStarted {
		e.Stop()
	}
	g.Stop()
	for range notStarted {
		g.onElementExit(g.currentSession(), nil, nil)
	}
	g.WaitForStop()
}

func (g *Graph) currentSession() uuid.UUID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.session
}

func (g *Graph) onElementExit(session uuid.UUID, e element.Element, err error) {
	g.mu.Lock()
	if session != g.session || g.state != stateRunning {
		g.mu.Unlock()
		return
	}
	g.remaining--
	if err != nil && g.failure == nil {
		g.failure = err
		g.logger.Error(
			"element failed, aborting pipeline",
			"role", e.Role().String(),
			"err", err,
		)
		for _, other := range g.linkedElementsLocked() {
			abortBuffers(other)
		}
	}
	if g.remaining > 0 {
		g.mu.Unlock()
		return
	}

	g.state = stateStopped
	close(g.sessionDone)
	failure := g.failure
	notify := !g.stopRequested
	listener := g.completionListener
	elapsed := time.Since(g.sessionStart)
	g.mu.Unlock()

	g.metrics.ObservePipelineDuration(g.name, elapsed.Seconds())
	if failure != nil {
		g.metrics.IncPipelineFailure(g.name)
	}
	g.logger.Info(
		"pipeline stopped",
		"session", session,
		"elapsed", elapsed,
		"stopRequested", !notify,
		"err", failure,
	)
	if notify && listener != nil {
		listener(g.name, failure)
	}
}

func abortBuffers(e element.Element) {
	if in := e.Input(); in != nil {
		in.Abort()
	}
	if out := e.Output(); out != nil {
		out.Abort()
	}
}

// Signal every element to stop. Returns without waiting; see WaitForStop.
//
// Every element is flagged as stopping before any buffer is aborted, so an
// upload in flight sees the abort as the end of its stream.
func (g *Graph) Stop() {
	g.mu.Lock()
	if g.state != stateRunning {
		g.mu.Unlock()
		return
	}
	g.stopRequested = true
	elements := g.linkedElementsLocked()
	g.mu.Unlock()

	g.logger.Debug("stopping pipeline")
	for _, e := range elements {
		e.RequestStop()
	}
	for _, e := range elements {
		e.Stop()
	}
}

// Block until every element of the current session has exited.
func (g *Graph) WaitForStop() {
	g.mu.Lock()
	done := g.sessionDone
	elements := g.linkedElementsLocked()
	g.mu.Unlock()

	for _, e := range elements {
		e.WaitStopped()
	}
	if done != nil {
		<-done
	}
}

// Drop buffered data. Only valid once the graph has stopped.
func (g *Graph) ResetRingbuffers() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == stateTerminated {
		return ErrTerminated
	}
	if g.state == stateRunning {
		return fmt.Errorf("reset buffers: %w", ErrRunning)
	}
	for _, e := range g.linkedElementsLocked() {
		if out := e.Output(); out != nil {
			out.Reset()
		}
	}
	g.buffersReset = true
	g.updateReadyLocked()
	return nil
}

// Re-arm every element for the next Run.
func (g *Graph) ResetElements() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == stateTerminated {
		return ErrTerminated
	}
	if g.state == stateRunning {
		return fmt.Errorf("reset elements: %w", ErrRunning)
	}
	var errs []error
	for _, e := range g.linkedElementsLocked() {
		if err := e.Reset(); err != nil {
			errs = append(errs, fmt.Errorf("reset %s: %w", e.Role(), err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	g.elementsReset = true
	g.updateReadyLocked()
	return nil
}

func (g *Graph) updateReadyLocked() {
	if g.state == stateStopped && g.buffersReset && g.elementsReset {
		g.state = stateReady
	}
}

// Stop, wait, reset buffers, reset elements. Leaves the graph ready to Run.
func (g *Graph) StopAndDrain() error {
	g.Stop()
	g.WaitForStop()
	return errors.Join(
		g.ResetRingbuffers(),
		g.ResetElements(),
	)
}

// Stop the graph and release everything its elements hold. The graph cannot
// be used afterwards. Safe to call more than once.
func (g *Graph) Terminate() error {
	g.mu.Lock()
	if g.state == stateTerminated {
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	g.Stop()
	g.WaitForStop()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == stateTerminated {
		return nil
	}
	var errs []error
	for _, name := range g.order {
		if err := g.elements[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %q: %w", name, err))
		}
	}
	g.state = stateTerminated
	g.completionListener = nil
	g.logger.Info("pipeline terminated")
	return errors.Join(errs...)
}
