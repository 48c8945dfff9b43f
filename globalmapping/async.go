package globalmapping

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	goutils "go.viam.com/utils"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"go.viam.com/globalmap/events"
	"go.viam.com/globalmap/logging"
	"go.viam.com/globalmap/pointcloud"
	"go.viam.com/globalmap/utils"
	"go.viam.com/globalmap/utils/queue"
)

const highWaterLogInterval = 10 * time.Second

// State is the lifecycle state of an AsyncMapper.
type State int32

// The AsyncMapper states.
const (
	StateRunning State = iota
	// StateDraining means end of sequence was signaled and queued items are still being applied.
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Option configures an AsyncMapper.
type Option func(*AsyncMapper)

// WithClock sets the clock measuring the idle optimize interval.
func WithClock(c clock.Clock) Option {
	return func(m *AsyncMapper) {
		m.clock = c
	}
}

// WithRegisterer registers the mapper metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *AsyncMapper) {
		m.registerer = reg
	}
}

// AsyncMapper feeds a Mapper from a single background goroutine. Producers push into lock free
// queues and never block; the loop drains the queues, applies images, then IMU samples, then
// submaps, and optimizes when asked through the hub or after an idle interval.
type AsyncMapper struct {
	mapper     Mapper
	cfg        AsyncConfig
	logger     logging.Logger
	clock      clock.Clock
	registerer prometheus.Registerer
	metrics    *metrics

	images  *queue.Queue[imageItem]
	imus    *queue.Queue[imuItem]
	submaps *queue.Queue[*Submap]

	// engineMu is held by the loop while it touches the mapper and by Save and ExportPoints.
	engineMu sync.Mutex
	// exclusive serializes Save and ExportPoints callers.
	exclusive *semaphore.Weighted

	saving            atomic.Bool
	killSwitch        atomic.Bool
	endOfSequence     atomic.Bool
	requestToOptimize atomic.Bool
	state             atomic.Int32

	highWaterLog rate.Sometimes

	unsubscribe func()
	workers     utils.StoppableWorkers
	closeOnce   sync.Once
}

// NewAsyncMapper starts the background loop over mapper. The hub may be nil.
func NewAsyncMapper(
	mapper Mapper,
	hub *events.Hub,
	cfg AsyncConfig,
	logger logging.Logger,
	opts ...Option,
) (*AsyncMapper, error) {
	m := &AsyncMapper{
		mapper:       mapper,
		cfg:          cfg,
		logger:       logger,
		clock:        clock.New(),
		images:       queue.New[imageItem](),
		imus:         queue.New[imuItem](),
		submaps:      queue.New[*Submap](),
		exclusive:    semaphore.NewWeighted(1),
		unsubscribe:  func() {},
		highWaterLog: rate.Sometimes{First: 1, Interval: highWaterLogInterval},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg.PollInterval <= 0 {
		m.cfg.PollInterval = DefaultAsyncConfig().PollInterval
	}
	var err error
	if m.metrics, err = newMetrics(m.registerer); err != nil {
		return nil, err
	}

	m.state.Store(int32(StateRunning))
	if hub != nil {
		m.unsubscribe = hub.OnRequestOptimize(func() {
			m.requestToOptimize.Store(true)
		})
	}
	m.workers = utils.NewStoppableWorkers(m.run)
	return m, nil
}

// InsertImage queues a camera frame.
func (m *AsyncMapper) InsertImage(stamp float64, img image.Image) error {
	if m.stopped() {
		return ErrClosed
	}
	m.images.Push(imageItem{stamp: stamp, img: img})
	return nil
}

// InsertIMU queues an IMU sample.
func (m *AsyncMapper) InsertIMU(stamp float64, acc, gyro r3.Vector) error {
	if m.stopped() {
		return ErrClosed
	}
	m.imus.Push(newIMUItem(stamp, acc, gyro))
	return nil
}

// InsertSubmap queues a submap. A nil submap is accepted here and skipped by the loop.
func (m *AsyncMapper) InsertSubmap(submap *Submap) error {
	if m.stopped() {
		return ErrClosed
	}
	m.submaps.Push(submap)
	return nil
}

// InputQueueSize returns the number of submaps waiting to be applied.
func (m *AsyncMapper) InputQueueSize() int {
	return m.submaps.Len()
}

// OutputQueueSize is always zero; results are read through ExportPoints.
func (m *AsyncMapper) OutputQueueSize() int {
	return 0
}

// State returns the lifecycle state.
func (m *AsyncMapper) State() State {
	return State(m.state.Load())
}

func (m *AsyncMapper) stopped() bool {
	return m.killSwitch.Load() || m.State() == StateStopped
}

func (m *AsyncMapper) pending() int {
	return m.images.Len() + m.imus.Len() + m.submaps.Len()
}

// Join signals end of sequence and blocks until every queued item has been applied and the loop
// has stopped.
func (m *AsyncMapper) Join() {
	m.endOfSequence.Store(true)
	if m.pending() > 0 {
		m.state.CompareAndSwap(int32(StateRunning), int32(StateDraining))
	}
	m.workers.Wait()
}

// Close stops the loop immediately. Items still queued are discarded.
func (m *AsyncMapper) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.killSwitch.Store(true)
		m.workers.Stop()
		m.unsubscribe()
		discarded := len(m.images.DrainAll()) + len(m.imus.DrainAll()) + len(m.submaps.DrainAll())
		if discarded > 0 {
			m.logger.Warnw("discarding unprocessed items", "count", discarded)
			m.metrics.discarded.Add(float64(discarded))
		}
		m.state.Store(int32(StateStopped))
	})
	return nil
}

// Save writes the map to path. The loop is paused for the duration of the call. A call made while
// another Save or ExportPoints is running blocks until that one returns or ctx is done.
func (m *AsyncMapper) Save(ctx context.Context, path string) error {
	return m.withEngine(ctx, func(ctx context.Context) error {
		return m.mapper.Save(ctx, path)
	})
}

// ExportPoints returns the global point cloud. The loop is paused for the duration of the call,
// so the result reflects a single optimization state. Concurrent calls are serialized with Save.
func (m *AsyncMapper) ExportPoints(ctx context.Context) (pointcloud.Cloud, error) {
	var points pointcloud.Cloud
	err := m.withEngine(ctx, func(ctx context.Context) error {
		var err error
		points, err = m.mapper.ExportPoints(ctx)
		return err
	})
	return points, err
}

// withEngine waits for its turn, raises the saving flag, lets the loop settle and runs fn with
// exclusive access to the mapper.
func (m *AsyncMapper) withEngine(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := m.exclusive.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.exclusive.Release(1)
	m.saving.Store(true)
	defer m.saving.Store(false)

	if m.cfg.SaveSettleDelay > 0 && !goutils.SelectContextOrWait(ctx, m.cfg.SaveSettleDelay) {
		return ctx.Err()
	}
	m.engineMu.Lock()
	defer m.engineMu.Unlock()
	return fn(ctx)
}

func (m *AsyncMapper) run(ctx context.Context) {
	defer func() {
		m.unsubscribe()
		m.state.Store(int32(StateStopped))
		m.logger.Debug("global mapping loop stopped")
	}()

	lastOptimize := m.clock.Now()
	for {
		if ctx.Err() != nil || m.killSwitch.Load() {
			return
		}
		if m.saving.Load() {
			goutils.SelectContextOrWait(ctx, m.cfg.PollInterval)
			continue
		}
		worked, stop := m.poll(ctx, &lastOptimize)
		if stop {
			return
		}
		if !worked {
			goutils.SelectContextOrWait(ctx, m.cfg.PollInterval)
		}
	}
}

// poll runs one iteration of the loop. It reports whether it did any work and whether the loop
// should stop.
func (m *AsyncMapper) poll(ctx context.Context, lastOptimize *time.Time) (bool, bool) {
	m.engineMu.Lock()
	defer m.engineMu.Unlock()
	if m.saving.Load() {
		return false, false
	}

	images := m.images.DrainAll()
	imus := m.imus.DrainAll()
	submaps := m.submaps.DrainAll()
	m.observeDepth(kindImage, len(images))
	m.observeDepth(kindIMU, len(imus))
	m.observeDepth(kindSubmap, len(submaps))

	if len(images) == 0 && len(imus) == 0 && len(submaps) == 0 {
		if m.endOfSequence.Load() {
			return false, true
		}
		if m.requestToOptimize.Swap(false) || m.clock.Since(*lastOptimize) > m.cfg.OptimizeInterval {
			m.optimize(ctx)
			*lastOptimize = m.clock.Now()
			return true, false
		}
		return false, false
	}

	if m.endOfSequence.Load() {
		m.state.CompareAndSwap(int32(StateRunning), int32(StateDraining))
	}
	for _, item := range images {
		item := item
		m.apply(kindImage, func() error {
			return m.mapper.InsertImage(ctx, item.stamp, item.img)
		})
	}
	for _, item := range imus {
		stamp, acc, gyro := item.decode()
		m.apply(kindIMU, func() error {
			return m.mapper.InsertIMU(ctx, stamp, acc, gyro)
		})
	}
	for _, submap := range submaps {
		submap := submap
		m.apply(kindSubmap, func() error {
			return m.mapper.InsertSubmap(ctx, submap)
		})
	}
	*lastOptimize = m.clock.Now()
	return true, false
}

func (m *AsyncMapper) observeDepth(kind string, depth int) {
	m.metrics.queueDepth.WithLabelValues(kind).Set(float64(depth))
	if m.cfg.QueueHighWaterMark > 0 && depth > m.cfg.QueueHighWaterMark {
		m.highWaterLog.Do(func() {
			m.logger.Warnw("ingestion queue above high water mark",
				"kind", kind, "depth", depth, "high_water_mark", m.cfg.QueueHighWaterMark)
		})
	}
}

// apply runs fn, logging and counting a failure or panic instead of propagating it.
func (m *AsyncMapper) apply(kind string, fn func() error) {
	if err := callSafely(fn); err != nil {
		m.logger.Warnw("skipping faulty item", "kind", kind, "error", err)
		m.metrics.skipped.WithLabelValues(kind).Inc()
		return
	}
	m.metrics.applied.WithLabelValues(kind).Inc()
}

func (m *AsyncMapper) optimize(ctx context.Context) {
	start := time.Now()
	if err := callSafely(func() error { return m.mapper.Optimize(ctx) }); err != nil {
		m.logger.Errorw("optimization failed", "error", err)
		return
	}
	m.metrics.optimizations.Inc()
	m.metrics.optimizeDuration.Observe(time.Since(start).Seconds())
}

func callSafely(fn func() error) (err error) {
	defer func() {
		if thePanic := recover(); thePanic != nil {
			err = utils.NewPanicError(thePanic)
		}
	}()
	return fn()
}
