package linker

import (
	"context"
	"errors"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/orneryd/icarus/pkg/storage"
)

// ErrAlreadyRunning is returned by Start on a manager that is running.
var ErrAlreadyRunning = errors.New("linker already running")

// lifecycle is the state of one Start/Stop cycle.
type lifecycle struct {
	cancel      context.CancelFunc
	cron        *cron.Cron
	unsubscribe func()
	wg          sync.WaitGroup
}

// Start begins background linking.
//
// The tracked map is cleared, a full pass is scheduled every Interval, and
// (when Reactive is set) store events trigger incremental passes. The
// context bounds every background pass; cancelling it has the same effect
// on passes as Stop but leaves the manager marked running until Stop.
//
// Example:
//
//	manager := linker.New(engine, nil)
//	if err := manager.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer manager.Stop()
func (m *Manager) Start(ctx context.Context) error {
	if err := m.config.Validate(); err != nil {
		return err
	}

	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if m.life != nil {
		return ErrAlreadyRunning
	}

	m.mu.Lock()
	m.tracked = make(map[storage.PairKey]storage.EdgeID)
	m.mu.Unlock()
	m.takeDirty()

	ctx, cancel := context.WithCancel(ctx)
	life := &lifecycle{cancel: cancel}

	life.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{m.logger})))
	schedule := "@every " + m.config.Interval.String()
	if _, err := life.cron.AddFunc(schedule, func() { m.runScheduled(ctx) }); err != nil {
		cancel()
		return err
	}

	if m.config.Reactive {
		life.unsubscribe = m.store.Subscribe(m.onEvent)
		life.wg.Add(1)
		go func() {
			defer life.wg.Done()
			m.worker(ctx)
		}()
	}

	life.cron.Start()
	m.life = life
	m.logger.Info("linker started",
		zap.Duration("interval", m.config.Interval),
		zap.Bool("reactive", m.config.Reactive))
	return nil
}

// Stop halts background linking and waits for in-flight passes to finish.
// The tracked map is cleared; the inferred edges themselves stay in the
// store. Stop on a stopped manager is a no-op.
func (m *Manager) Stop() {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	life := m.life
	if life == nil {
		return
	}

	if life.unsubscribe != nil {
		life.unsubscribe()
	}
	<-life.cron.Stop().Done()
	life.cancel()
	life.wg.Wait()

	m.mu.Lock()
	m.tracked = make(map[storage.PairKey]storage.EdgeID)
	m.mu.Unlock()
	m.takeDirty()

	m.life = nil
	m.logger.Info("linker stopped")
}

// Running reports whether Start has been called without a matching Stop.
func (m *Manager) Running() bool {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	return m.life != nil
}

func (m *Manager) runScheduled(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := m.Evaluate(ctx); err != nil && ctx.Err() == nil {
		m.logger.Warn("scheduled pass failed", zap.Error(err))
	}
}

// onEvent marks the nodes touched by a store mutation dirty. It runs on the
// mutating goroutine, possibly while a pass holds m.mu, so it must only
// touch dirty state.
func (m *Manager) onEvent(ev storage.Event) {
	switch ev.Type {
	case storage.EventNodeCreated, storage.EventNodeUpdated, storage.EventNodeDeleted:
		m.markDirty(ev.NodeID)
	case storage.EventEdgeDeleted:
		m.markDirty(ev.Nodes...)
	}
}

func (m *Manager) markDirty(ids ...storage.NodeID) {
	if len(ids) == 0 {
		return
	}

	m.dirtyMu.Lock()
	for _, id := range ids {
		m.dirty[id] = struct{}{}
	}
	m.dirtyMu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// takeDirty empties the dirty set and returns its IDs.
func (m *Manager) takeDirty() []storage.NodeID {
	m.dirtyMu.Lock()
	defer m.dirtyMu.Unlock()

	if len(m.dirty) == 0 {
		return nil
	}
	ids := make([]storage.NodeID, 0, len(m.dirty))
	for id := range m.dirty {
		ids = append(ids, id)
	}
	m.dirty = make(map[storage.NodeID]struct{})
	return ids
}

func (m *Manager) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
			ids := m.takeDirty()
			if len(ids) == 0 {
				continue
			}
			if _, err := m.EvaluateNodes(ctx, ids); err != nil && ctx.Err() == nil {
				m.logger.Warn("incremental pass failed", zap.Int("nodes", len(ids)), zap.Error(err))
			}
		}
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
