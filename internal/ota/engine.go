// Package ota is the upgrade orchestrator. An Engine owns the device
// storage and boot indicator; each upgrade attempt is a Session driven by
// exactly one backend.
package ota

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"k8s.io/klog/v2"

	"github.com/bigbag/papyrix-ota/internal/metrics"
	"github.com/bigbag/papyrix-ota/internal/partition"
	"github.com/bigbag/papyrix-ota/internal/protocol"
	"github.com/bigbag/papyrix-ota/internal/storage"
	"github.com/bigbag/papyrix-ota/internal/verify"
)

// EngineConfig wires an Engine.
type EngineConfig struct {
	Storage    *storage.Registry
	Partitions *partition.Manager
	// Verifier is consulted for boot-check partitions. Without one such
	// partitions never validate.
	Verifier verify.Verifier
	Metrics  *metrics.Metrics
}

// Engine hands out sessions and admits one attached backend at a time.
type Engine struct {
	storage  *storage.Registry
	parts    *partition.Manager
	verifier verify.Verifier
	metrics  *metrics.Metrics

	mu    sync.Mutex
	owner *Session
}

// NewEngine returns an engine over cfg.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Storage == nil || cfg.Partitions == nil {
		return nil, errors.New("engine needs storage and partitions")
	}
	return &Engine{
		storage:  cfg.Storage,
		parts:    cfg.Partitions,
		verifier: cfg.Verifier,
		metrics:  cfg.Metrics,
	}, nil
}

// Partitions returns the partition manager.
func (e *Engine) Partitions() *partition.Manager {
	return e.parts
}

// Init allocates a session in the init state.
func (e *Engine) Init(cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var allowed map[uint8]bool
	for _, name := range []string{cfg.StorageName, cfg.StorageExt} {
		if name == "" {
			continue
		}
		dev, ok := e.storage.ByName(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown storage %q", ErrInvalidConfig, name)
		}
		if allowed == nil {
			allowed = make(map[uint8]bool)
		}
		allowed[dev.ID()] = true
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = defaultQueueSize
	}

	s := &Session{
		id:      uuid.New(),
		eng:     e,
		cfg:     cfg,
		allowed: allowed,
		events:  make(chan protocol.Event, cfg.QueueSize),
		stopped: make(chan struct{}),
	}
	s.fsm = fsm.NewFSM(
		string(StateInit),
		fsm.Events{
			{Name: "start", Src: []string{string(StateInit)}, Dst: string(StateRunning)},
			{Name: "complete", Src: []string{string(StateRunning)}, Dst: string(StateDone)},
			{Name: "fail", Src: []string{string(StateInit), string(StateRunning)}, Dst: string(StateFail)},
		},
		fsm.Callbacks{
			"enter_state": func(ev *fsm.Event) { s.enterState(State(ev.Dst), State(ev.Src)) },
		},
	)
	klog.Infof("ota[%s]: session created", s.short())
	return s, nil
}

func (e *Engine) acquire(s *Session) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.owner != nil && e.owner != s {
		return fmt.Errorf("%w: session %s", ErrBusy, e.owner.short())
	}
	e.owner = s
	return nil
}

func (e *Engine) release(s *Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.owner == s {
		e.owner = nil
	}
}
