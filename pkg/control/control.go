// Package control wires the registry, environment compiler, reconcile
// engine, event bus and transaction cannon into a single control-plane
// process: the in-memory owner of every
// environment and cannon, and the dispatch target for everything an
// agent's RPC connection sends.
package control

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/snopsgo/snops/pkg/agentstate"
	"github.com/snopsgo/snops/pkg/cannon"
	"github.com/snopsgo/snops/pkg/config"
	"github.com/snopsgo/snops/pkg/env"
	"github.com/snopsgo/snops/pkg/events"
	"github.com/snopsgo/snops/pkg/ids"
	"github.com/snopsgo/snops/pkg/reconcile"
	"github.com/snopsgo/snops/pkg/registry"
	"github.com/snopsgo/snops/pkg/store"
)

// Control owns every piece of control-plane state that survives
// across agent connections: the agent registry, the event bus, the
// reconcile engine, and the in-memory environment/storage/cannon
// tables backed by their own persisted trees.
type Control struct {
	cfg   *config.ControlConfig
	log   *slog.Logger
	store *store.Store

	Registry  *registry.Registry
	Bus       *events.Bus
	Reconcile *reconcile.Engine

	interner *ids.LabelInterner

	envTree     *store.Tree[PersistEnv]
	storageTree *store.Tree[PersistStorage]
	cannonTree  *store.Tree[cannon.PersistCannon]

	mu       sync.Mutex
	envs     map[ids.EnvID]*env.Environment
	envLocks map[ids.EnvID]*sync.Mutex
	storages map[string]env.StorageDocument
	cannons  map[ids.CannonID]*runningCannon

	tps *tpsTracker
}

// New opens the control plane's persisted trees over s, reloads every
// persisted environment, storage document and instance cannon, and
// returns a ready-to-serve Control.
func New(cfg *config.ControlConfig, s *store.Store, log *slog.Logger) (*Control, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "control")

	reg, err := registry.Open(s, log)
	if err != nil {
		return nil, fmt.Errorf("control: open registry: %w", err)
	}

	envTree, err := store.OpenTree[PersistEnv](s, "envs", 1)
	if err != nil {
		return nil, fmt.Errorf("control: open envs tree: %w", err)
	}
	storageTree, err := store.OpenTree[PersistStorage](s, "storage", 1)
	if err != nil {
		return nil, fmt.Errorf("control: open storage tree: %w", err)
	}
	cannonTree, err := store.OpenTree[cannon.PersistCannon](s, "cannons", 1)
	if err != nil {
		return nil, fmt.Errorf("control: open cannons tree: %w", err)
	}

	bus := events.NewBus()

	c := &Control{
		cfg:         cfg,
		log:         log,
		store:       s,
		Registry:    reg,
		Bus:         bus,
		interner:    ids.NewLabelInterner(),
		envTree:     envTree,
		storageTree: storageTree,
		cannonTree:  cannonTree,
		envs:        make(map[ids.EnvID]*env.Environment),
		envLocks:    make(map[ids.EnvID]*sync.Mutex),
		storages:    make(map[string]env.StorageDocument),
		cannons:     make(map[ids.CannonID]*runningCannon),
		tps:         newTPSTracker(),
	}
	c.Reconcile = reconcile.New(reg, bus, log)

	if err := storageTree.ForEach(func(key string, p PersistStorage) error {
		c.storages[key] = p.Document
		return nil
	}); err != nil {
		return nil, fmt.Errorf("control: reload storage: %w", err)
	}

	resumed := make(map[ids.CannonID]cannon.PersistCannon)
	if err := cannonTree.ForEach(func(key string, p cannon.PersistCannon) error {
		resumed[p.CannonID] = p
		return nil
	}); err != nil {
		return nil, fmt.Errorf("control: reload cannons: %w", err)
	}

	var pending []PersistEnv
	if err := envTree.ForEach(func(key string, p PersistEnv) error {
		pending = append(pending, p)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("control: reload envs: %w", err)
	}
	for _, p := range pending {
		c.envs[p.ID] = env.Restored(p.ID, p.Storage, p.Network, p.Persist, p.NodeStates, p.Specs, p.Cannons)
	}

	// A crash mid-apply can leave agents claimed by an env whose record
	// never committed; sweep them back to Inventory on startup so the
	// registry and env table agree again.
	for _, a := range reg.List(registry.Filter{}) {
		if a.Claim.Kind != agentstate.ClaimByEnv {
			continue
		}
		if _, ok := c.envs[a.Claim.Env]; ok {
			continue
		}
		c.log.Warn("releasing agent claimed by unknown env", "agent_id", a.ID, "env_id", a.Claim.Env)
		if err := reg.ReleaseClaim(a.ID); err != nil {
			return nil, fmt.Errorf("control: release orphaned claim for %s: %w", a.ID, err)
		}
		if err := reg.SetTarget(a.ID, agentstate.Inventory()); err != nil {
			return nil, fmt.Errorf("control: reset orphaned target for %s: %w", a.ID, err)
		}
	}
	for _, p := range pending {
		for _, doc := range p.CannonDocs {
			if !doc.Instance {
				continue
			}
			resume, ok := resumed[doc.ID]
			var resumePtr *cannon.PersistCannon
			if ok {
				resumePtr = &resume
			}
			if err := c.StartCannon(p.ID, doc, resumePtr); err != nil {
				c.log.Error("failed to resume instance cannon", "cannon_id", doc.ID, "error", err)
			}
		}
	}

	c.log.Info("control plane ready", "envs", len(c.envs), "storages", len(c.storages))
	return c, nil
}

// Close tears down every persisted tree's writer goroutine and stops
// every running cannon. It does not close the underlying Store.
func (c *Control) Close() error {
	c.mu.Lock()
	running := make([]*runningCannon, 0, len(c.cannons))
	for _, rc := range c.cannons {
		running = append(running, rc)
	}
	c.mu.Unlock()
	for _, rc := range running {
		rc.cannon.Stop()
	}

	_ = c.envTree.Close()
	_ = c.storageTree.Close()
	_ = c.cannonTree.Close()
	return nil
}

func (c *Control) envLock(id ids.EnvID) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.envLocks[id]
	if !ok {
		l = &sync.Mutex{}
		c.envLocks[id] = l
	}
	return l
}

func (c *Control) lookupEnv(id ids.EnvID) (*env.Environment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.envs[id]
	return e, ok
}

// ListEnvs returns every known environment.
func (c *Control) ListEnvs() []*env.Environment {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*env.Environment, 0, len(c.envs))
	for _, e := range c.envs {
		out = append(out, e)
	}
	return out
}
