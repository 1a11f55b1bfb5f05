// Package scheduler implements the per-model lifecycle state machine that
// decides when a backend container must be created, started, stopped, or
// evicted, under a hard constraint that resident models' estimated VRAM
// usage never exceeds what the GPU reports free.
package scheduler

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/llmgateway/scheduler/pkg/config"
	"github.com/llmgateway/scheduler/pkg/logging"
	"github.com/llmgateway/scheduler/pkg/memory"
	"github.com/llmgateway/scheduler/pkg/weightfile"
)

// ContainerHost is the narrow surface the Scheduler needs from whatever is
// actually managing backend containers. A Docker-Engine-backed
// implementation lives in pkg/containerhost.
type ContainerHost interface {
	Exists(ctx context.Context, containerName string) (bool, error)
	Create(ctx context.Context, desc config.ModelDescriptor) error
	Start(ctx context.Context, containerName string) error
	Stop(ctx context.Context, containerName string) error
	IsRunning(ctx context.Context, containerName string) (bool, error)
	IsHealthy(ctx context.Context, containerName string) (bool, error)
	HostnameOf(desc config.ModelDescriptor) string
}

// VRAMProbe is the narrow surface the Scheduler needs from whatever is
// reading GPU memory state. An nvidia-smi-backed implementation lives in
// pkg/vramprobe.
type VRAMProbe interface {
	Total(ctx context.Context) uint64
	Used(ctx context.Context) uint64
	Free(ctx context.Context) uint64
}

// Endpoint is the address of a healthy backend, returned by AcquireBackend.
type Endpoint struct {
	Host string
	Port int
}

// LeaseToken is the opaque handle returned alongside an Endpoint. It must be
// passed back to Release exactly once.
type LeaseToken struct {
	modelName string
}

// modelState tracks the one piece of process-wide mutable state per
// configured model. Every field here is only ever read or written while
// holding Scheduler.mu, except gate which is handled separately.
type modelState struct {
	desc              config.ModelDescriptor
	estimatedMemoryMB uint64
	lifecycle         Lifecycle
	activeRequests    int
	lastUsed          time.Time
	gate              chan struct{}
}

// Scheduler coordinates backend acquisition across all configured models. A
// single instance is shared by every concurrent caller.
type Scheduler struct {
	log     logging.Logger
	host    ContainerHost
	probe   VRAMProbe
	metrics Metrics

	mu     sync.Mutex
	models map[string]*modelState

	// healthPollInterval is the cadence used while waiting for a container
	// to report healthy. Overridable by tests; defaults to one second.
	healthPollInterval time.Duration
}

// Metrics is the narrow surface the Scheduler reports instrumentation
// through. A Prometheus-backed implementation lives in pkg/metrics.
type Metrics interface {
	SetResidentModels(lifecycle string, count int)
	IncEviction(modelName string)
	IncInsufficientMemory(modelName string)
	ObserveAcquireLatency(modelName string, d time.Duration)
}

// NewScheduler constructs a Scheduler over the given models, each paired
// with its already-computed memory estimate. A model whose weight file
// failed to parse should be passed in with estimatedMemoryMB set to
// math.MaxUint64 so it can never pass admission.
func NewScheduler(log logging.Logger, host ContainerHost, probe VRAMProbe, metrics Metrics, descriptors []config.ModelDescriptor, estimates map[string]uint64) *Scheduler {
	s := &Scheduler{
		log:                log,
		host:               host,
		probe:              probe,
		metrics:            metrics,
		models:             make(map[string]*modelState, len(descriptors)),
		healthPollInterval: time.Second,
	}

	totalMB := probe.Total(context.Background())
	for _, d := range descriptors {
		mb := estimates[d.Name]
		s.models[d.Name] = &modelState{
			desc:              d,
			estimatedMemoryMB: mb,
			lifecycle:         Unknown,
			gate:              make(chan struct{}, 1),
		}
		if mb > totalMB {
			log.Warnf("model %q estimated at %d MB exceeds total VRAM %d MB reported by the probe", d.Name, mb, totalMB)
		}
	}

	return s
}

// EstimateFromFile is a small convenience wrapper most callers use at
// construction time: parse the weight file, run the memory estimator, and
// fall back to an unadmittable estimate on any InvalidFormat failure rather
// than aborting startup.
func EstimateFromFile(log logging.Logger, est *memory.Estimator, path string, fileBytes uint64, contextTokens uint64, kvQuant memory.KVQuant) uint64 {
	params, err := weightfile.ParseFile(path)
	if err != nil {
		log.Warnf("weight file %q failed to parse, model will never be admitted: %v", path, err)
		return math.MaxUint64
	}
	estimate, err := est.Estimate(params, fileBytes, contextTokens, kvQuant)
	if err != nil {
		log.Warnf("weight file %q produced an unusable estimate, model will never be admitted: %v", path, err)
		return math.MaxUint64
	}
	return estimate.TotalRequiredMB
}

// AcquireBackend ensures a healthy backend for modelName is running and
// returns its endpoint plus a lease token the caller must eventually pass
// to Release.
func (s *Scheduler) AcquireBackend(ctx context.Context, modelName string) (Endpoint, LeaseToken, error) {
	start := time.Now()

	st, err := s.lookup(modelName)
	if err != nil {
		return Endpoint{}, LeaseToken{}, err
	}

	s.incrementActive(st)

	gate := s.acquireGate(st)
	defer s.releaseGate(gate)

	endpoint, err := s.bringUp(ctx, st)
	if err != nil {
		s.decrementActive(st)
		return Endpoint{}, LeaseToken{}, err
	}

	s.mu.Lock()
	st.lastUsed = time.Now()
	st.lifecycle = Healthy
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ObserveAcquireLatency(modelName, time.Since(start))
		s.reportResidency()
	}

	return endpoint, LeaseToken{modelName: modelName}, nil
}

// Release decrements the active-request counter for the model the token was
// issued for. Releasing the same token twice is a caller bug.
func (s *Scheduler) Release(token LeaseToken) {
	s.mu.Lock()
	st, ok := s.models[token.modelName]
	if !ok {
		s.mu.Unlock()
		return
	}
	if st.activeRequests <= 0 {
		s.mu.Unlock()
		s.log.Errorf("release called with no matching active request for model %q", token.modelName)
		panic((&DoubleReleaseError{ModelName: token.modelName}).Error())
	}
	st.activeRequests--
	s.mu.Unlock()
}

func (s *Scheduler) lookup(modelName string) (*modelState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.models[modelName]
	if !ok {
		return nil, &ModelNotFoundError{ModelName: modelName}
	}
	return st, nil
}

func (s *Scheduler) incrementActive(st *modelState) {
	s.mu.Lock()
	st.activeRequests++
	s.mu.Unlock()
}

func (s *Scheduler) decrementActive(st *modelState) {
	s.mu.Lock()
	if st.activeRequests > 0 {
		st.activeRequests--
	}
	s.mu.Unlock()
}

// acquireGate blocks until this caller owns the per-model lifecycle gate.
func (s *Scheduler) acquireGate(st *modelState) chan struct{} {
	st.gate <- struct{}{}
	return st.gate
}

func (s *Scheduler) releaseGate(gate chan struct{}) {
	<-gate
}

// bringUp runs steps 3-7 of acquisition: create the container if it has
// never existed, admit and start it if it is not running, and wait for it
// to report healthy.
func (s *Scheduler) bringUp(ctx context.Context, st *modelState) (Endpoint, error) {
	exists, err := s.host.Exists(ctx, st.desc.ContainerName)
	if err != nil {
		return Endpoint{}, &ContainerHostError{ModelName: st.desc.Name, Op: "Exists", Err: err}
	}
	if !exists {
		s.mu.Lock()
		st.lifecycle = Creating
		s.mu.Unlock()

		if err := s.host.Create(ctx, st.desc); err != nil {
			return Endpoint{}, &ContainerHostError{ModelName: st.desc.Name, Op: "Create", Err: err}
		}
		s.mu.Lock()
		st.lifecycle = Stopped
		s.mu.Unlock()
	}

	running, err := s.host.IsRunning(ctx, st.desc.ContainerName)
	if err != nil {
		return Endpoint{}, &ContainerHostError{ModelName: st.desc.Name, Op: "IsRunning", Err: err}
	}
	if !running {
		if err := s.admitAndEvict(ctx, st); err != nil {
			return Endpoint{}, err
		}
		if err := s.host.Start(ctx, st.desc.ContainerName); err != nil {
			return Endpoint{}, &ContainerHostError{ModelName: st.desc.Name, Op: "Start", Err: err}
		}
		s.mu.Lock()
		st.lifecycle = Starting
		s.mu.Unlock()
	}

	if err := s.waitHealthy(ctx, st); err != nil {
		return Endpoint{}, err
	}

	return Endpoint{Host: st.desc.ContainerName, Port: 8080}, nil
}

// admitAndEvict stops idle models, oldest-lastUsed first, until the probe
// reports enough free VRAM for st, or there is nothing left to stop.
func (s *Scheduler) admitAndEvict(ctx context.Context, st *modelState) error {
	if s.probe.Free(ctx) >= st.estimatedMemoryMB {
		return nil
	}

	for {
		candidate := s.pickEvictionCandidate(st.desc.Name)
		if candidate == nil {
			if s.metrics != nil {
				s.metrics.IncInsufficientMemory(st.desc.Name)
			}
			return &InsufficientMemoryError{
				ModelName:  st.desc.Name,
				RequiredMB: st.estimatedMemoryMB,
				FreeMB:     s.probe.Free(ctx),
			}
		}

		s.mu.Lock()
		candidate.lifecycle = Stopping
		s.mu.Unlock()

		if err := s.host.Stop(ctx, candidate.desc.ContainerName); err != nil {
			return &ContainerHostError{ModelName: candidate.desc.Name, Op: "Stop", Err: err}
		}

		s.mu.Lock()
		candidate.lifecycle = Stopped
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.IncEviction(candidate.desc.Name)
		}

		if s.probe.Free(ctx) >= st.estimatedMemoryMB {
			return nil
		}
	}
}

// pickEvictionCandidate returns the idle, running model with the oldest
// lastUsed timestamp, excluding the model being acquired, or nil if no
// model is currently eligible.
func (s *Scheduler) pickEvictionCandidate(excludeName string) *modelState {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*modelState
	for name, st := range s.models {
		if name == excludeName {
			continue
		}
		if st.activeRequests != 0 {
			continue
		}
		if !st.lifecycle.evictable() {
			continue
		}
		candidates = append(candidates, st)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastUsed.Before(candidates[j].lastUsed)
	})

	if len(candidates) == 0 {
		return nil
	}
	return candidates[0]
}

// waitHealthy polls IsHealthy until it reports true or ctx is cancelled.
func (s *Scheduler) waitHealthy(ctx context.Context, st *modelState) error {
	for {
		healthy, err := s.host.IsHealthy(ctx, st.desc.ContainerName)
		if err != nil {
			return &ContainerHostError{ModelName: st.desc.Name, Op: "IsHealthy", Err: err}
		}
		if healthy {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.healthPollInterval):
		}
	}
}

func (s *Scheduler) reportResidency() {
	s.mu.Lock()
	counts := map[Lifecycle]int{}
	for _, st := range s.models {
		counts[st.lifecycle]++
	}
	s.mu.Unlock()

	for lc := Unknown; lc <= Stopping; lc++ {
		s.metrics.SetResidentModels(lc.String(), counts[lc])
	}
}
