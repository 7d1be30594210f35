package usecase

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/eliteGoblin/echidnad/internal/domain"
)

// MaxProfileBytes is the largest accepted profile document (inclusive).
const MaxProfileBytes = 512 * 1024

const flushQueueSize = 64

// ValidateProfile classifies a candidate profile without side effects.
// A profile is either a preset (top-level "modules" array and "engine"
// object) or a bundle whose "profiles" object holds at least one preset.
func ValidateProfile(raw string) domain.SaveResult {
	if strings.TrimSpace(raw) == "" {
		return domain.SaveRejectedEmpty
	}
	if !gjson.Valid(raw) {
		return domain.SaveRejectedInvalidJSON
	}
	if len(raw) > MaxProfileBytes {
		return domain.SaveRejectedTooLarge
	}

	root := gjson.Parse(raw)
	if !root.IsObject() {
		return domain.SaveRejectedSchema
	}
	if isPreset(root) {
		return domain.SaveAccepted
	}

	bundle := root.Get("profiles")
	if !bundle.IsObject() {
		return domain.SaveRejectedSchema
	}
	found := false
	bundle.ForEach(func(_, preset gjson.Result) bool {
		found = isPreset(preset)
		return !found
	})
	if found {
		return domain.SaveAccepted
	}
	return domain.SaveRejectedSchema
}

func isPreset(v gjson.Result) bool {
	return v.IsObject() && v.Get("modules").IsArray() && v.Get("engine").IsObject()
}

// flushJob is one unit of work for the persistence worker. A job with a
// barrier carries no state and only signals that earlier jobs are done.
type flushJob struct {
	state   *domain.ProfileState
	persist bool
	barrier chan struct{}
}

// ProfileStoreImpl implements domain.ProfileStore.
//
// Mutations build an immutable snapshot under the write lock and enqueue it
// while still holding the lock, so the single worker sees snapshots in
// mutation order and the engine never receives an older state after a newer one.
type ProfileStoreImpl struct {
	mu        sync.RWMutex
	profiles  map[string]string
	whitelist map[string]bool
	closed    bool

	file      domain.StateFile
	channel   domain.SyncChannel
	mutations *prometheus.CounterVec
	logger    *zap.Logger

	queue chan flushJob
	done  chan struct{}
}

// NewProfileStore loads persisted state, starts the worker and pushes the
// loaded state once. mutations may be nil.
func NewProfileStore(file domain.StateFile, channel domain.SyncChannel, mutations *prometheus.CounterVec, logger *zap.Logger) *ProfileStoreImpl {
	s := &ProfileStoreImpl{
		profiles:  make(map[string]string),
		whitelist: make(map[string]bool),
		file:      file,
		channel:   channel,
		mutations: mutations,
		logger:    logger,
		queue:     make(chan flushJob, flushQueueSize),
		done:      make(chan struct{}),
	}

	state, err := file.Load()
	switch {
	case err != nil:
		logger.Warn("unable to read persisted profiles", zap.String("path", file.Path()), zap.Error(err))
	case state != nil:
		for id, profile := range state.Profiles {
			s.profiles[id] = profile
		}
		for process, enabled := range state.Whitelist {
			s.whitelist[process] = enabled
		}
		logger.Info("loaded persisted profiles",
			zap.Int("profiles", len(s.profiles)),
			zap.Int("whitelist", len(s.whitelist)))
		s.queue <- flushJob{state: s.snapshotLocked(), persist: false}
	}

	go s.run()
	return s
}

// Save validates and stores a profile. Rejections are logged and counted.
func (s *ProfileStoreImpl) Save(id, profileJSON string) domain.SaveResult {
	id = strings.TrimSpace(id)
	if id == "" {
		s.logger.Warn("rejected profile: blank id")
		s.count(domain.SaveRejectedEmpty.String())
		return domain.SaveRejectedEmpty
	}

	result := ValidateProfile(profileJSON)
	if result != domain.SaveAccepted {
		s.count(result.String())
		s.logger.Warn("rejected profile",
			zap.String("id", id),
			zap.String("reason", result.String()),
			zap.Int("bytes", len(profileJSON)))
		return result
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.count(domain.SaveRejectedClosed.String())
		s.logger.Warn("rejected profile: store closed", zap.String("id", id))
		return domain.SaveRejectedClosed
	}
	s.count(result.String())
	s.profiles[id] = profileJSON
	s.enqueueLocked()
	return result
}

// Delete removes a profile. Unknown ids are a no-op.
func (s *ProfileStoreImpl) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[id]; !ok || s.closed {
		return
	}
	delete(s.profiles, id)
	s.count("deleted")
	s.enqueueLocked()
}

// UpdateWhitelist sets the engine enablement for a process.
func (s *ProfileStoreImpl) UpdateWhitelist(process string, enabled bool) {
	process = strings.TrimSpace(process)
	if process == "" {
		s.logger.Warn("ignored whitelist update: blank process name")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.whitelist[process] = enabled
	s.count("whitelist")
	s.enqueueLocked()
}

// List returns the stored profile ids in sorted order.
func (s *ProfileStoreImpl) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.profiles))
	for id := range s.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resolve returns the stored profile document.
func (s *ProfileStoreImpl) Resolve(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	profile, ok := s.profiles[id]
	return profile, ok
}

// Whitelist returns a copy of the whitelist.
func (s *ProfileStoreImpl) Whitelist() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(s.whitelist))
	for process, enabled := range s.whitelist {
		out[process] = enabled
	}
	return out
}

// Flush waits until every snapshot enqueued before the call was persisted
// and pushed.
func (s *ProfileStoreImpl) Flush(ctx context.Context) error {
	barrier := make(chan struct{})

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil
	}
	select {
	case s.queue <- flushJob{barrier: barrier}:
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	s.mu.RUnlock()

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting mutations, drains the queue and joins the worker.
func (s *ProfileStoreImpl) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	return nil
}

func (s *ProfileStoreImpl) run() {
	defer close(s.done)
	for job := range s.queue {
		if job.barrier != nil {
			close(job.barrier)
			continue
		}
		s.process(job)
	}
}

func (s *ProfileStoreImpl) process(job flushJob) {
	payload, err := job.state.Encode()
	if err != nil {
		s.logger.Error("failed to encode profile state", zap.Error(err))
		return
	}
	if job.persist {
		if err := s.file.Save(payload); err != nil {
			s.logger.Error("failed to persist profiles", zap.String("path", s.file.Path()), zap.Error(err))
		}
	}
	s.channel.Push(payload)
}

func (s *ProfileStoreImpl) enqueueLocked() {
	s.queue <- flushJob{state: s.snapshotLocked(), persist: true}
}

func (s *ProfileStoreImpl) snapshotLocked() *domain.ProfileState {
	state := &domain.ProfileState{
		Profiles:  make(map[string]string, len(s.profiles)),
		Whitelist: make(map[string]bool, len(s.whitelist)),
	}
	for id, profile := range s.profiles {
		state.Profiles[id] = profile
	}
	for process, enabled := range s.whitelist {
		state.Whitelist[process] = enabled
	}
	return state
}

func (s *ProfileStoreImpl) count(result string) {
	if s.mutations != nil {
		s.mutations.WithLabelValues(result).Inc()
	}
}

// Ensure ProfileStoreImpl implements domain.ProfileStore.
var _ domain.ProfileStore = (*ProfileStoreImpl)(nil)
