// Package store provides storage backends for RetainAI.
//
// This file implements the in-memory store used by tests and local
// development. All collections are guarded by a single mutex; values are
// copied on the way in and out so callers never share backing slices.
package store

import (
	"sync"
	"time"

	"github.com/Retain-ap/retainai-app/internal/models"
)

// InMemoryStore is a mutex-guarded map-backed Store implementation.
type InMemoryStore struct {
	mu            sync.RWMutex
	flows         map[string][]models.Flow             // owner -> flows
	runStates     map[string]map[string]models.RunState // owner -> (flowID|leadKey) -> state
	profiles      map[string]models.Profile
	notifications map[string][]models.Notification // newest first
	leads         map[string][]models.Lead
	threads       map[string]map[string][]models.ChatMessage // owner -> leadKey -> messages
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flows:         make(map[string][]models.Flow),
		runStates:     make(map[string]map[string]models.RunState),
		profiles:      make(map[string]models.Profile),
		notifications: make(map[string][]models.Notification),
		leads:         make(map[string][]models.Lead),
		threads:       make(map[string]map[string][]models.ChatMessage),
	}
}

func runStateKey(flowID, leadKey string) string {
	return flowID + "|" + leadKey
}

func (s *InMemoryStore) GetFlows(owner string) ([]models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	flows := s.flows[models.NormalizeOwner(owner)]
	out := make([]models.Flow, len(flows))
	copy(out, flows)
	return out, nil
}

func (s *InMemoryStore) GetFlow(owner, id string) (*models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.flows[models.NormalizeOwner(owner)] {
		if f.ID == id {
			flow := f
			return &flow, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) SaveFlow(owner string, flow models.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := models.NormalizeOwner(owner)
	flows := s.flows[key]
	for i, f := range flows {
		if f.ID == flow.ID {
			flows[i] = flow
			return nil
		}
	}
	s.flows[key] = append(flows, flow)
	return nil
}

func (s *InMemoryStore) DeleteFlow(owner, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := models.NormalizeOwner(owner)
	flows := s.flows[key]
	kept := flows[:0]
	for _, f := range flows {
		if f.ID != id {
			kept = append(kept, f)
		}
	}
	s.flows[key] = kept
	s.deleteRunStatesLocked(key, id)
	return nil
}

func (s *InMemoryStore) ListFlowOwners() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owners := make([]string, 0, len(s.flows))
	for owner, flows := range s.flows {
		if len(flows) > 0 {
			owners = append(owners, owner)
		}
	}
	return owners, nil
}

func (s *InMemoryStore) GetRunState(owner, flowID, leadKey string) (*models.RunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	states := s.runStates[models.NormalizeOwner(owner)]
	if states == nil {
		return nil, nil
	}
	st, ok := states[runStateKey(flowID, leadKey)]
	if !ok {
		return nil, nil
	}
	copied := st
	copied.LastSent = copyTimeMap(st.LastSent)
	copied.Memo = copyStringMap(st.Memo)
	return &copied, nil
}

func (s *InMemoryStore) SaveRunState(owner string, state models.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := models.NormalizeOwner(owner)
	if s.runStates[key] == nil {
		s.runStates[key] = make(map[string]models.RunState)
	}
	copied := state
	copied.LastSent = copyTimeMap(state.LastSent)
	copied.Memo = copyStringMap(state.Memo)
	s.runStates[key][runStateKey(state.FlowID, state.LeadKey)] = copied
	return nil
}

func (s *InMemoryStore) DeleteRunState(owner, flowID, leadKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if states := s.runStates[models.NormalizeOwner(owner)]; states != nil {
		delete(states, runStateKey(flowID, leadKey))
	}
	return nil
}

func (s *InMemoryStore) DeleteRunStatesForFlow(owner, flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteRunStatesLocked(models.NormalizeOwner(owner), flowID)
	return nil
}

func (s *InMemoryStore) deleteRunStatesLocked(owner, flowID string) {
	states := s.runStates[owner]
	for key, st := range states {
		if st.FlowID == flowID {
			delete(states, key)
		}
	}
}

func (s *InMemoryStore) GetProfile(owner string) (*models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[models.NormalizeOwner(owner)]
	if !ok {
		return nil, nil
	}
	copied := p
	return &copied, nil
}

func (s *InMemoryStore) SaveProfile(owner string, profile models.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[models.NormalizeOwner(owner)] = profile
	return nil
}

func (s *InMemoryStore) AddNotification(n models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := models.NormalizeOwner(n.Owner)
	// Prepend: the feed is listed newest-first by insertion order.
	s.notifications[key] = append([]models.Notification{n}, s.notifications[key]...)
	return nil
}

func (s *InMemoryStore) GetNotifications(owner string) ([]models.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	feed := s.notifications[models.NormalizeOwner(owner)]
	out := make([]models.Notification, len(feed))
	copy(out, feed)
	return out, nil
}

func (s *InMemoryStore) GetLeads(owner string) ([]models.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	leads := s.leads[models.NormalizeOwner(owner)]
	out := make([]models.Lead, len(leads))
	copy(out, leads)
	return out, nil
}

func (s *InMemoryStore) SaveLeads(owner string, leads []models.Lead) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make([]models.Lead, len(leads))
	copy(copied, leads)
	s.leads[models.NormalizeOwner(owner)] = copied
	return nil
}

func (s *InMemoryStore) AppendChatMessage(owner, leadKey string, m models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := models.NormalizeOwner(owner)
	if s.threads[key] == nil {
		s.threads[key] = make(map[string][]models.ChatMessage)
	}
	s.threads[key][leadKey] = append(s.threads[key][leadKey], m)
	return nil
}

func (s *InMemoryStore) GetChatThread(owner, leadKey string) ([]models.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	thread := s.threads[models.NormalizeOwner(owner)][leadKey]
	out := make([]models.ChatMessage, len(thread))
	copy(out, thread)
	return out, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

func copyTimeMap(m map[string]time.Time) map[string]time.Time {
	if m == nil {
		return nil
	}
	out := make(map[string]time.Time, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
