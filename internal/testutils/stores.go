package testutils

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/feedloop/authorizer/internal/models"
	"github.com/feedloop/authorizer/internal/repository"
)

// MemoryEncryptionKeyStore keeps provider keys by system name
type MemoryEncryptionKeyStore struct {
	mu     sync.Mutex
	nextID int64
	keys   map[string]models.EncryptionKeyWithAuxiliaries
	Err    error
}

func NewMemoryEncryptionKeyStore() *MemoryEncryptionKeyStore {
	return &MemoryEncryptionKeyStore{keys: make(map[string]models.EncryptionKeyWithAuxiliaries)}
}

func (s *MemoryEncryptionKeyStore) Save(ctx context.Context, key *models.EncryptionKeyWithAuxiliaries) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	now := time.Now().UTC()
	if existing, ok := s.keys[key.SystemName]; ok {
		key.ID = existing.ID
		key.CreatedAt = existing.CreatedAt
	} else {
		s.nextID++
		key.ID = s.nextID
		key.CreatedAt = now
	}
	key.UpdatedAt = now
	s.keys[key.SystemName] = *key
	return nil
}

func (s *MemoryEncryptionKeyStore) FindBySystemName(ctx context.Context, systemName string) (*models.EncryptionKeyWithAuxiliaries, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	key, ok := s.keys[systemName]
	if !ok {
		return nil, nil
	}
	return &key, nil
}

func (s *MemoryEncryptionKeyStore) DeleteBySystemName(ctx context.Context, systemName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	_, ok := s.keys[systemName]
	delete(s.keys, systemName)
	return ok, nil
}

// MemoryPolicyStore keeps policy headers and their rules
type MemoryPolicyStore struct {
	mu       sync.Mutex
	nextID   int64
	headers  map[int64]models.AuthPolicyHeader
	policies map[int64][]models.AuthPolicy
	Err      error
}

func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{
		headers:  make(map[int64]models.AuthPolicyHeader),
		policies: make(map[int64][]models.AuthPolicy),
	}
}

func (s *MemoryPolicyStore) FindApplicable(ctx context.Context, level models.PolicyLevel, target models.TargetDescriptor) ([]models.AuthPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	result := []models.AuthPolicy{}
	for _, id := range s.sortedIDs() {
		h := s.headers[id]
		if h.Level != level || h.TargetType != target.TargetType || h.Provider != target.Provider || h.Target != target.Target {
			continue
		}
		if h.Cloud != "" && h.Cloud != target.Cloud {
			continue
		}
		for _, p := range s.policies[id] {
			if p.Scope == "" || p.Scope == target.Scope {
				result = append(result, p)
			}
		}
	}
	return result, nil
}

func (s *MemoryPolicyStore) CreateWithPolicies(ctx context.Context, header *models.AuthPolicyHeader, policies []models.AuthPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	for _, h := range s.headers {
		if h.Level == header.Level && h.InstanceID == header.InstanceID {
			return repository.ErrDuplicatePolicy
		}
	}
	s.nextID++
	header.ID = s.nextID
	header.CreatedAt = time.Now().UTC()
	for i := range policies {
		s.nextID++
		policies[i].ID = s.nextID
		policies[i].HeaderID = header.ID
	}
	s.headers[header.ID] = *header
	s.policies[header.ID] = append([]models.AuthPolicy(nil), policies...)
	return nil
}

func (s *MemoryPolicyStore) DeleteByInstanceID(ctx context.Context, level models.PolicyLevel, instanceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	for id, h := range s.headers {
		if h.Level == level && h.InstanceID == instanceID {
			delete(s.headers, id)
			delete(s.policies, id)
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryPolicyStore) List(ctx context.Context, level models.PolicyLevel, page models.PageRequest) ([]models.PolicyHeaderResponse, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, 0, s.Err
	}
	result := []models.PolicyHeaderResponse{}
	for _, id := range s.sortedIDs() {
		if h := s.headers[id]; h.Level == level {
			result = append(result, models.PolicyHeaderResponse{Header: h, Policies: s.policies[id]})
		}
	}
	total := int64(len(result))
	if page.Size > 0 {
		start := page.Page * page.Size
		if start > len(result) {
			start = len(result)
		}
		end := start + page.Size
		if end > len(result) {
			end = len(result)
		}
		result = result[start:end]
	}
	return result, total, nil
}

func (s *MemoryPolicyStore) sortedIDs() []int64 {
	ids := make([]int64, 0, len(s.headers))
	for id := range s.headers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// StaticMetadataLookup answers metadata lookups from a fixed map
type StaticMetadataLookup struct {
	Metadata map[string]map[string]string
	Err      error
	calls    atomic.Int64
}

func (l *StaticMetadataLookup) LookupMetadata(ctx context.Context, systemName string) (map[string]string, bool, error) {
	l.calls.Add(1)
	if l.Err != nil {
		return nil, false, l.Err
	}
	metadata, ok := l.Metadata[systemName]
	return metadata, ok, nil
}

// Calls reports how many lookups were made
func (l *StaticMetadataLookup) Calls() int64 {
	return l.calls.Load()
}
