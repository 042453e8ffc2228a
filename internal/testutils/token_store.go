package testutils

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/feedloop/authorizer/internal/models"
	"github.com/feedloop/authorizer/internal/repository"
)

// MemoryTokenStore keeps tokens in maps. It mirrors the database contract:
// unique hashes, an atomic usage decrement and cascading deletes.
type MemoryTokenStore struct {
	mu      sync.Mutex
	nextID  int64
	headers map[int64]models.TokenHeader
	byHash  map[string]int64
	details map[int64]models.TokenDetail

	// DuplicateInserts makes the next n CreateToken calls fail with
	// repository.ErrDuplicateTokenHash
	DuplicateInserts int
	// Err, when set, is returned by every method
	Err error
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{
		headers: make(map[int64]models.TokenHeader),
		byHash:  make(map[string]int64),
		details: make(map[int64]models.TokenDetail),
	}
}

func (s *MemoryTokenStore) CreateToken(ctx context.Context, header *models.TokenHeader, detail models.TokenDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if detail == nil || header.TokenType != detail.TokenType() {
		return errors.New("token detail does not match header")
	}
	if s.DuplicateInserts > 0 {
		s.DuplicateInserts--
		return repository.ErrDuplicateTokenHash
	}
	if _, ok := s.byHash[header.TokenHash]; ok {
		return repository.ErrDuplicateTokenHash
	}
	s.nextID++
	header.ID = s.nextID
	if header.CreatedAt.IsZero() {
		header.CreatedAt = time.Now().UTC()
	}
	s.headers[header.ID] = *header
	s.byHash[header.TokenHash] = header.ID
	s.details[header.ID] = detail
	return nil
}

func (s *MemoryTokenStore) HashExists(ctx context.Context, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	_, ok := s.byHash[hash]
	return ok, nil
}

func (s *MemoryTokenStore) FindHeader(ctx context.Context, requester, hash string) (*models.TokenHeader, error) {
	header, err := s.FindHeaderByHash(ctx, hash)
	if err != nil || header == nil || header.Requester != requester {
		return nil, err
	}
	return header, nil
}

func (s *MemoryTokenStore) FindHeaderByHash(ctx context.Context, hash string) (*models.TokenHeader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	id, ok := s.byHash[hash]
	if !ok {
		return nil, nil
	}
	header := s.headers[id]
	return &header, nil
}

func (s *MemoryTokenStore) FindDetail(ctx context.Context, header *models.TokenHeader) (models.TokenDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	detail, ok := s.details[header.ID]
	if !ok {
		return nil, nil
	}
	if detail.TokenType() != header.TokenType {
		return nil, fmt.Errorf("unknown token type %q", header.TokenType)
	}
	return detail, nil
}

func (s *MemoryTokenStore) DecrementUsage(ctx context.Context, headerID int64) (*models.UsageLimitedDetail, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, false, s.Err
	}
	detail, ok := s.details[headerID].(models.UsageLimitedDetail)
	if !ok || detail.UsageLeft <= 0 {
		return nil, false, nil
	}
	detail.UsageLeft--
	s.details[headerID] = detail
	return &detail, true, nil
}

func (s *MemoryTokenStore) QueryHeaders(ctx context.Context, filter models.TokenFilter, page models.PageRequest) ([]models.TokenHeader, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, 0, s.Err
	}

	matches := func(value, want string) bool { return want == "" || value == want }
	var result []models.TokenHeader
	for _, h := range s.headers {
		if matches(h.Requester, filter.Requester) &&
			matches(string(h.TokenType), string(filter.TokenType)) &&
			matches(h.ConsumerCloud, filter.ConsumerCloud) &&
			matches(h.Consumer, filter.Consumer) &&
			matches(h.Provider, filter.Provider) &&
			matches(string(h.TargetType), string(filter.TargetType)) &&
			matches(h.Target, filter.Target) {
			result = append(result, h)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })

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

func (s *MemoryTokenStore) DeleteByHashes(ctx context.Context, hashes []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	var n int64
	for _, hash := range hashes {
		id, ok := s.byHash[hash]
		if !ok {
			continue
		}
		delete(s.byHash, hash)
		delete(s.headers, id)
		delete(s.details, id)
		n++
	}
	return n, nil
}

// DropDetail removes a detail row while keeping its header
func (s *MemoryTokenStore) DropDetail(headerID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.details, headerID)
}

// Headers returns a copy of every stored header
func (s *MemoryTokenStore) Headers() []models.TokenHeader {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]models.TokenHeader, 0, len(s.headers))
	for _, h := range s.headers {
		result = append(result, h)
	}
	return result
}
