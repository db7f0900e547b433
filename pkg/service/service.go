package service

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"go.uber.org/zap"

	"github.com/pmkol/dnscache/pkg/dnscache"
	"github.com/pmkol/dnscache/pkg/record"
	"github.com/pmkol/dnscache/pkg/resolver"
	"github.com/pmkol/dnscache/pkg/utils"
)

var nopLogger = zap.NewNop()

var (
	// ErrNotFound is returned when the target record is not cached.
	ErrNotFound = errors.New("record not found")
	// ErrInvalid is matched by every input validation error.
	ErrInvalid = errors.New("invalid input")
	// ErrResolution is resolver.ErrResolution.
	ErrResolution = resolver.ErrResolution
)

// InvalidError wraps a *record.ValidationError so that it also matches
// ErrInvalid.
type InvalidError struct {
	*record.ValidationError
}

func (e *InvalidError) Unwrap() []error {
	return []error{ErrInvalid, e.ValidationError}
}

func invalid(err error) error {
	if err == nil {
		return nil
	}
	var ve *record.ValidationError
	if errors.As(err, &ve) {
		return &InvalidError{ValidationError: ve}
	}
	return err
}

// Engine is the set of cache operations a Service exposes.
// *dnscache.Engine implements it.
type Engine interface {
	Resolve(ctx context.Context, domain string, ttlOverride *int) (*record.Record, error)
	GetCachedRecord(ctx context.Context, domain string) (*record.Record, bool, error)
	GetAllCachedRecords(ctx context.Context) iter.Seq2[*record.Record, error]
	GetBatch(ctx context.Context, domains []string) iter.Seq2[*record.Record, error]
	Exists(ctx context.Context, domain string) (bool, error)
	CreateManualEntry(ctx context.Context, r *record.Record) (*record.Record, error)
	UpdateTTL(ctx context.Context, domain string, ttl int) (bool, error)
	DeleteCachedRecord(ctx context.Context, domain string) (bool, error)
	DeleteBatch(ctx context.Context, domains []string) (int, error)
	DeleteAllManualEntries(ctx context.Context) (int, error)
	ClearCache(ctx context.Context) (int, error)
}

var _ Engine = (*dnscache.Engine)(nil)

// Service validates requests and hands them to the Engine.
// Invalid input never reaches the store.
type Service struct {
	e      Engine
	logger *zap.Logger
}

func New(e Engine, logger *zap.Logger) *Service {
	if logger == nil {
		logger = nopLogger
	}
	return &Service{e: e, logger: logger}
}

func checkDomain(domain string) error {
	v := new(record.Validator)
	v.Domain(domain)
	return invalid(v.Err())
}

// checkDomains checks every element. An empty list is valid.
func checkDomains(domains []string) error {
	v := new(record.Validator)
	for i, d := range domains {
		if utils.IsBlank(d) {
			v.Check(false, fmt.Errorf("domains[%d]: %w", i, record.ErrBlankDomain))
		}
	}
	return invalid(v.Err())
}

func (s *Service) Resolve(ctx context.Context, domain string, ttl *int) (*record.Record, error) {
	v := new(record.Validator)
	v.Domain(domain)
	if ttl != nil {
		v.TTL(*ttl)
	}
	if err := invalid(v.Err()); err != nil {
		return nil, err
	}
	return s.e.Resolve(ctx, domain, ttl)
}

// GetCachedRecord returns ErrNotFound if domain is not cached.
func (s *Service) GetCachedRecord(ctx context.Context, domain string) (*record.Record, error) {
	if err := checkDomain(domain); err != nil {
		return nil, err
	}
	r, ok, err := s.e.GetCachedRecord(ctx, domain)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

// GetAllCachedRecords drains the engine scan into a slice.
func (s *Service) GetAllCachedRecords(ctx context.Context) ([]*record.Record, error) {
	return drain(s.e.GetAllCachedRecords(ctx))
}

func (s *Service) GetBatch(ctx context.Context, domains []string) ([]*record.Record, error) {
	if err := checkDomains(domains); err != nil {
		return nil, err
	}
	return drain(s.e.GetBatch(ctx, domains))
}

func (s *Service) Exists(ctx context.Context, domain string) (bool, error) {
	if err := checkDomain(domain); err != nil {
		return false, err
	}
	return s.e.Exists(ctx, domain)
}

// CreateManualEntry stores r as a manual record. IsManual of r is ignored.
func (s *Service) CreateManualEntry(ctx context.Context, r *record.Record) (*record.Record, error) {
	if r == nil {
		return nil, invalid((&record.Record{}).Validate())
	}
	if err := invalid(r.Validate()); err != nil {
		return nil, err
	}
	return s.e.CreateManualEntry(ctx, r)
}

// UpdateTTL returns ErrNotFound if there is no record to update.
func (s *Service) UpdateTTL(ctx context.Context, domain string, ttl int) error {
	v := new(record.Validator)
	v.Domain(domain)
	v.TTL(ttl)
	if err := invalid(v.Err()); err != nil {
		return err
	}
	ok, err := s.e.UpdateTTL(ctx, domain, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// DeleteCachedRecord returns ErrNotFound if domain was not cached.
func (s *Service) DeleteCachedRecord(ctx context.Context, domain string) error {
	if err := checkDomain(domain); err != nil {
		return err
	}
	ok, err := s.e.DeleteCachedRecord(ctx, domain)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// DeleteBatch returns the number of removed keys. Keys that failed to
// delete are logged and reported in err, n is valid either way.
func (s *Service) DeleteBatch(ctx context.Context, domains []string) (n int, err error) {
	if err := checkDomains(domains); err != nil {
		return 0, err
	}
	n, err = s.e.DeleteBatch(ctx, domains)
	if err != nil {
		s.logger.Warn("batch delete partially failed", zap.Int("deleted", n), zap.Error(err))
	}
	return n, err
}

func (s *Service) DeleteAllManualEntries(ctx context.Context) (int, error) {
	n, err := s.e.DeleteAllManualEntries(ctx)
	if err == nil {
		s.logger.Info("manual entries deleted", zap.Int("deleted", n))
	}
	return n, err
}

func (s *Service) ClearCache(ctx context.Context) (int, error) {
	n, err := s.e.ClearCache(ctx)
	if err == nil {
		s.logger.Info("cache cleared", zap.Int("deleted", n))
	}
	return n, err
}

func drain(seq iter.Seq2[*record.Record, error]) ([]*record.Record, error) {
	s := make([]*record.Record, 0)
	for r, err := range seq {
		if err != nil {
			return nil, err
		}
		s = append(s, r)
	}
	return s, nil
}
