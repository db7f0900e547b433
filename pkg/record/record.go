package record

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/pmkol/dnscache/pkg/utils"
)

// MinTTL is the smallest TTL, in seconds, a Record may carry.
const MinTTL = 1

// Record is one cached domain -> address mapping.
// Domain is also the store key of the record.
type Record struct {
	Domain   string `json:"domain" yaml:"domain"`
	Address  string `json:"address" yaml:"address"`
	TTL      int    `json:"ttl" yaml:"ttl"`
	IsManual bool   `json:"is_manual" yaml:"is_manual"`
}

// Copy returns a shallow copy of r.
func (r *Record) Copy() *Record {
	c := *r
	return &c
}

var (
	ErrBlankDomain  = errors.New("domain must not be blank")
	ErrBlankAddress = errors.New("address must not be blank")
	ErrInvalidTTL   = fmt.Errorf("ttl must be >= %d", MinTTL)
)

// ValidationError holds every constraint an input violated.
type ValidationError struct {
	errs *multierror.Error
}

func (e *ValidationError) Error() string {
	return "invalid input: " + strings.Join(e.Violations(), "; ")
}

// Violations returns the violated constraints as strings.
func (e *ValidationError) Violations() []string {
	s := make([]string, 0, len(e.errs.Errors))
	for _, err := range e.errs.Errors {
		s = append(s, err.Error())
	}
	return s
}

func (e *ValidationError) Unwrap() []error {
	return e.errs.Errors
}

// Validator collects constraint violations.
// The zero value is ready for use.
type Validator struct {
	errs *multierror.Error
}

// Check records err if ok is false.
func (v *Validator) Check(ok bool, err error) {
	if !ok {
		v.errs = multierror.Append(v.errs, err)
	}
}

// Domain checks that domain is not blank.
func (v *Validator) Domain(domain string) {
	v.Check(!utils.IsBlank(domain), ErrBlankDomain)
}

// TTL checks that ttl is a usable record TTL.
func (v *Validator) TTL(ttl int) {
	v.Check(ttl >= MinTTL, ErrInvalidTTL)
}

// Err returns a *ValidationError if any check failed, or nil.
func (v *Validator) Err() error {
	if v.errs.ErrorOrNil() == nil {
		return nil
	}
	return &ValidationError{errs: v.errs}
}

// Validate checks all fields of r.
func (r *Record) Validate() error {
	v := new(Validator)
	v.Domain(r.Domain)
	v.Check(!utils.IsBlank(r.Address), ErrBlankAddress)
	v.TTL(r.TTL)
	return v.Err()
}
