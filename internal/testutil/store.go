package testutil

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/roach88/switchsync/internal/ir"
	"github.com/roach88/switchsync/internal/store"
)

// Store opens a SQLite policy store in a temporary directory.
func Store(t testing.TB) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "rules.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// FlakyRules wraps a policy store and fails every call while an error is
// set.
type FlakyRules struct {
	store.Rules

	mu     sync.Mutex
	err    error
	closed bool
}

// NewFlakyRules wraps rules.
func NewFlakyRules(rules store.Rules) *FlakyRules {
	return &FlakyRules{Rules: rules}
}

// Fail makes every call return err; nil restores the store.
func (f *FlakyRules) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *FlakyRules) failure() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *FlakyRules) TagRules(ctx context.Context, switchName string) ([]ir.TagRule, error) {
	if err := f.failure(); err != nil {
		return nil, err
	}
	return f.Rules.TagRules(ctx, switchName)
}

func (f *FlakyRules) FilterRules(ctx context.Context, switchName string) ([]ir.FilterRule, error) {
	if err := f.failure(); err != nil {
		return nil, err
	}
	return f.Rules.FilterRules(ctx, switchName)
}

func (f *FlakyRules) Ping(ctx context.Context) error {
	if err := f.failure(); err != nil {
		return err
	}
	return f.Rules.Ping(ctx)
}

// Close records the close without closing the wrapped store, so a test
// can hand the same store out again after a redial.
func (f *FlakyRules) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Closed reports whether Close was called.
func (f *FlakyRules) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
