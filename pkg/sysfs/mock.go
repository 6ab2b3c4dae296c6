package sysfs

import (
	"os"
	"sync"

	pkgerrors "github.com/pkg/errors"
)

// Op is a recorded write.
type Op struct {
	Path  string
	Value string
}

// Mock is an in-memory Conn. Written values can be read back; paths that were
// never written and have no hook read as missing files.
type Mock struct {
	mu       sync.Mutex
	files    map[string]string
	hooks    map[string]func() string
	onWrite  map[string]func(value string)
	failures map[string]error
	history  []Op
}

var _ Conn = &Mock{}

// NewMock returns a Mock prefilled with values.
func NewMock(prefillValues map[string]string) *Mock {
	m := &Mock{
		files:    make(map[string]string),
		hooks:    make(map[string]func() string),
		onWrite:  make(map[string]func(string)),
		failures: make(map[string]error),
	}
	for path, value := range prefillValues {
		m.files[path] = value
	}
	return m
}

// Feed installs a read hook: every Read of path returns fn().
func (m *Mock) Feed(path string, fn func() string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hooks[path] = fn
}

// OnWrite installs a callback run after every successful Write to path.
func (m *Mock) OnWrite(path string, fn func(value string)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.onWrite[path] = fn
}

// Fail makes every access to path return err. A nil err clears the failure.
func (m *Mock) Fail(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		delete(m.failures, path)
		return
	}
	m.failures[path] = err
}

func (m *Mock) Write(path, value string) error {
	m.mu.Lock()
	if err, ok := m.failures[path]; ok {
		m.mu.Unlock()
		return pkgerrors.Wrapf(err, "failed to open %s", path)
	}
	m.files[path] = value
	m.history = append(m.history, Op{Path: path, Value: value})
	fn := m.onWrite[path]
	m.mu.Unlock()

	if fn != nil {
		fn(value)
	}
	return nil
}

func (m *Mock) Read(path string) (string, error) {
	m.mu.Lock()
	if err, ok := m.failures[path]; ok {
		m.mu.Unlock()
		return "", pkgerrors.Wrapf(err, "failed to open %s", path)
	}
	fn, hooked := m.hooks[path]
	v, ok := m.files[path]
	m.mu.Unlock()

	if hooked {
		return fn(), nil
	}
	if !ok {
		return "", pkgerrors.Wrapf(os.ErrNotExist, "failed to open %s", path)
	}
	return v, nil
}

// Get returns the last value written to path.
func (m *Mock) Get(path string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.files[path]
	return v, ok
}

// History returns a copy of all writes in order.
func (m *Mock) History() []Op {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]Op(nil), m.history...)
}

// Writes returns the values written to path, in order.
func (m *Mock) Writes(path string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var values []string
	for _, op := range m.history {
		if op.Path == path {
			values = append(values, op.Value)
		}
	}
	return values
}

// Reset forgets the write history but keeps file contents.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = nil
}
