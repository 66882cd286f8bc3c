package tools

import (
	"encoding/json"
	"sync"
)

type (
	// Mock is one canned tool response. A Mock with Args matches only calls
	// whose arguments are JSON-equal; a Mock without Args matches every call
	// of Tool. Error, when set, produces a tool fault instead of a result.
	Mock struct {
		Tool     string         `json:"tool" yaml:"tool"`
		Args     map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
		Response any            `json:"response,omitempty" yaml:"response,omitempty"`
		Error    string         `json:"error,omitempty" yaml:"error,omitempty"`
	}

	// MockSet resolves tool calls to canned responses: exact
	// (name, canonical args) match first, then by name, then the default.
	MockSet struct {
		mu       sync.Mutex
		exact    map[string]Mock
		byName   map[string]Mock
		fallback any
		hasFall  bool
	}
)

// NewMockSet builds a set from explicit mocks plus a fallback response for
// unmatched calls. A nil fallback leaves unmatched calls to the real handler
// when one exists, otherwise they resolve to {"ok": true}.
func NewMockSet(mocks []Mock, fallback any) *MockSet {
	s := &MockSet{
		exact:    make(map[string]Mock),
		byName:   make(map[string]Mock),
		fallback: fallback,
		hasFall:  fallback != nil,
	}
	for _, m := range mocks {
		if m.Args != nil {
			s.exact[fingerprint(m.Tool, m.Args)] = m
		} else {
			s.byName[m.Tool] = m
		}
	}
	return s
}

// Add registers another mock, later additions winning ties.
func (s *MockSet) Add(m Mock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.Args != nil {
		s.exact[fingerprint(m.Tool, m.Args)] = m
	} else {
		s.byName[m.Tool] = m
	}
}

// SetDefault installs the response used when nothing matches.
func (s *MockSet) SetDefault(resp any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = resp
	s.hasFall = true
}

// Resolve returns the canned response for a call. ok=false means no mock
// applies and the live handler should run.
func (s *MockSet) Resolve(name string, args map[string]any) (resp any, errMsg string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, hit := s.exact[fingerprint(name, args)]; hit {
		return m.Response, m.Error, true
	}
	if m, hit := s.byName[name]; hit {
		return m.Response, m.Error, true
	}
	if s.hasFall {
		return s.fallback, "", true
	}
	return nil, "", false
}

// fingerprint canonicalizes (tool, args) for exact matching. encoding/json
// sorts map keys, so JSON-equal argument maps collide as intended.
func fingerprint(name string, args map[string]any) string {
	data, err := json.Marshal(args)
	if err != nil {
		data = []byte("unencodable")
	}
	return name + "\x00" + string(data)
}
