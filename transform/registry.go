package transform

import (
	"fmt"
	"sync"

	"github.com/goccy/go-json"
)

// Factory decodes a transformation of one registered kind from its JSON
// body.
type Factory func(data []byte) (Transformation, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register registers a factory for a transformation kind.
//
// Transformation implementations should typically call this from an init()
// function. Registering a kind twice panics: kinds are part of the durable
// metadata format and must be unambiguous.
func Register(kind string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[kind]; ok {
		panic(fmt.Sprintf("transform: kind %q registered twice", kind))
	}
	registry[kind] = factory
}

// envelope is the serialized form: the registered kind name plus the
// kind-specific body.
type envelope struct {
	Kind string          `json:"kind"`
	Spec json.RawMessage `json:"spec"`
}

// Marshal encodes a transformation together with its kind name.
func Marshal(t Transformation) ([]byte, error) {
	spec, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Kind: t.Kind(), Spec: spec})
}

// Unmarshal decodes a transformation envelope, dispatching on the registered
// kind. An unregistered kind returns ErrUnknownKind: metadata written by a
// newer version is surfaced, never guessed at.
func Unmarshal(data []byte) (Transformation, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	registryMu.RLock()
	factory, ok := registry[env.Kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	return factory(env.Spec)
}
