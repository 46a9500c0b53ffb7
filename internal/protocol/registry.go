// ABOUTME: Protocol registry: definitions, per-session negotiation, message validation
// ABOUTME: Definitions are immutable once registered and shared across sessions

package protocol

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/parley-dev/parley-gateway/internal/session"
)

// Registry errors
var (
	// ErrConflict means a definition with the same name+version but a
	// different schema is already registered.
	ErrConflict = errors.New("protocol already registered with different schema")

	// ErrNoCompatibleProtocol means negotiation found no definition both
	// sides support.
	ErrNoCompatibleProtocol = errors.New("no compatible protocol")

	// ErrNotNegotiated means the session has not completed negotiation.
	ErrNotNegotiated = errors.New("session has no negotiated protocol")

	// ErrProtocolViolation means a message failed validation against the
	// session's negotiated protocol.
	ErrProtocolViolation = errors.New("protocol violation")
)

// Definition describes one protocol version: the message types it accepts
// and the capabilities a session must declare to use it. Immutable once
// registered; many sessions reference the same definition.
type Definition struct {
	Name                   string
	Version                int
	AcceptedMessageTypes   []string
	CapabilityRequirements []string
}

// Key returns the lookup key for a definition, "name@vN".
func (d *Definition) Key() string {
	return fmt.Sprintf("%s@v%d", d.Name, d.Version)
}

// sameSchema reports whether two definitions declare identical accepted
// types and capability requirements, order-insensitive.
func (d *Definition) sameSchema(other *Definition) bool {
	return equalSets(d.AcceptedMessageTypes, other.AcceptedMessageTypes) &&
		equalSets(d.CapabilityRequirements, other.CapabilityRequirements)
}

func equalSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// Offer is one protocol a connecting session proposes during negotiation.
type Offer struct {
	Name     string
	Versions []int
}

// Registry stores protocol definitions and tracks which definition each
// session negotiated.
type Registry struct {
	mu         sync.RWMutex
	defs       map[string]*Definition // key: name@vN
	byName     map[string][]int       // registered versions per name
	negotiated map[string]string      // session ID -> definition key

	logger *slog.Logger
}

// NewRegistry creates an empty protocol registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		defs:       make(map[string]*Definition),
		byName:     make(map[string][]int),
		negotiated: make(map[string]string),
		logger:     logger.With("component", "protocol"),
	}
}

// RegisterProtocol adds a definition. Registering the identical schema again
// is a no-op; the same name+version with a different schema fails with
// ErrConflict.
func (r *Registry) RegisterProtocol(def *Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := def.Key()
	if existing, ok := r.defs[key]; ok {
		if existing.sameSchema(def) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrConflict, key)
	}

	cp := &Definition{
		Name:                   def.Name,
		Version:                def.Version,
		AcceptedMessageTypes:   append([]string(nil), def.AcceptedMessageTypes...),
		CapabilityRequirements: append([]string(nil), def.CapabilityRequirements...),
	}
	r.defs[key] = cp
	r.byName[def.Name] = append(r.byName[def.Name], def.Version)
	sort.Ints(r.byName[def.Name])

	r.logger.Debug("registered protocol", "protocol", key,
		"message_types", len(def.AcceptedMessageTypes))
	return nil
}

// Lookup returns the definition for a key, nil if unknown.
func (r *Registry) Lookup(key string) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defs[key]
}

// Negotiate picks the protocol for a session from its offers. Offers are
// considered in request order; within a name, the highest version registered
// on both sides whose capability requirements the session satisfies wins.
// The choice is deterministic for a given registry state and offer list.
func (r *Registry) Negotiate(sess *session.Session, offers []Offer) (*Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, offer := range offers {
		registered := r.byName[offer.Name]
		if len(registered) == 0 {
			continue
		}

		offered := append([]int(nil), offer.Versions...)
		sort.Sort(sort.Reverse(sort.IntSlice(offered)))

		for _, v := range offered {
			def, ok := r.defs[fmt.Sprintf("%s@v%d", offer.Name, v)]
			if !ok {
				continue
			}
			if !capabilitiesSatisfied(def, sess) {
				continue
			}
			r.negotiated[sess.ID] = def.Key()
			sess.SetProtocolKey(def.Key())
			r.logger.Debug("negotiated protocol",
				"session_id", sess.ID, "protocol", def.Key())
			return def, nil
		}
	}

	return nil, ErrNoCompatibleProtocol
}

// capabilitiesSatisfied reports whether the session declares every
// capability the definition requires.
func capabilitiesSatisfied(def *Definition, sess *session.Session) bool {
	for _, req := range def.CapabilityRequirements {
		if !sess.HasCapability(req) {
			return false
		}
	}
	return true
}

// ValidateMessage checks a message type against the session's negotiated
// protocol. Returns nil when the message is acceptable, ErrNotNegotiated if
// negotiation has not happened, or a wrapped ErrProtocolViolation otherwise.
func (r *Registry) ValidateMessage(sess *session.Session, messageType string) error {
	r.mu.RLock()
	key, ok := r.negotiated[sess.ID]
	def := r.defs[key]
	r.mu.RUnlock()

	if !ok || def == nil {
		return ErrNotNegotiated
	}

	accepted := false
	for _, t := range def.AcceptedMessageTypes {
		if t == messageType {
			accepted = true
			break
		}
	}
	if !accepted {
		return fmt.Errorf("%w: message type %q not accepted by %s", ErrProtocolViolation, messageType, key)
	}

	// Capabilities can only shrink relative to negotiation time if the
	// session lied, but re-check so a definition shared across sessions
	// never validates a message the session cannot carry.
	if !capabilitiesSatisfied(def, sess) {
		return fmt.Errorf("%w: session %s missing required capability for %s", ErrProtocolViolation, sess.ID, key)
	}

	return nil
}

// Forget drops a session's negotiation state. Called when the session closes.
func (r *Registry) Forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.negotiated, sessionID)
}
