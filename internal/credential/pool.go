package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"aistudio2api-go/internal/events"
	"aistudio2api-go/internal/monitoring"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Pool tracks every credential the gateway may run with. Permanent entries
// come from a Source and are fixed after startup; temporary entries are added
// and removed at runtime and live in memory only.
type Pool struct {
	mu         sync.RWMutex
	src        Source
	discovered []int
	valid      []int
	temporary  map[int]json.RawMessage
	publisher  events.Publisher
}

// ChangeEvent is published on credentials.changed.
type ChangeEvent struct {
	Action    string    `json:"action"`
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Available []int     `json:"available"`
}

// NewPool discovers and pre-validates src. It fails with ErrEmptyPool when no
// credential is usable.
func NewPool(ctx context.Context, src Source) (*Pool, error) {
	p := &Pool{
		src:       src,
		temporary: make(map[int]json.RawMessage),
	}
	if err := p.Discover(ctx); err != nil {
		return nil, err
	}
	p.PreValidate(ctx)
	if len(p.AvailableIndices()) == 0 {
		log.WithFields(log.Fields{"source": src.Name(), "mode": src.Mode()}).Error("no valid credential source found")
		return nil, fmt.Errorf("%w (mode %s)", ErrEmptyPool, src.Mode())
	}
	return p, nil
}

// SetEventPublisher wires the event hub used for credentials.changed.
func (p *Pool) SetEventPublisher(pub events.Publisher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publisher = pub
}

// Mode returns the permanent source mode.
func (p *Pool) Mode() string { return p.src.Mode() }

// Discover refreshes the set of candidate permanent indices.
func (p *Pool) Discover(ctx context.Context) error {
	found, err := p.src.Discover(ctx)
	if err != nil {
		return fmt.Errorf("discover credentials: %w", err)
	}
	indices := sortedUnique(found)

	p.mu.Lock()
	p.discovered = indices
	p.mu.Unlock()

	log.WithFields(log.Fields{"mode": p.src.Mode(), "count": len(indices)}).Info("credential sources discovered")
	return nil
}

// PreValidate reads and parses every discovered payload once. Failures are
// excluded from the valid set for the life of the process.
func (p *Pool) PreValidate(ctx context.Context) {
	p.mu.RLock()
	candidates := append([]int(nil), p.discovered...)
	p.mu.RUnlock()

	valid := make([]int, 0, len(candidates))
	var invalid []int
	for _, index := range candidates {
		data, err := p.src.Read(ctx, index)
		if err != nil || !isObject(data) {
			invalid = append(invalid, index)
			continue
		}
		valid = append(valid, index)
	}
	if len(invalid) > 0 {
		log.WithField("indices", invalid).Warn("ignoring unreadable or malformed credential sources")
	}

	p.mu.Lock()
	p.valid = valid
	p.mu.Unlock()
	p.updateGauges()

	log.WithField("valid", valid).Info("credential pre-validation complete")
}

// AvailableIndices returns the sorted union of valid permanent and temporary indices.
func (p *Pool) AvailableIndices() []int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.availableLocked()
}

func (p *Pool) availableLocked() []int {
	out := make([]int, 0, len(p.valid)+len(p.temporary))
	out = append(out, p.valid...)
	for idx := range p.temporary {
		out = append(out, idx)
	}
	return sortedUnique(out)
}

// FirstAvailable returns the smallest available index.
func (p *Pool) FirstAvailable() (int, bool) {
	indices := p.AvailableIndices()
	if len(indices) == 0 {
		return 0, false
	}
	return indices[0], true
}

// Contains reports whether index is currently available.
func (p *Pool) Contains(index int) bool {
	for _, idx := range p.AvailableIndices() {
		if idx == index {
			return true
		}
	}
	return false
}

// Get returns the payload for index. Temporary entries shadow permanent ones.
func (p *Pool) Get(ctx context.Context, index int) (*Credential, error) {
	p.mu.RLock()
	if payload, ok := p.temporary[index]; ok {
		p.mu.RUnlock()
		return &Credential{Index: index, Payload: append(json.RawMessage(nil), payload...), Origin: OriginTemporary}, nil
	}
	isValid := containsInt(p.valid, index)
	p.mu.RUnlock()

	if !isValid {
		log.WithField("auth_index", index).Error("requested unknown credential index")
		return nil, fmt.Errorf("%w: index %d", ErrCredentialNotFound, index)
	}
	data, err := p.src.Read(ctx, index)
	if err != nil {
		return nil, fmt.Errorf("read credential %d: %w", index, err)
	}
	if !isObject(data) {
		return nil, fmt.Errorf("credential %d from %s: %w", index, p.src.Name(), ErrInvalidPayload)
	}
	return &Credential{Index: index, Payload: data, Origin: OriginPermanent}, nil
}

// AddTemporary registers a runtime credential. The index must be positive and
// unused by any discovered (even invalid) or temporary credential.
func (p *Pool) AddTemporary(index int, payload []byte) error {
	if index <= 0 {
		return ErrInvalidIndex
	}
	if !isObject(payload) {
		return ErrInvalidPayload
	}

	p.mu.Lock()
	if containsInt(p.discovered, index) {
		p.mu.Unlock()
		return fmt.Errorf("%w: %d is a permanent credential", ErrIndexExists, index)
	}
	if _, ok := p.temporary[index]; ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %d is already a temporary credential", ErrIndexExists, index)
	}
	p.temporary[index] = append(json.RawMessage(nil), payload...)
	p.mu.Unlock()

	log.WithField("auth_index", index).Info("temporary credential added")
	p.updateGauges()
	p.emit("added", index)
	return nil
}

// RemoveTemporary drops a runtime credential.
func (p *Pool) RemoveTemporary(index int) error {
	p.mu.Lock()
	if _, ok := p.temporary[index]; !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNotTemporary, index)
	}
	delete(p.temporary, index)
	p.mu.Unlock()

	log.WithField("auth_index", index).Info("temporary credential removed")
	p.updateGauges()
	p.emit("removed", index)
	return nil
}

// AccountDetails lists every available credential with its origin.
func (p *Pool) AccountDetails() []AccountDetail {
	p.mu.RLock()
	defer p.mu.RUnlock()
	indices := p.availableLocked()
	out := make([]AccountDetail, 0, len(indices))
	for _, idx := range indices {
		source := p.src.Mode()
		if _, ok := p.temporary[idx]; ok {
			source = string(OriginTemporary)
		}
		out = append(out, AccountDetail{Index: idx, Source: source})
	}
	return out
}

func (p *Pool) updateGauges() {
	p.mu.RLock()
	permanent, temporary := len(p.valid), len(p.temporary)
	p.mu.RUnlock()
	monitoring.AvailableCredentials.WithLabelValues(string(OriginPermanent)).Set(float64(permanent))
	monitoring.AvailableCredentials.WithLabelValues(string(OriginTemporary)).Set(float64(temporary))
}

func (p *Pool) emit(action string, index int) {
	p.mu.RLock()
	pub := p.publisher
	available := p.availableLocked()
	p.mu.RUnlock()
	if pub == nil {
		return
	}
	pub.Publish(context.Background(), events.TopicCredentialChanged, ChangeEvent{
		Action:    action,
		Index:     index,
		Timestamp: time.Now().UTC(),
		Available: available,
	}, map[string]string{"action": action})
}

func sortedUnique(in []int) []int {
	seen := make(map[int]struct{}, len(in))
	out := make([]int, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// isObject reports whether data is a well-formed JSON object.
func isObject(data []byte) bool {
	return json.Valid(data) && gjson.ParseBytes(data).IsObject()
}
