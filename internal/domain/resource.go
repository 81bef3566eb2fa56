package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Resource is a ledger-registered trade-slot identifier.
type Resource struct {
	ResourceID   string             `json:"resourceID"`
	ResourceType string             `json:"resourceType"`
	Owner        *LedgerParticipant `json:"owner,omitempty"`
}

// PoolSizes reports the cardinality of the three resource pools.
type PoolSizes struct {
	Pending   int `json:"pending"`
	Available int `json:"available"`
	InUse     int `json:"inUse"`
}

// Total returns the number of resources known to the pool.
func (p PoolSizes) Total() int {
	return p.Pending + p.Available + p.InUse
}

// ExperimentScope identifies the experiment instance and the prosumer this
// agent trades for. Resource ids have the form
// descriptionID-instanceID-prosumerID-slot.
type ExperimentScope struct {
	DescriptionID string
	InstanceID    string
	ProsumerID    int
}

// ResourceType returns the resource type owned by this agent.
func (s ExperimentScope) ResourceType() string {
	return s.TypeFor(s.ProsumerID)
}

// TypeFor returns the resource type of the given prosumer in this experiment.
func (s ExperimentScope) TypeFor(prosumerID int) string {
	return s.DescriptionID + "-" + s.InstanceID + "-" + strconv.Itoa(prosumerID)
}

// ResourceID composes the resource id of slot on behalf of prosumerID.
func (s ExperimentScope) ResourceID(prosumerID int, slot string) string {
	return s.TypeFor(prosumerID) + "-" + slot
}

// Contains reports whether the resource id belongs to this experiment instance.
func (s ExperimentScope) Contains(resourceID string) bool {
	parts := strings.Split(resourceID, "-")
	return len(parts) >= 2 && parts[0] == s.DescriptionID && parts[1] == s.InstanceID
}

// Owns reports whether the resource id was issued for this agent's prosumer.
func (s ExperimentScope) Owns(resourceID string) bool {
	return strings.HasPrefix(resourceID, s.ResourceType()+"-")
}

// SlotID extracts the fourth hyphen-separated component of a resource id.
func SlotID(resourceID string) (string, error) {
	parts := strings.Split(resourceID, "-")
	if len(parts) < 4 {
		return "", fmt.Errorf("%w: %q has %d components, want 4", ErrMalformedResource, resourceID, len(parts))
	}
	return parts[3], nil
}

// String returns the scope key used to partition persisted records.
func (s ExperimentScope) String() string {
	return s.ResourceType()
}
