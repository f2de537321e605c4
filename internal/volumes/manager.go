package volumes

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/gpufabric/fabricd/internal/ids"
	"github.com/gpufabric/fabricd/internal/xerrors"
)

// EventKind discriminates the events a Manager emits as it provisions,
// binds, attaches, and retires volumes.
type EventKind int

const (
	EventCreated EventKind = iota
	EventAvailable
	EventBound
	EventAttached
	EventDetached
	EventReleased
	EventDeleted
	EventFailed
)

// Event is a single manager-emitted lifecycle notification.
type Event struct {
	Kind       EventKind
	VolumeID   ids.VolumeID
	ClaimID    ids.ClaimID
	WorkloadID ids.WorkloadID
	Error      string
}

// ManagerConfig bounds a Manager's in-memory state and names a fallback
// storage class for claims that don't request one explicitly.
type ManagerConfig struct {
	DefaultStorageClass string
	MaxVolumes          int
	MaxClaims           int
	MaxEvents           int
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{MaxVolumes: 10000, MaxClaims: 10000, MaxEvents: 4096}
}

// Manager is the central point of control for volume provisioning,
// claim binding, attach/detach, and reclaim-policy-driven release.
type Manager struct {
	cfg ManagerConfig
	log *zap.Logger

	mu             sync.RWMutex
	volumes        map[ids.VolumeID]Volume
	claims         map[ids.ClaimID]VolumeClaim
	storageClasses map[string]StorageClass
	events         []Event
}

// NewManager constructs a Manager with default configuration.
func NewManager(log *zap.Logger) *Manager {
	return NewManagerWithConfig(DefaultManagerConfig(), log)
}

// NewManagerWithConfig constructs a Manager with explicit configuration.
func NewManagerWithConfig(cfg ManagerConfig, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		cfg:            cfg,
		log:            log,
		volumes:        make(map[ids.VolumeID]Volume),
		claims:         make(map[ids.ClaimID]VolumeClaim),
		storageClasses: make(map[string]StorageClass),
	}
}

func (m *Manager) recordEvent(e Event) {
	m.events = append(m.events, e)
	if m.cfg.MaxEvents > 0 && len(m.events) > m.cfg.MaxEvents {
		m.events = m.events[len(m.events)-m.cfg.MaxEvents:]
	}
}

// RegisterStorageClass adds or replaces a storage class. Marking it
// default clears the default flag on every other registered class.
func (m *Manager) RegisterStorageClass(sc StorageClass) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sc.IsDefault {
		for name, existing := range m.storageClasses {
			existing.IsDefault = false
			m.storageClasses[name] = existing
		}
	}
	m.storageClasses[sc.Name] = sc
	m.log.Info("registered storage class", zap.String("name", sc.Name), zap.String("provisioner", sc.Provisioner))
}

// GetStorageClass returns a registered storage class by name.
func (m *Manager) GetStorageClass(name string) (StorageClass, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sc, ok := m.storageClasses[name]
	return sc, ok
}

// DefaultStorageClass returns the explicitly marked default class, or
// failing that the class named in the manager's configuration.
func (m *Manager) DefaultStorageClass() (StorageClass, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, sc := range m.storageClasses {
		if sc.IsDefault {
			return sc, true
		}
	}
	if m.cfg.DefaultStorageClass != "" {
		sc, ok := m.storageClasses[m.cfg.DefaultStorageClass]
		return sc, ok
	}
	return StorageClass{}, false
}

// ListStorageClasses returns every registered storage class.
func (m *Manager) ListStorageClasses() []StorageClass {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]StorageClass, 0, len(m.storageClasses))
	for _, sc := range m.storageClasses {
		out = append(out, sc)
	}
	return out
}

// Provision registers a new volume. It rejects duplicate ids, capacity
// overflow, and volumes that fail their type-specific validation.
func (m *Manager) Provision(volume Volume) (ids.VolumeID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.MaxVolumes > 0 && len(m.volumes) >= m.cfg.MaxVolumes {
		return "", newCapacityError("maximum volumes reached")
	}
	if _, exists := m.volumes[volume.ID]; exists {
		return "", xerrors.ErrVolumeAlreadyExists
	}
	if volume.Capacity == 0 {
		return "", newCapacityError("volume capacity must be nonzero")
	}
	if err := volume.Validate(); err != nil {
		return "", err
	}

	m.volumes[volume.ID] = volume
	m.recordEvent(Event{Kind: EventCreated, VolumeID: volume.ID})
	m.log.Info("volume provisioned", zap.String("volume_id", string(volume.ID)))
	return volume.ID, nil
}

// ProvisionAvailable provisions a volume and immediately marks it
// Available, skipping the usual Pending-to-Available transition.
func (m *Manager) ProvisionAvailable(volume Volume) (ids.VolumeID, error) {
	volume.SetStatus(VolumeAvailable)
	return m.Provision(volume)
}

// GetVolume returns a volume by id.
func (m *Manager) GetVolume(id ids.VolumeID) (Volume, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.volumes[id]
	return v, ok
}

// ListVolumes returns every volume known to the manager.
func (m *Manager) ListVolumes() []Volume {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Volume, 0, len(m.volumes))
	for _, v := range m.volumes {
		out = append(out, v)
	}
	return out
}

// ListAvailableVolumes returns every Available volume.
func (m *Manager) ListAvailableVolumes() []Volume {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Volume
	for _, v := range m.volumes {
		if v.IsAvailable() {
			out = append(out, v)
		}
	}
	return out
}

// MarkAvailable transitions a Pending volume to Available.
func (m *Manager) MarkAvailable(id ids.VolumeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.volumes[id]
	if !ok {
		return xerrors.ErrVolumeNotFound
	}
	if v.Status != VolumePending {
		return &xerrors.InvalidVolumeStateError{Expected: VolumePending.String(), Actual: v.Status.String()}
	}
	v.SetStatus(VolumeAvailable)
	m.volumes[id] = v
	m.recordEvent(Event{Kind: EventAvailable, VolumeID: id})
	return nil
}

// MarkFailed transitions a volume to Failed and records the error.
func (m *Manager) MarkFailed(id ids.VolumeID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.volumes[id]
	if !ok {
		return xerrors.ErrVolumeNotFound
	}
	v.SetStatus(VolumeFailed)
	v.ErrorMessage = &errMsg
	m.volumes[id] = v
	m.recordEvent(Event{Kind: EventFailed, VolumeID: id, Error: errMsg})
	m.log.Warn("volume marked failed", zap.String("volume_id", string(id)), zap.String("error", errMsg))
	return nil
}

// CreateClaim registers a pending volume claim.
func (m *Manager) CreateClaim(claim VolumeClaim) (ids.ClaimID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.MaxClaims > 0 && len(m.claims) >= m.cfg.MaxClaims {
		return "", newCapacityError("maximum claims reached")
	}
	if existing, exists := m.claims[claim.ID]; exists {
		bound := ids.VolumeID("unknown")
		if existing.BoundVolume != nil {
			bound = *existing.BoundVolume
		}
		return "", &claimAlreadyBoundError{ClaimID: claim.ID, VolumeID: bound}
	}

	m.claims[claim.ID] = claim
	m.log.Info("volume claim created", zap.String("claim_id", string(claim.ID)))
	return claim.ID, nil
}

// GetClaim returns a claim by id.
func (m *Manager) GetClaim(id ids.ClaimID) (VolumeClaim, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.claims[id]
	return c, ok
}

// ListClaims returns every claim known to the manager.
func (m *Manager) ListClaims() []VolumeClaim {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]VolumeClaim, 0, len(m.claims))
	for _, c := range m.claims {
		out = append(out, c)
	}
	return out
}

// ListPendingClaims returns every claim still awaiting a bind.
func (m *Manager) ListPendingClaims() []VolumeClaim {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []VolumeClaim
	for _, c := range m.claims {
		if c.Status == ClaimPending {
			out = append(out, c)
		}
	}
	return out
}

// FindMatchingVolume returns the first Available volume satisfying the
// claim's requirements, if any.
func (m *Manager) FindMatchingVolume(claim VolumeClaim) (ids.VolumeID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.volumes {
		if v.IsAvailable() && claim.MatchesVolume(v) {
			return v.ID, true
		}
	}
	return "", false
}

// Bind binds an Available volume to an unbound claim it satisfies.
func (m *Manager) Bind(volumeID ids.VolumeID, claimID ids.ClaimID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.volumes[volumeID]
	if !ok {
		return xerrors.ErrVolumeNotFound
	}
	if !v.IsAvailable() {
		return &xerrors.InvalidVolumeStateError{Expected: VolumeAvailable.String(), Actual: v.Status.String()}
	}

	c, ok := m.claims[claimID]
	if !ok {
		return xerrors.ErrClaimNotFound
	}
	if c.IsBound() {
		bound := ids.VolumeID("unknown")
		if c.BoundVolume != nil {
			bound = *c.BoundVolume
		}
		return &claimAlreadyBoundError{ClaimID: claimID, VolumeID: bound}
	}
	if !c.MatchesVolume(v) {
		return xerrors.ErrNoMatchingVolume
	}

	v.SetStatus(VolumeBound)
	v.BoundClaim = &claimID
	m.volumes[volumeID] = v

	c.Status = ClaimBound
	c.BoundVolume = &volumeID
	m.claims[claimID] = c

	m.recordEvent(Event{Kind: EventBound, VolumeID: volumeID, ClaimID: claimID})
	m.log.Info("volume bound to claim", zap.String("volume_id", string(volumeID)), zap.String("claim_id", string(claimID)))
	return nil
}

// ReconcileClaims attempts to bind every pending claim to a matching
// available volume, and reports how many were bound. Claims are processed
// in claim-id order so that two claims competing for one volume resolve
// the same way on every node.
func (m *Manager) ReconcileClaims() int {
	pending := m.ListPendingClaims()
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })
	bound := 0
	for _, c := range pending {
		if volumeID, ok := m.FindMatchingVolume(c); ok {
			if m.Bind(volumeID, c.ID) == nil {
				bound++
			}
		}
	}
	if bound > 0 {
		m.log.Info("reconciled pending claims", zap.Int("bound_count", bound))
	}
	return bound
}

// Attach attaches a Bound volume to a workload.
func (m *Manager) Attach(volumeID ids.VolumeID, workloadID ids.WorkloadID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.volumes[volumeID]
	if !ok {
		return xerrors.ErrVolumeNotFound
	}
	if v.IsAttached() {
		attached := ids.WorkloadID("unknown")
		if v.AttachedTo != nil {
			attached = *v.AttachedTo
		}
		return &xerrors.VolumeAlreadyAttachedError{ID: string(volumeID), Workload: string(attached)}
	}
	if v.Status != VolumeBound {
		return &xerrors.InvalidVolumeStateError{Expected: VolumeBound.String(), Actual: v.Status.String()}
	}

	v.SetStatus(VolumeAttached)
	v.AttachedTo = &workloadID
	m.volumes[volumeID] = v

	m.recordEvent(Event{Kind: EventAttached, VolumeID: volumeID, WorkloadID: workloadID})
	m.log.Info("volume attached", zap.String("volume_id", string(volumeID)), zap.String("workload_id", string(workloadID)))
	return nil
}

// Detach detaches an attached volume, returning it to Bound.
func (m *Manager) Detach(volumeID ids.VolumeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.volumes[volumeID]
	if !ok {
		return xerrors.ErrVolumeNotFound
	}
	if !v.IsAttached() {
		return xerrors.ErrVolumeNotAttached
	}

	v.AttachedTo = nil
	v.SetStatus(VolumeBound)
	m.volumes[volumeID] = v

	m.recordEvent(Event{Kind: EventDetached, VolumeID: volumeID})
	return nil
}

// Release releases a bound (and not attached) volume from its claim,
// applying the owning storage class's reclaim policy: Delete moves the
// volume to Deleting, Recycle returns it to Pending, Retain leaves it in
// Releasing for an operator to reclaim by hand.
func (m *Manager) Release(volumeID ids.VolumeID) (ReclaimPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.volumes[volumeID]
	if !ok {
		return ReclaimRetain, xerrors.ErrVolumeNotFound
	}
	if v.IsAttached() {
		attached := ids.WorkloadID("unknown")
		if v.AttachedTo != nil {
			attached = *v.AttachedTo
		}
		return ReclaimRetain, &xerrors.VolumeAlreadyAttachedError{ID: string(volumeID), Workload: string(attached)}
	}
	if !v.IsBound() {
		return ReclaimRetain, &xerrors.InvalidVolumeStateError{Expected: VolumeBound.String(), Actual: v.Status.String()}
	}

	claimID := v.BoundClaim
	policy := ReclaimRetain
	if v.StorageClass != nil {
		if sc, ok := m.storageClasses[*v.StorageClass]; ok {
			policy = sc.ReclaimPolicy
		}
	}

	v.SetStatus(VolumeReleasing)
	v.BoundClaim = nil
	m.volumes[volumeID] = v

	if claimID != nil {
		if c, ok := m.claims[*claimID]; ok {
			c.Status = ClaimLost
			c.BoundVolume = nil
			m.claims[*claimID] = c
		}
	}

	m.recordEvent(Event{Kind: EventReleased, VolumeID: volumeID})

	switch policy {
	case ReclaimDelete:
		v = m.volumes[volumeID]
		v.SetStatus(VolumeDeleting)
		m.volumes[volumeID] = v
	case ReclaimRecycle:
		v = m.volumes[volumeID]
		v.SetStatus(VolumePending)
		m.volumes[volumeID] = v
	case ReclaimRetain:
		// stays in Releasing until an operator reclaims it.
	}

	m.log.Info("volume released", zap.String("volume_id", string(volumeID)), zap.Int("reclaim_policy", int(policy)))
	return policy, nil
}

// Delete permanently removes a volume. It refuses a volume that is
// attached or still bound to a claim.
func (m *Manager) Delete(volumeID ids.VolumeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.volumes[volumeID]
	if !ok {
		return xerrors.ErrVolumeNotFound
	}
	if v.IsAttached() {
		attached := ids.WorkloadID("unknown")
		if v.AttachedTo != nil {
			attached = *v.AttachedTo
		}
		return &xerrors.VolumeAlreadyAttachedError{ID: string(volumeID), Workload: string(attached)}
	}
	if v.IsBound() {
		return &xerrors.InvalidVolumeStateError{Expected: VolumeAvailable.String(), Actual: v.Status.String()}
	}

	delete(m.volumes, volumeID)
	m.recordEvent(Event{Kind: EventDeleted, VolumeID: volumeID})
	m.log.Info("volume deleted", zap.String("volume_id", string(volumeID)))
	return nil
}

// DeleteClaim removes a claim, returning the volume id it was bound to,
// if any.
func (m *Manager) DeleteClaim(claimID ids.ClaimID) (*ids.VolumeID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.claims[claimID]
	if !ok {
		return nil, xerrors.ErrClaimNotFound
	}
	delete(m.claims, claimID)
	return c.BoundVolume, nil
}

// Events returns every retained lifecycle event, oldest first.
func (m *Manager) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// VolumeCount returns the number of volumes currently tracked.
func (m *Manager) VolumeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.volumes)
}

// ClaimCount returns the number of claims currently tracked.
func (m *Manager) ClaimCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.claims)
}

// Stats summarizes volume and claim counts by status.
type Stats struct {
	TotalVolumes     int
	PendingVolumes   int
	AvailableVolumes int
	BoundVolumes     int
	AttachedVolumes  int
	FailedVolumes    int
	TotalCapacity    uint64
	TotalClaims      int
	PendingClaims    int
	BoundClaims      int
	LostClaims       int
	StorageClasses   int
}

// Stats computes a snapshot of volume and claim counts by status.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s Stats
	s.TotalVolumes = len(m.volumes)
	for _, v := range m.volumes {
		switch v.Status {
		case VolumePending:
			s.PendingVolumes++
		case VolumeAvailable:
			s.AvailableVolumes++
		case VolumeBound:
			s.BoundVolumes++
		case VolumeAttached:
			s.AttachedVolumes++
		case VolumeFailed:
			s.FailedVolumes++
		}
		s.TotalCapacity += v.Capacity
	}

	s.TotalClaims = len(m.claims)
	for _, c := range m.claims {
		switch c.Status {
		case ClaimPending:
			s.PendingClaims++
		case ClaimBound:
			s.BoundClaims++
		case ClaimLost:
			s.LostClaims++
		}
	}

	s.StorageClasses = len(m.storageClasses)
	return s
}

type claimAlreadyBoundError struct {
	ClaimID  ids.ClaimID
	VolumeID ids.VolumeID
}

func (e *claimAlreadyBoundError) Error() string {
	return "claim " + string(e.ClaimID) + " already bound to volume " + string(e.VolumeID)
}

func (e *claimAlreadyBoundError) Unwrap() error { return xerrors.ErrClaimAlreadyBound }

func newCapacityError(reason string) error {
	return &capacityError{Reason: reason}
}

type capacityError struct{ Reason string }

func (e *capacityError) Error() string { return "capacity error: " + e.Reason }
func (e *capacityError) Unwrap() error { return xerrors.ErrCapacity }
