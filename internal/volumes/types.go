// Package volumes models the storage-volume lifecycle: volume types
// (host path, NFS, S3, empty dir), access-mode compatibility, the
// volume/claim state machines, and storage classes with their reclaim and
// binding policies.
package volumes

import (
	"fmt"
	"time"

	"github.com/gpufabric/fabricd/internal/ids"
	"github.com/gpufabric/fabricd/internal/xerrors"
)

// AccessMode governs how many nodes/pods may mount a volume concurrently
// and whether they may write.
type AccessMode int

const (
	ReadWriteOnce AccessMode = iota
	ReadOnlyMany
	ReadWriteMany
	ReadWriteOncePod
)

func (m AccessMode) String() string {
	switch m {
	case ReadWriteOnce:
		return "ReadWriteOnce"
	case ReadOnlyMany:
		return "ReadOnlyMany"
	case ReadWriteMany:
		return "ReadWriteMany"
	case ReadWriteOncePod:
		return "ReadWriteOncePod"
	default:
		return "Unknown"
	}
}

// AllowsMultipleReaders reports whether more than one mounter may attach
// concurrently.
func (m AccessMode) AllowsMultipleReaders() bool {
	return m == ReadOnlyMany || m == ReadWriteMany
}

// AllowsWrite reports whether the mode permits writing.
func (m AccessMode) AllowsWrite() bool {
	return m == ReadWriteOnce || m == ReadWriteMany || m == ReadWriteOncePod
}

// IsCompatibleWith reports whether a volume offering mode m can satisfy a
// claim requesting mode requested.
func (m AccessMode) IsCompatibleWith(requested AccessMode) bool {
	switch m {
	case ReadWriteMany:
		return true
	case ReadOnlyMany:
		return !requested.AllowsWrite()
	default: // ReadWriteOnce, ReadWriteOncePod
		return m == requested
	}
}

// VolumeStatus is a volume's lifecycle state.
type VolumeStatus int

const (
	VolumePending VolumeStatus = iota
	VolumeAvailable
	VolumeBound
	VolumeAttached
	VolumeReleasing
	VolumeFailed
	VolumeDeleting
)

func (s VolumeStatus) String() string {
	switch s {
	case VolumePending:
		return "Pending"
	case VolumeAvailable:
		return "Available"
	case VolumeBound:
		return "Bound"
	case VolumeAttached:
		return "Attached"
	case VolumeReleasing:
		return "Releasing"
	case VolumeFailed:
		return "Failed"
	case VolumeDeleting:
		return "Deleting"
	default:
		return "Unknown"
	}
}

// HostPathType constrains what must already exist at a host-path volume's
// path.
type HostPathType int

const (
	HostPathUnset HostPathType = iota
	HostPathDirectory
	HostPathFile
	HostPathSocket
	HostPathCharDevice
	HostPathBlockDevice
	HostPathDirectoryOrCreate
	HostPathFileOrCreate
)

// HostPathConfig configures a host-path volume.
type HostPathConfig struct {
	Path         string
	HostPathType HostPathType
}

func NewHostPathConfig(path string) HostPathConfig {
	return HostPathConfig{Path: path, HostPathType: HostPathUnset}
}

func (c HostPathConfig) WithType(t HostPathType) HostPathConfig {
	c.HostPathType = t
	return c
}

func (c HostPathConfig) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("%w: host path cannot be empty", xerrors.ErrInvalidMountPath)
	}
	if c.Path[0] != '/' {
		return fmt.Errorf("%w: host path must be absolute", xerrors.ErrInvalidMountPath)
	}
	return nil
}

// NfsConfig configures an NFS-backed volume.
type NfsConfig struct {
	Server       string
	Path         string
	ReadOnly     bool
	MountOptions []string
}

func NewNfsConfig(server, path string) NfsConfig {
	return NfsConfig{Server: server, Path: path}
}

func (c NfsConfig) WithReadOnly() NfsConfig { c.ReadOnly = true; return c }

func (c NfsConfig) WithOptions(options []string) NfsConfig {
	c.MountOptions = append([]string(nil), options...)
	return c
}

func (c NfsConfig) Validate() error {
	if c.Server == "" {
		return fmt.Errorf("%w: server address cannot be empty", xerrors.ErrInvalidNFSConfig)
	}
	if c.Path == "" {
		return fmt.Errorf("%w: export path cannot be empty", xerrors.ErrInvalidNFSConfig)
	}
	if c.Path[0] != '/' {
		return fmt.Errorf("%w: export path must be absolute", xerrors.ErrInvalidNFSConfig)
	}
	return nil
}

// S3Config configures an S3-compatible object-storage volume.
type S3Config struct {
	Bucket     string
	Endpoint   *string
	Region     *string
	Prefix     *string
	SecretName *string
	PathStyle  bool
}

func NewS3Config(bucket string) S3Config { return S3Config{Bucket: bucket} }

func (c S3Config) WithEndpoint(endpoint string) S3Config { c.Endpoint = &endpoint; return c }
func (c S3Config) WithRegion(region string) S3Config     { c.Region = &region; return c }
func (c S3Config) WithPrefix(prefix string) S3Config     { c.Prefix = &prefix; return c }
func (c S3Config) WithSecret(name string) S3Config       { c.SecretName = &name; return c }
func (c S3Config) WithPathStyle() S3Config               { c.PathStyle = true; return c }

func (c S3Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("%w: bucket name cannot be empty", xerrors.ErrInvalidS3Config)
	}
	if len(c.Bucket) < 3 || len(c.Bucket) > 63 {
		return fmt.Errorf("%w: bucket name must be between 3 and 63 characters", xerrors.ErrInvalidS3Config)
	}
	return nil
}

// EmptyDirMedium is the backing medium for an EmptyDir volume.
type EmptyDirMedium int

const (
	EmptyDirDefault EmptyDirMedium = iota
	EmptyDirMemory
)

// EmptyDirConfig configures an ephemeral, node-local volume.
type EmptyDirConfig struct {
	Medium    EmptyDirMedium
	SizeLimit uint64 // bytes, 0 = no limit
}

func NewEmptyDirConfig() EmptyDirConfig { return EmptyDirConfig{} }

func (c EmptyDirConfig) Memory() EmptyDirConfig { c.Medium = EmptyDirMemory; return c }

func (c EmptyDirConfig) WithSizeLimit(bytes uint64) EmptyDirConfig { c.SizeLimit = bytes; return c }
func (c EmptyDirConfig) WithSizeLimitMB(mb uint64) EmptyDirConfig {
	c.SizeLimit = mb * 1024 * 1024
	return c
}
func (c EmptyDirConfig) WithSizeLimitGB(gb uint64) EmptyDirConfig {
	c.SizeLimit = gb * 1024 * 1024 * 1024
	return c
}

// VolumeTypeKind discriminates VolumeType's variants.
type VolumeTypeKind int

const (
	VolumeTypeHostPath VolumeTypeKind = iota
	VolumeTypeNFS
	VolumeTypeS3
	VolumeTypeEmptyDir
)

// VolumeType is the tagged-union backing-store configuration for a
// Volume. Exactly one of HostPath/NFS/S3/EmptyDir is meaningful,
// selected by Kind.
type VolumeType struct {
	Kind     VolumeTypeKind
	HostPath HostPathConfig
	NFS      NfsConfig
	S3       S3Config
	EmptyDir EmptyDirConfig
}

func HostPathVolumeType(path string) VolumeType {
	return VolumeType{Kind: VolumeTypeHostPath, HostPath: NewHostPathConfig(path)}
}

func NFSVolumeType(server, path string) VolumeType {
	return VolumeType{Kind: VolumeTypeNFS, NFS: NewNfsConfig(server, path)}
}

func S3VolumeType(bucket string) VolumeType {
	return VolumeType{Kind: VolumeTypeS3, S3: NewS3Config(bucket)}
}

func EmptyDirVolumeType() VolumeType {
	return VolumeType{Kind: VolumeTypeEmptyDir, EmptyDir: NewEmptyDirConfig()}
}

func (t VolumeType) Validate() error {
	switch t.Kind {
	case VolumeTypeHostPath:
		return t.HostPath.Validate()
	case VolumeTypeNFS:
		return t.NFS.Validate()
	case VolumeTypeS3:
		return t.S3.Validate()
	case VolumeTypeEmptyDir:
		return nil
	default:
		return fmt.Errorf("%w: unrecognized volume type", xerrors.ErrInvalidIdentifier)
	}
}

func (t VolumeType) TypeName() string {
	switch t.Kind {
	case VolumeTypeHostPath:
		return "HostPath"
	case VolumeTypeNFS:
		return "NFS"
	case VolumeTypeS3:
		return "S3"
	case VolumeTypeEmptyDir:
		return "EmptyDir"
	default:
		return "Unknown"
	}
}

// Volume is a storage volume instance.
type Volume struct {
	ID           ids.VolumeID
	VolumeType   VolumeType
	Capacity     uint64
	AccessMode   AccessMode
	Status       VolumeStatus
	StorageClass *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Labels       map[string]string
	Annotations  map[string]string
	BoundClaim   *ids.ClaimID
	AttachedTo   *ids.WorkloadID
	ErrorMessage *string
}

// NewVolume constructs a Pending volume with ReadWriteOnce access.
func NewVolume(id ids.VolumeID, volumeType VolumeType, capacity uint64) Volume {
	now := time.Now()
	return Volume{
		ID:          id,
		VolumeType:  volumeType,
		Capacity:    capacity,
		AccessMode:  ReadWriteOnce,
		Status:      VolumePending,
		CreatedAt:   now,
		UpdatedAt:   now,
		Labels:      make(map[string]string),
		Annotations: make(map[string]string),
	}
}

func (v Volume) WithAccessMode(mode AccessMode) Volume { v.AccessMode = mode; return v }

func (v Volume) WithStorageClass(class string) Volume { v.StorageClass = &class; return v }

func (v Volume) WithLabel(key, value string) Volume {
	if v.Labels == nil {
		v.Labels = make(map[string]string)
	}
	v.Labels[key] = value
	return v
}

func (v Volume) WithAnnotation(key, value string) Volume {
	if v.Annotations == nil {
		v.Annotations = make(map[string]string)
	}
	v.Annotations[key] = value
	return v
}

// SetStatus transitions the volume's status and bumps UpdatedAt.
func (v *Volume) SetStatus(status VolumeStatus) {
	v.Status = status
	v.UpdatedAt = time.Now()
}

func (v Volume) IsAvailable() bool { return v.Status == VolumeAvailable }
func (v Volume) IsBound() bool     { return v.Status == VolumeBound || v.BoundClaim != nil }
func (v Volume) IsAttached() bool  { return v.Status == VolumeAttached || v.AttachedTo != nil }

func (v Volume) Validate() error { return v.VolumeType.Validate() }

// MountPropagation controls whether mounts created within a volume mount
// propagate to/from the host.
type MountPropagation int

const (
	PropagationNone MountPropagation = iota
	PropagationHostToContainer
	PropagationBidirectional
)

// VolumeMount describes how a volume is mounted into a workload.
type VolumeMount struct {
	VolumeID    ids.VolumeID
	MountPath   string
	ReadOnly    bool
	SubPath     *string
	Propagation MountPropagation
}

func NewVolumeMount(volumeID ids.VolumeID, mountPath string) VolumeMount {
	return VolumeMount{VolumeID: volumeID, MountPath: mountPath}
}

func (m VolumeMount) ReadOnlyMount() VolumeMount { m.ReadOnly = true; return m }

func (m VolumeMount) WithSubPath(subPath string) VolumeMount { m.SubPath = &subPath; return m }

func (m VolumeMount) WithPropagation(p MountPropagation) VolumeMount { m.Propagation = p; return m }

func (m VolumeMount) Validate() error {
	if m.MountPath == "" {
		return fmt.Errorf("%w: mount path cannot be empty", xerrors.ErrInvalidMountPath)
	}
	if m.MountPath[0] != '/' {
		return fmt.Errorf("%w: mount path must be absolute", xerrors.ErrInvalidMountPath)
	}
	return nil
}

// ClaimStatus is a VolumeClaim's lifecycle state.
type ClaimStatus int

const (
	ClaimPending ClaimStatus = iota
	ClaimBound
	ClaimLost
)

func (s ClaimStatus) String() string {
	switch s {
	case ClaimPending:
		return "Pending"
	case ClaimBound:
		return "Bound"
	case ClaimLost:
		return "Lost"
	default:
		return "Unknown"
	}
}

// VolumeClaim is a request for storage resources, to be bound to a
// matching Volume.
type VolumeClaim struct {
	ID                ids.ClaimID
	RequestedCapacity uint64
	AccessMode        AccessMode
	StorageClass      *string
	Selector          map[string]string
	Status            ClaimStatus
	BoundVolume       *ids.VolumeID
	CreatedAt         time.Time
	Owner             *ids.WorkloadID
}

// NewVolumeClaim constructs a Pending claim with ReadWriteOnce access.
func NewVolumeClaim(id ids.ClaimID, requestedCapacity uint64) VolumeClaim {
	return VolumeClaim{
		ID:                id,
		RequestedCapacity: requestedCapacity,
		AccessMode:        ReadWriteOnce,
		Selector:          make(map[string]string),
		Status:            ClaimPending,
		CreatedAt:         time.Now(),
	}
}

func (c VolumeClaim) WithAccessMode(mode AccessMode) VolumeClaim { c.AccessMode = mode; return c }

func (c VolumeClaim) WithStorageClass(class string) VolumeClaim { c.StorageClass = &class; return c }

func (c VolumeClaim) WithSelector(key, value string) VolumeClaim {
	if c.Selector == nil {
		c.Selector = make(map[string]string)
	}
	c.Selector[key] = value
	return c
}

func (c VolumeClaim) WithOwner(owner ids.WorkloadID) VolumeClaim { c.Owner = &owner; return c }

// MatchesVolume reports whether volume satisfies this claim: its capacity
// must be at least the requested amount, its access mode must be
// compatible with the claim's requested mode, its storage class must
// match if the claim specified one, and every claim selector label must
// be present and equal on the volume.
func (c VolumeClaim) MatchesVolume(volume Volume) bool {
	if volume.Capacity < c.RequestedCapacity {
		return false
	}
	if !volume.AccessMode.IsCompatibleWith(c.AccessMode) {
		return false
	}
	if c.StorageClass != nil {
		if volume.StorageClass == nil || *volume.StorageClass != *c.StorageClass {
			return false
		}
	}
	for key, value := range c.Selector {
		if volume.Labels[key] != value {
			return false
		}
	}
	return true
}

func (c VolumeClaim) IsBound() bool { return c.Status == ClaimBound && c.BoundVolume != nil }

// ReclaimPolicy is applied to a volume when Manager.Release releases it
// from its claim; DeleteClaim does not apply it.
type ReclaimPolicy int

const (
	ReclaimRetain ReclaimPolicy = iota
	ReclaimDelete
	ReclaimRecycle
)

// VolumeBindingMode controls when a claim binds to a volume.
type VolumeBindingMode int

const (
	BindImmediate VolumeBindingMode = iota
	BindWaitForFirstConsumer
)

// StorageClass is a named provisioning template for volumes.
type StorageClass struct {
	Name                 string
	Provisioner          string
	Parameters           map[string]string
	ReclaimPolicy        ReclaimPolicy
	AllowVolumeExpansion bool
	VolumeBindingMode    VolumeBindingMode
	IsDefault            bool
}

func NewStorageClass(name, provisioner string) StorageClass {
	return StorageClass{Name: name, Provisioner: provisioner, Parameters: make(map[string]string)}
}

func (s StorageClass) WithParameter(key, value string) StorageClass {
	if s.Parameters == nil {
		s.Parameters = make(map[string]string)
	}
	s.Parameters[key] = value
	return s
}

func (s StorageClass) WithReclaimPolicy(p ReclaimPolicy) StorageClass { s.ReclaimPolicy = p; return s }

func (s StorageClass) WithExpansion() StorageClass { s.AllowVolumeExpansion = true; return s }

func (s StorageClass) WithBindingMode(m VolumeBindingMode) StorageClass {
	s.VolumeBindingMode = m
	return s
}

func (s StorageClass) AsDefault() StorageClass { s.IsDefault = true; return s }
