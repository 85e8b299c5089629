package schema

// ClusterPool is the latest view of the shared cluster pool.
type ClusterPool struct {
	All       []ClusterName `json:"all"`
	Used      []ClusterName `json:"used"`
	Available []ClusterName `json:"available"`
	Mine      ClusterName   `json:"mine,omitempty"`
}

// Equal reports whether both pools hold the same content. Nil and empty lists are equal.
func (p ClusterPool) Equal(other ClusterPool) bool {
	return p.Mine == other.Mine &&
		equalNames(p.All, other.All) &&
		equalNames(p.Used, other.Used) &&
		equalNames(p.Available, other.Available)
}

// Clone returns a deep copy of the pool.
func (p ClusterPool) Clone() ClusterPool {
	return ClusterPool{
		All:       cloneNames(p.All),
		Used:      cloneNames(p.Used),
		Available: cloneNames(p.Available),
		Mine:      p.Mine,
	}
}

// IsAvailable reports whether name can be claimed by this session.
func (p ClusterPool) IsAvailable(name ClusterName) bool {
	for _, candidate := range p.Available {
		if candidate == name {
			return true
		}
	}
	return false
}

// IsUsed reports whether name is held by any session.
func (p ClusterPool) IsUsed(name ClusterName) bool {
	for _, candidate := range p.Used {
		if candidate == name {
			return true
		}
	}
	return false
}

func equalNames(a, b []ClusterName) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func cloneNames(in []ClusterName) []ClusterName {
	if in == nil {
		return nil
	}
	out := make([]ClusterName, len(in))
	copy(out, in)
	return out
}

// PoolEvent reports a changed pool view.
type PoolEvent struct {
	Pool     ClusterPool
	Revision uint64
}
