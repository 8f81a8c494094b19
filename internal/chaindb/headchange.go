package chaindb

import "github.com/klingnet-labs/tipsync/pkg/tipset"

// HeadChangeKind classifies a HeadChange event the way the reference
// network's chain store does: Apply and Revert bracket a reorg. Current is
// defined for that vocabulary, but ChainDb never publishes it.
type HeadChangeKind int

const (
	HCRevert HeadChangeKind = iota
	HCApply
	HCCurrent
)

func (k HeadChangeKind) String() string {
	switch k {
	case HCRevert:
		return "revert"
	case HCApply:
		return "apply"
	case HCCurrent:
		return "current"
	default:
		return "invalid"
	}
}

// HeadChange is broadcast to every subscriber whenever the projected
// current chain moves.
type HeadChange struct {
	Kind   HeadChangeKind
	Tipset *tipset.Tipset
}
