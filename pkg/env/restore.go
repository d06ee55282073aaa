package env

import "github.com/snopsgo/snops/pkg/ids"

// Restored rebuilds an Environment from persisted state, used on
// control-plane startup to repopulate the in-memory environment map
// without re-running Compile against documents that may no longer be
// resident on disk.
func Restored(id ids.EnvID, storage ids.StorageID, network ids.NetworkID, persist bool, nodeStates map[ids.NodeKey]EnvNodeState, specs map[ids.NodeKey]NodeSpec, cannons []ids.CannonID) *Environment {
	cannonSet := make(map[ids.CannonID]struct{}, len(cannons))
	for _, c := range cannons {
		cannonSet[c] = struct{}{}
	}
	return &Environment{
		ID:         id,
		Storage:    storage,
		Network:    network,
		NodeStates: nodeStates,
		Cannons:    cannonSet,
		Persist:    persist,
		specs:      specs,
	}
}
