// Package cannon implements the transaction cannon: an
// authorize/broadcast pipeline that drains or generates transactions
// and fires them at bound environment nodes or a file sink.
package cannon

import (
	"github.com/snopsgo/snops/pkg/env"
	"github.com/snopsgo/snops/pkg/ids"
)

// PersistCannon is the durable bookkeeping record for a cannon.
// DrainOffset folds the drain counter in as a field rather than a
// second tree entry, since the two are always read/written together.
type PersistCannon struct {
	CannonID    ids.CannonID    `json:"cannon_id"`
	EnvID       ids.EnvID       `json:"env_id"`
	Source      env.TxSource    `json:"source"`
	Sink        env.TxSink      `json:"sink"`
	TxCount     uint64          `json:"tx_count"`
	DrainOffset uint64          `json:"drain_offset"`
}
