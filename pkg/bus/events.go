package bus

import (
	"github.com/kasuganosora/ldm/pkg/task"
	"github.com/kasuganosora/ldm/pkg/types"
)

// CellUpdatePayload mirrors a committed row change.
type CellUpdatePayload struct {
	RowID     int64  `json:"row_id"`
	Target    string `json:"target"`
	Status    string `json:"status"`
	UpdatedBy string `json:"updated_by"`
	Version   int64  `json:"version"`
}

// LockPayload announces lock acquisition or release.
type LockPayload struct {
	RowID  int64  `json:"row_id"`
	Holder string `json:"holder,omitempty"`
}

// EditingEvents adapts the hub to the editing service's event sink.
// File rooms are keyed by file id.
type EditingEvents struct {
	Hub *Hub
}

func (e EditingEvents) LockAcquired(fileID string, rowID int64, holder string) {
	e.Hub.Publish(fileID, Event{
		Type:    EventLockAcquired,
		Payload: LockPayload{RowID: rowID, Holder: holder},
	})
}

func (e EditingEvents) LockReleased(fileID string, rowID int64) {
	e.Hub.Publish(fileID, Event{
		Type:    EventLockReleased,
		Payload: LockPayload{RowID: rowID},
	})
}

func (e EditingEvents) CellUpdate(row *types.Row) {
	e.Hub.Publish(row.FileID, Event{
		Type: EventCellUpdate,
		Payload: CellUpdatePayload{
			RowID:     row.ID,
			Target:    row.Target,
			Status:    string(row.Status),
			UpdatedBy: row.UpdatedBy,
			Version:   row.Version,
		},
	})
}

// IndexStateNotifier broadcasts tm_index_state changes to all rooms.
func IndexStateNotifier(hub *Hub) func(status types.TMStatus) {
	return func(status types.TMStatus) {
		hub.Broadcast(Event{Type: EventTMIndexState, Payload: status})
	}
}

// PumpTaskProgress forwards tracker snapshots to all rooms until the
// subscription channel closes.
func PumpTaskProgress(hub *Hub, updates <-chan task.Snapshot) {
	for snap := range updates {
		hub.Broadcast(Event{Type: EventTaskProgress, Payload: snap})
	}
}
