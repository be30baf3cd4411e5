package syncer

import (
	"encoding/json"

	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/queue"
	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/records"
)

type entityKey struct {
	entityType records.EntityType
	entityID   string
}

// intent is the net operation for one entity after coalescing its queued entries.
type intent struct {
	entityType records.EntityType
	entityID   string
	operation  records.Operation
	data       json.RawMessage
	// stamp is the newest entry folded into the intent.
	stamp   records.Stamp
	entries int
}

type batchKey struct {
	entityType records.EntityType
	operation  records.Operation
}

type batch struct {
	key     batchKey
	intents []intent
}

// coalesce folds the queue into one intent per entity, in order of first appearance.
// A create followed only by updates nets to a create; anything ending in a delete is sent as a delete,
// since a create that failed mid-call may already exist remotely.
func coalesce(entries []queue.Entry) []intent {
	groups := make(map[entityKey][]queue.Entry)
	order := make([]entityKey, 0)
	for _, entry := range entries {
		key := entityKey{entityType: entry.Type, entityID: entry.EntityID}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], entry)
	}

	intents := make([]intent, 0, len(order))
	for _, key := range order {
		group := groups[key]
		stamps := make([]records.Stamp, len(group))
		earliest := 0
		for index, entry := range group {
			stamps[index] = entry.Stamp()
			if records.Compare(stamps[index], stamps[earliest]) < 0 {
				earliest = index
			}
		}
		latest := group[records.Latest(stamps)]
		first := group[earliest]

		net := intent{
			entityType: key.entityType,
			entityID:   key.entityID,
			operation:  latest.Operation,
			data:       latest.Data,
			stamp:      latest.Stamp(),
			entries:    len(group),
		}
		if first.Operation == records.OperationCreate && latest.Operation == records.OperationUpdate {
			net.operation = records.OperationCreate
		}
		intents = append(intents, net)
	}
	return intents
}

// groupBatches splits intents by type and operation, then chunks each group by size.
func groupBatches(intents []intent, size int) []batch {
	grouped := make(map[batchKey][]intent)
	order := make([]batchKey, 0)
	for _, candidate := range intents {
		key := batchKey{entityType: candidate.entityType, operation: candidate.operation}
		if _, seen := grouped[key]; !seen {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], candidate)
	}

	batches := make([]batch, 0, len(order))
	for _, key := range order {
		members := grouped[key]
		for start := 0; start < len(members); start += size {
			end := start + size
			if end > len(members) {
				end = len(members)
			}
			batches = append(batches, batch{key: key, intents: members[start:end]})
		}
	}
	return batches
}
