package store

import (
	"encoding/json"
	"fmt"

	"github.com/fulcrumhq/proxy/pkg/domain"
)

// DecodeOp reconstructs a concrete domain.Op from its wire kind and
// payload, the inverse of what Append serialized. Unknown kinds abort
// load — per spec §4.3, only a truncated trailing line is tolerated, not
// an unrecognized operation.
func DecodeOp(kind domain.OpKind, payload json.RawMessage) (domain.Op, error) {
	switch kind {
	case domain.OpUpsert:
		var op domain.UpsertOp
		return op, json.Unmarshal(payload, &op)
	case domain.OpImmutablePut:
		var op domain.ImmutablePutOp
		return op, json.Unmarshal(payload, &op)
	case domain.OpStatusTransition:
		var op domain.StatusTransitionOp
		return op, json.Unmarshal(payload, &op)
	case domain.OpEventsAppended:
		var op domain.EventAppendOp
		return op, json.Unmarshal(payload, &op)
	case domain.OpEmergencyControlEvent:
		var op domain.EmergencyControlEventOp
		return op, json.Unmarshal(payload, &op)
	case domain.OpLedgerEntryApplied:
		var op domain.LedgerEntryOp
		return op, json.Unmarshal(payload, &op)
	case domain.OpIdempotencyPut:
		var op domain.IdempotencyPutOp
		return op, json.Unmarshal(payload, &op)
	case domain.OpOutboxEnqueue:
		var op domain.OutboxEnqueueOp
		return op, json.Unmarshal(payload, &op)
	case domain.OpIngestRecordsPut:
		var op domain.IngestRecordsPutOp
		return op, json.Unmarshal(payload, &op)
	default:
		return nil, fmt.Errorf("txlog: unrecognized op kind %q", kind)
	}
}

// Replay reconstructs a Store by loading path's TxLog and re-applying
// every batch through a fresh Applier, implementing spec §8's replay
// law: apply(store=∅, txlog.load()) must yield a Store byte-equal (under
// canonical encoding) to one built by applying the same batches live.
func Replay(path string, metrics MetricsSink) (*Store, error) {
	records, err := LoadTxLog(path)
	if err != nil {
		return nil, err
	}

	s := New(metrics)
	applier := NewApplier(s, nil)
	for i, rec := range records {
		batch := make([]domain.Op, 0, len(rec.Ops))
		for _, opRec := range rec.Ops {
			op, err := DecodeOp(opRec.Kind, opRec.Payload)
			if err != nil {
				return nil, fmt.Errorf("replay: record %d: %w", i, err)
			}
			batch = append(batch, op)
		}
		if err := applier.Apply(batch); err != nil {
			return nil, fmt.Errorf("replay: record %d: %w", i, err)
		}
	}
	return s, nil
}
