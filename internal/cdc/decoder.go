package cdc

import (
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
)

// decoder turns pgoutput messages into change events. It remembers relation
// metadata and the transaction currently being streamed; events carry the
// transaction's id and commit time.
type decoder struct {
	relations map[uint32]*pglogrepl.RelationMessage
	xid       uint32
	committed time.Time
	now       func() time.Time
}

func newDecoder() *decoder {
	return &decoder{
		relations: make(map[uint32]*pglogrepl.RelationMessage),
		now:       time.Now,
	}
}

// decode returns the events carried by msg, which was read at lsn. Messages
// that carry no row change return nil.
func (d *decoder) decode(msg pglogrepl.Message, lsn pglogrepl.LSN) ([]*ChangeEvent, error) {
	switch msg := msg.(type) {
	case *pglogrepl.RelationMessage:
		d.relations[msg.RelationID] = msg
		return nil, nil

	case *pglogrepl.BeginMessage:
		d.xid = msg.Xid
		d.committed = msg.CommitTime
		return nil, nil

	case *pglogrepl.CommitMessage:
		d.xid = 0
		d.committed = time.Time{}
		return nil, nil

	case *pglogrepl.InsertMessage:
		rel, err := d.relation(msg.RelationID)
		if err != nil {
			return nil, err
		}
		values := tupleToMap(rel, msg.Tuple)
		event := d.event(rel, OperationInsert, lsn)
		event.NewData = values
		event.PrimaryKey = primaryKey(rel, values)
		return []*ChangeEvent{event}, nil

	case *pglogrepl.UpdateMessage:
		rel, err := d.relation(msg.RelationID)
		if err != nil {
			return nil, err
		}
		event := d.event(rel, OperationUpdate, lsn)
		event.NewData = tupleToMap(rel, msg.NewTuple)
		event.OldData = tupleToMap(rel, msg.OldTuple)
		event.PrimaryKey = primaryKey(rel, event.NewData)
		return []*ChangeEvent{event}, nil

	case *pglogrepl.DeleteMessage:
		rel, err := d.relation(msg.RelationID)
		if err != nil {
			return nil, err
		}
		event := d.event(rel, OperationDelete, lsn)
		event.OldData = tupleToMap(rel, msg.OldTuple)
		event.PrimaryKey = primaryKey(rel, event.OldData)
		return []*ChangeEvent{event}, nil

	case *pglogrepl.TruncateMessage:
		events := make([]*ChangeEvent, 0, len(msg.RelationIDs))
		for _, id := range msg.RelationIDs {
			rel, err := d.relation(id)
			if err != nil {
				return nil, err
			}
			events = append(events, d.event(rel, OperationTruncate, lsn))
		}
		return events, nil
	}

	return nil, nil
}

func (d *decoder) relation(id uint32) (*pglogrepl.RelationMessage, error) {
	rel, ok := d.relations[id]
	if !ok {
		return nil, fmt.Errorf("unknown relation ID: %d", id)
	}
	return rel, nil
}

func (d *decoder) event(rel *pglogrepl.RelationMessage, op OperationType, lsn pglogrepl.LSN) *ChangeEvent {
	ts := d.committed
	if ts.IsZero() {
		ts = d.now()
	}
	return &ChangeEvent{
		Schema:        rel.Namespace,
		TableName:     rel.RelationName,
		Operation:     op,
		Timestamp:     ts,
		TransactionID: d.xid,
		LSN:           uint64(lsn),
	}
}

// tupleToMap keeps text and null columns. Unchanged TOAST values ('u') are
// left out.
func tupleToMap(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData) map[string]interface{} {
	if tuple == nil {
		return nil
	}

	values := make(map[string]interface{}, len(tuple.Columns))
	for i, col := range tuple.Columns {
		if i >= len(rel.Columns) {
			break
		}
		name := rel.Columns[i].Name

		switch col.DataType {
		case 'n':
			values[name] = nil
		case 't':
			values[name] = string(col.Data)
		}
	}
	return values
}

func primaryKey(rel *pglogrepl.RelationMessage, values map[string]interface{}) map[string]interface{} {
	pk := make(map[string]interface{})
	for _, col := range rel.Columns {
		if col.Flags == 1 {
			if val, ok := values[col.Name]; ok {
				pk[col.Name] = val
			}
		}
	}
	return pk
}
