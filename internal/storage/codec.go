package storage

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/snehjoshi/dispatchq/internal/types"
)

// kvRow is the on-disk envelope of a key/value entry.
type kvRow struct {
	Value  []byte `msgpack:"v"`
	Expiry int64  `msgpack:"e"`
}

// EncodeEntry serialises an entry into its msgpack envelope.
func EncodeEntry(e Entry) ([]byte, error) {
	b, err := msgpack.Marshal(kvRow{Value: e.Value, Expiry: int64(e.Expiry)})
	if err != nil {
		return nil, fmt.Errorf("storage: encode entry: %w", err)
	}
	return b, nil
}

// DecodeEntry parses an envelope written by EncodeEntry.
func DecodeEntry(b []byte) (Entry, error) {
	var r kvRow
	if err := msgpack.Unmarshal(b, &r); err != nil {
		return Entry{}, fmt.Errorf("storage: decode entry: %w", err)
	}
	return Entry{Value: r.Value, Expiry: types.Expiry(r.Expiry)}, nil
}

// DispatchRow is the on-disk envelope of a queued dispatch. Refs counts the
// processors still referencing it.
type DispatchRow struct {
	Timestamp int64  `msgpack:"t"`
	Payload   []byte `msgpack:"p"`
	Refs      int    `msgpack:"r"`
}

// EncodeDispatchRow serialises a queued dispatch row.
func EncodeDispatchRow(r DispatchRow) ([]byte, error) {
	b, err := msgpack.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("storage: encode dispatch row: %w", err)
	}
	return b, nil
}

// DecodeDispatchRow parses a row written by EncodeDispatchRow.
func DecodeDispatchRow(b []byte) (DispatchRow, error) {
	var r DispatchRow
	if err := msgpack.Unmarshal(b, &r); err != nil {
		return DispatchRow{}, fmt.Errorf("storage: decode dispatch row: %w", err)
	}
	return r, nil
}

// OrderKey is the processor-queue key for a dispatch: a fixed-width hex
// timestamp followed by the dispatch id, so a lexical scan is FIFO.
func OrderKey(timestamp int64, dispatchID string) []byte {
	return []byte(fmt.Sprintf("%016x/%s", uint64(timestamp), dispatchID))
}

// DispatchIDFromOrderKey extracts the dispatch id from an OrderKey.
func DispatchIDFromOrderKey(key []byte) string {
	if len(key) < 17 {
		return ""
	}
	return string(key[17:])
}
