package kv

import "bytes"

// Physical key prefixes. Each prefix ends with '|' as a separator.
// Logical names (see names below) never contain '\x00'.
const (
	PrefixString     = "s|"  // s|{name}
	PrefixHash       = "h|"  // h|{name}\x00{field}
	PrefixListMeta   = "lm|" // lm|{name} => head:8BE tail:8BE
	PrefixList       = "l|"  // l|{name}\x00{seq:8BE}
	PrefixZMember    = "zm|" // zm|{name}\x00{member} => score:8BE
	PrefixZScore     = "zs|" // zs|{name}\x00{score:8BE}{member}
	PrefixSet        = "st|" // st|{name}\x00{member}
	PrefixStreamMeta = "xm|" // xm|{name} => first:8BE next:8BE
	PrefixStream     = "x|"  // x|{name}\x00{seq:8BE}
)

const sep = '\x00'

// StringKey returns the key for a plain value: s|{name}
func StringKey(name string) []byte {
	return append([]byte(PrefixString), name...)
}

// HashFieldKey returns the key for one hash field: h|{name}\x00{field}
func HashFieldKey(name, field string) []byte {
	return append(HashPrefix(name), field...)
}

// HashPrefix returns the scan prefix for all fields of a hash: h|{name}\x00
func HashPrefix(name string) []byte {
	k := append([]byte(PrefixHash), name...)
	return append(k, sep)
}

// ListMetaKey returns the key holding a list's head/tail cursors.
func ListMetaKey(name string) []byte {
	return append([]byte(PrefixListMeta), name...)
}

// ListEntryKey returns the key for the list slot at seq: l|{name}\x00{seq:8BE}
func ListEntryKey(name string, seq uint64) []byte {
	return PutUint64BE(ListPrefix(name), seq)
}

// ListPrefix returns the scan prefix for all slots of a list.
func ListPrefix(name string) []byte {
	k := append([]byte(PrefixList), name...)
	return append(k, sep)
}

// ZMemberKey returns the member->score key of a sorted set.
func ZMemberKey(name, member string) []byte {
	k := append([]byte(PrefixZMember), name...)
	k = append(k, sep)
	return append(k, member...)
}

// ZMemberPrefix returns the scan prefix for all members of a sorted set.
func ZMemberPrefix(name string) []byte {
	k := append([]byte(PrefixZMember), name...)
	return append(k, sep)
}

// ZScoreKey returns the score index key of a sorted set entry.
// Sort order: score ASC, then member.
// zs|{name}\x00{score:8BE}{member}
func ZScoreKey(name string, score int64, member string) []byte {
	k := PutScore(ZScorePrefix(name), score)
	return append(k, member...)
}

// ZScorePrefix returns the scan prefix for the score index of a sorted set.
func ZScorePrefix(name string) []byte {
	k := append([]byte(PrefixZScore), name...)
	return append(k, sep)
}

// SetMemberKey returns the key of a set member: st|{name}\x00{member}
func SetMemberKey(name, member string) []byte {
	return append(SetPrefix(name), member...)
}

// SetPrefix returns the scan prefix for all members of a set.
func SetPrefix(name string) []byte {
	k := append([]byte(PrefixSet), name...)
	return append(k, sep)
}

// StreamMetaKey returns the key holding a stream's first/next sequence.
func StreamMetaKey(name string) []byte {
	return append([]byte(PrefixStreamMeta), name...)
}

// StreamEntryKey returns the key of one stream entry: x|{name}\x00{seq:8BE}
func StreamEntryKey(name string, seq uint64) []byte {
	return PutUint64BE(StreamPrefix(name), seq)
}

// StreamPrefix returns the scan prefix for all entries of a stream.
func StreamPrefix(name string) []byte {
	k := append([]byte(PrefixStream), name...)
	return append(k, sep)
}

// PrefixUpperBound returns the smallest key greater than every key with prefix.
func PrefixUpperBound(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	b := append([]byte(nil), prefix...)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xFF {
			b[i]++
			return b[:i+1]
		}
	}
	return append(append([]byte(nil), prefix...), bytes.Repeat([]byte{0xFF}, 8)...)
}

// Logical names used by the dispatch engine.

// CommandName is the record of one command: cm:dev:{device}:cmd:{id}
func CommandName(deviceID, commandID string) string {
	return "cm:dev:" + deviceID + ":cmd:" + commandID
}

// PendingQueueName is the per-device FIFO of pending command IDs.
func PendingQueueName(deviceID string) string {
	return "cm:dev:" + deviceID + ":q:cmd:pending"
}

// InflightName is the per-device sorted set of claimed command IDs scored by claim time.
func InflightName(deviceID string) string {
	return "cm:dev:" + deviceID + ":cmd:inflight"
}

// DeviceCommandsName is the per-device sorted set of command IDs scored by issue time.
func DeviceCommandsName(deviceID string) string {
	return "cm:dev:" + deviceID + ":cmd:by_ts"
}

// DevicesName is the set of device IDs that ever had a command enqueued.
const DevicesName = "cm:devices"

// BatchName is the metadata record of a batch.
func BatchName(batchID string) string {
	return "cm:batch:" + batchID
}

// BatchCommandsName is the hash of command ID -> device ID for a batch.
func BatchCommandsName(batchID string) string {
	return "cm:batch:" + batchID + ":cmds"
}

// BatchCounterName is the cached per-status counter of a batch.
func BatchCounterName(batchID, status string) string {
	return "cm:batch:" + batchID + ":count:" + status
}

// BatchIndexName is the sorted set of batch IDs scored by creation time.
const BatchIndexName = "cm:batches:by_ts"

// BatchDedupName maps a caller-supplied dedup key to a batch ID.
func BatchDedupName(key string) string {
	return "cm:batch:dedup:" + key
}

// AuditStreamName is the append-only admin event stream.
const AuditStreamName = "cm:stream:audit"
