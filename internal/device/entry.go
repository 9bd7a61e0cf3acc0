package device

import (
	"fmt"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"google.golang.org/protobuf/proto"
)

// EntryKey identifies an entry the way a switch does: by table, match
// fields, priority and default flag. Action data is not part of the key,
// so two entries with equal keys cannot both be installed.
func EntryKey(e *p4v1.TableEntry) (string, error) {
	key := &p4v1.TableEntry{
		TableId:         e.GetTableId(),
		Match:           e.GetMatch(),
		Priority:        e.GetPriority(),
		IsDefaultAction: e.GetIsDefaultAction(),
	}
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(key)
	if err != nil {
		return "", fmt.Errorf("marshal entry key: %w", err)
	}
	return string(b), nil
}
