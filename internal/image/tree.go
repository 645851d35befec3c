package image

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"

	"github.com/c2h5oh/datasize"
	"github.com/klauspost/compress/gzip"

	"github.com/tigerwill90/kvdb/internal/arena"
	"github.com/tigerwill90/kvdb/internal/fnvhash"
	"github.com/tigerwill90/kvdb/internal/treap"
)

// SaveTree writes the narrower per-tree image used by VSTORE: a single
// snapshot's nodes, serially renumbered, with no reference to the
// surrounding arena or version history. Children are always written
// before their parent (a post-order walk), so a serial number is always
// resolvable the moment it is referenced on read-back; spec.md's prose
// calls this "an in-order traversal" but the ordering that actually
// matters is children-before-parent, which in-order does not guarantee
// and post-order does.
func SaveTree(path string, tr *treap.Treap, root arena.ID, logger *slog.Logger) error {
	var plain bytes.Buffer
	tw := newTokenWriter(&plain)

	count := tr.Size(root)
	tw.line(count)

	serials := make(map[arena.ID]int, count)
	num := 1
	var walk func(id arena.ID) int
	walk = func(id arena.ID) int {
		if id == treap.NilNode {
			return 0
		}
		n := tr.NodeAt(id)
		left := walk(n.Left)
		right := walk(n.Right)
		serial := num
		num++
		serials[id] = serial
		tw.line(serial, n.Key, n.Priority, left, right, tr.ValueAt(n.ValueID))
		return serial
	}
	rootSerial := walk(root)
	tw.line(rootSerial)

	if err := tw.flush(); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrOpen, path, err)
	}

	var compressed bytes.Buffer
	gw := gzip.NewWriter(&compressed)
	if _, err := gw.Write(plain.Bytes()); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrOpen, path, err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrOpen, path, err)
	}

	if err := writeLocked(path, compressed.Bytes()); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrOpen, path, err)
	}

	logger.Info("tree image saved", "path", path, "nodes", count, "size", datasize.ByteSize(compressed.Len()))
	return nil
}

type treeNodeRecord struct {
	serial      int
	key         string
	priority    uint32
	leftSerial  int
	rightSerial int
	value       string
}

// LoadTree reads a VSTORE export and appends its nodes into tr's
// existing arenas, returning the new subtree's root. It does not touch
// any other part of the store: no arena is cleared, no version is
// created or consulted. This is the "exporting one snapshot without the
// history graph" form; VLOAD is the single place that reconstitutes it
// back into a live tree.
func LoadTree(path string, tr *treap.Treap, logger *slog.Logger) (arena.ID, error) {
	data, err := readLocked(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %s", ErrOpen, path, err)
	}

	r, err := decompressingReader(data)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %s", ErrOpen, path, err)
	}

	records, rootSerial, err := parseTreeImage(r)
	if err != nil {
		return 0, err
	}

	arenaBySerial := make(map[int]arena.ID, len(records))
	arenaBySerial[0] = treap.NilNode
	for _, rec := range records {
		left, ok := arenaBySerial[rec.leftSerial]
		if !ok {
			return 0, fmt.Errorf("%w: node %d references unresolved left serial %d", ErrNodeIDOutOfRange, rec.serial, rec.leftSerial)
		}
		right, ok := arenaBySerial[rec.rightSerial]
		if !ok {
			return 0, fmt.Errorf("%w: node %d references unresolved right serial %d", ErrNodeIDOutOfRange, rec.serial, rec.rightSerial)
		}

		valueID := tr.LoadValue(rec.value)
		id := tr.LoadNode(treap.Node{
			Key:      rec.key,
			HKey:     fnvhash.Sum64(rec.key),
			ValueID:  valueID,
			Priority: rec.priority,
			Left:     left,
			Right:    right,
		})
		arenaBySerial[rec.serial] = id
	}

	root, ok := arenaBySerial[rootSerial]
	if !ok {
		return 0, fmt.Errorf("%w: root serial %d never defined", ErrNodeIDOutOfRange, rootSerial)
	}

	logger.Info("tree image loaded", "path", path, "nodes", len(records))
	return root, nil
}

func parseTreeImage(r io.Reader) ([]treeNodeRecord, int, error) {
	tok := newTokenReader(r)

	count, err := tok.nextInt()
	if err != nil {
		return nil, 0, err
	}
	if count < 0 {
		return nil, 0, fmt.Errorf("%w: negative node count", ErrMalformed)
	}

	records := make([]treeNodeRecord, count)
	for i := 0; i < count; i++ {
		serial, err := tok.nextInt()
		if err != nil {
			return nil, 0, err
		}
		key, err := tok.next()
		if err != nil {
			return nil, 0, err
		}
		priority, err := tok.nextUint32()
		if err != nil {
			return nil, 0, err
		}
		left, err := tok.nextInt()
		if err != nil {
			return nil, 0, err
		}
		right, err := tok.nextInt()
		if err != nil {
			return nil, 0, err
		}
		value, err := tok.next()
		if err != nil {
			return nil, 0, err
		}
		records[i] = treeNodeRecord{
			serial:      serial,
			key:         key,
			priority:    priority,
			leftSerial:  left,
			rightSerial: right,
			value:       value,
		}
	}

	rootSerial, err := tok.nextInt()
	if err != nil {
		return nil, 0, err
	}

	return records, rootSerial, nil
}
