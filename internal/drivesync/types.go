package drivesync

import (
	"time"

	"brify/api/internal/drive"
	"brify/api/internal/store"
)

type Kind string

const (
	KindAdd    Kind = "add"
	KindUpdate Kind = "update"
	KindRemove Kind = "remove"
)

// Discrepancy is one difference between Drive and the mirror. Add carries a
// Node, Remove a Record, Update both.
type Discrepancy struct {
	Kind   Kind
	Node   drive.Node
	Record store.MirrorRecord
}

// FileID identifies the Drive entry the discrepancy is about.
func (d Discrepancy) FileID() string {
	if d.Kind == KindRemove {
		return d.Record.FileID
	}
	return d.Node.ID
}

func (d Discrepancy) Name() string {
	if d.Kind == KindRemove {
		return d.Record.Name
	}
	return d.Node.Name
}

func AddOf(node drive.Node) Discrepancy {
	return Discrepancy{Kind: KindAdd, Node: node}
}

func UpdateOf(node drive.Node, record store.MirrorRecord) Discrepancy {
	return Discrepancy{Kind: KindUpdate, Node: node, Record: record}
}

func RemoveOf(record store.MirrorRecord) Discrepancy {
	return Discrepancy{Kind: KindRemove, Record: record}
}

type Diff struct {
	ToAdd    []drive.Node
	ToUpdate []Discrepancy
	ToRemove []store.MirrorRecord
}

func (d Diff) Empty() bool {
	return len(d.ToAdd) == 0 && len(d.ToUpdate) == 0 && len(d.ToRemove) == 0
}

// Actions flattens the diff into adds, then updates, then removes.
func (d Diff) Actions() []Discrepancy {
	actions := make([]Discrepancy, 0, len(d.ToAdd)+len(d.ToUpdate)+len(d.ToRemove))
	for _, node := range d.ToAdd {
		actions = append(actions, AddOf(node))
	}
	actions = append(actions, d.ToUpdate...)
	for _, record := range d.ToRemove {
		actions = append(actions, RemoveOf(record))
	}
	return actions
}

// Pending drops the actions result settled. Failed actions stay so a later
// apply can retry them.
func (d Diff) Pending(result Result) Diff {
	type key struct {
		kind   Kind
		fileID string
	}
	settled := make(map[key]bool)
	for _, group := range [][]Applied{result.Added, result.Updated, result.Removed, result.Skipped} {
		for _, item := range group {
			settled[key{item.Kind, item.FileID}] = true
		}
	}

	var out Diff
	for _, node := range d.ToAdd {
		if !settled[key{KindAdd, node.ID}] {
			out.ToAdd = append(out.ToAdd, node)
		}
	}
	for _, action := range d.ToUpdate {
		if !settled[key{KindUpdate, action.FileID()}] {
			out.ToUpdate = append(out.ToUpdate, action)
		}
	}
	for _, record := range d.ToRemove {
		if !settled[key{KindRemove, record.FileID}] {
			out.ToRemove = append(out.ToRemove, record)
		}
	}
	return out
}

// Applied describes one action that reached the mirror.
type Applied struct {
	Kind               Kind
	FileID             string
	Name               string
	Table              store.Source
	EmbeddingGenerated bool
	Reason             string
}

// Result of an apply run. Errors never abort the batch; an item can appear
// in Added and in Errors when its content degraded.
type Result struct {
	Added   []Applied
	Updated []Applied
	Removed []Applied
	Skipped []Applied
	Errors  []ItemError
}

func (r Result) HasErrors() bool {
	return len(r.Errors) > 0
}

type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateReady         State = "ready"
	StateDiffing       State = "diffing"
	StateApplying      State = "applying"
)

type Stats struct {
	State         State
	Owner         string
	RootFolderID  string
	Extensions    []store.ExtensionSubfolder
	Mirror        store.MirrorStats
	LastDetection *RunSummary
	LastApply     *RunSummary
}

type RunSummary struct {
	At       time.Time
	Duration time.Duration
	Added    int
	Updated  int
	Removed  int
	Skipped  int
	Errors   int
}

func summarizeDiff(diff Diff, at time.Time, took time.Duration) *RunSummary {
	return &RunSummary{At: at, Duration: took, Added: len(diff.ToAdd), Updated: len(diff.ToUpdate), Removed: len(diff.ToRemove)}
}

func summarizeResult(result Result, at time.Time, took time.Duration) *RunSummary {
	return &RunSummary{
		At:       at,
		Duration: took,
		Added:    len(result.Added),
		Updated:  len(result.Updated),
		Removed:  len(result.Removed),
		Skipped:  len(result.Skipped),
		Errors:   len(result.Errors),
	}
}
