package models

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// LocalTarget is a file a hop must materialize from the incoming stream. When
// Rename is set the bytes land in a temporary file that is moved onto Path only
// once the full stream has been written and verified.
type LocalTarget struct {
	ID     string `json:"id"`
	Path   string `json:"path"`
	Rename bool   `json:"rename"`
}

// Destination is one node of the broadcast tree. The tree has no structure of
// its own beyond this nesting: a destination carries the files it writes and
// the destinations it is responsible for forwarding to.
type Destination struct {
	Host               string        `json:"host"`
	Port               int           `json:"port"`
	LocalTargets       []LocalTarget `json:"local_targets,omitempty"`
	RemoteDestinations []Destination `json:"remote_destinations,omitempty"`
}

// Leaf is a single local target somewhere in the tree together with the
// endpoint that is expected to write it.
type Leaf struct {
	Host   string
	Port   int
	Target LocalTarget
}

// TransferDescriptor describes one broadcast as seen by a single hop. Host and
// Port name the endpoint the descriptor was addressed to; they are empty at
// the origin.
type TransferDescriptor struct {
	RequestID          string        `json:"request_id"`
	Host               string        `json:"host,omitempty"`
	Port               int           `json:"port,omitempty"`
	SourceLength       int64         `json:"source_length"`
	BlockSize          int           `json:"block_size"`
	Degree             int           `json:"degree"`
	Checksum           string        `json:"checksum,omitempty"`
	LocalTargets       []LocalTarget `json:"local_targets,omitempty"`
	RemoteDestinations []Destination `json:"remote_destinations,omitempty"`
	Route              []string      `json:"route,omitempty"`
	MaxHops            int           `json:"max_hops,omitempty"`
	Nonce              string        `json:"nonce,omitempty"`
	IssuedAt           time.Time     `json:"issued_at"`
}

func Endpoint(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (d Destination) Endpoint() string {
	return Endpoint(d.Host, d.Port)
}

// Validate checks the destination is dialable. It does not recurse: nested
// destinations are validated by the hop that has to dial them.
func (d Destination) Validate() error {
	if d.Host == "" {
		return NewError(CodeBadDestination, "missing host")
	}
	if d.Port <= 0 || d.Port > 65535 {
		return NewError(CodeBadDestination, "%s has invalid port %d", d.Host, d.Port)
	}
	return nil
}

// Leaves lists every local target in the subtree rooted at d, own targets
// first, then each nested destination in order.
func (d Destination) Leaves() []Leaf {
	var leaves []Leaf
	for _, t := range d.LocalTargets {
		leaves = append(leaves, Leaf{Host: d.Host, Port: d.Port, Target: t})
	}
	for _, child := range d.RemoteDestinations {
		leaves = append(leaves, child.Leaves()...)
	}
	return leaves
}

func (td *TransferDescriptor) Endpoint() string {
	if td.Host == "" {
		return ""
	}
	return Endpoint(td.Host, td.Port)
}

// Leaves lists every local target named by the descriptor, this hop included.
func (td *TransferDescriptor) Leaves() []Leaf {
	return Destination{
		Host:               td.Host,
		Port:               td.Port,
		LocalTargets:       td.LocalTargets,
		RemoteDestinations: td.RemoteDestinations,
	}.Leaves()
}

// Validate checks the fields every hop relies on. Failures are reported as
// CodeHeaderMissingField naming the offending field.
func (td *TransferDescriptor) Validate() error {
	switch {
	case td.RequestID == "":
		return NewError(CodeHeaderMissingField, "request_id")
	case td.SourceLength < 0:
		return NewError(CodeHeaderMissingField, "source_length must be >= 0, got %d", td.SourceLength)
	case td.BlockSize <= 0:
		return NewError(CodeHeaderMissingField, "block_size must be > 0, got %d", td.BlockSize)
	case td.Degree < 1:
		return NewError(CodeHeaderMissingField, "degree must be >= 1, got %d", td.Degree)
	}
	for i, t := range td.LocalTargets {
		if t.Path == "" {
			return NewError(CodeHeaderMissingField, "local_targets[%d].path", i)
		}
		if t.ID == "" {
			return NewError(CodeHeaderMissingField, "local_targets[%d].id", i)
		}
	}
	seen := make(map[string]bool)
	for _, leaf := range td.Leaves() {
		if seen[leaf.Target.ID] {
			return NewError(CodeHeaderMissingField, "local_targets id %q appears more than once", leaf.Target.ID)
		}
		seen[leaf.Target.ID] = true
	}
	return nil
}

// Visited reports whether endpoint already appears on the path from the origin
// to this hop, this hop included.
func (td *TransferDescriptor) Visited(endpoint string) bool {
	if endpoint == td.Endpoint() {
		return true
	}
	for _, hop := range td.Route {
		if hop == endpoint {
			return true
		}
	}
	return false
}

// Partition splits dests into at most degree buckets, destination i going to
// bucket i mod degree. Empty buckets are not returned.
func Partition(dests []Destination, degree int) [][]Destination {
	if degree < 1 {
		degree = 1
	}
	n := min(degree, len(dests))
	buckets := make([][]Destination, n)
	for i, d := range dests {
		buckets[i%n] = append(buckets[i%n], d)
	}
	return buckets
}

// Branch folds a bucket into the single destination that gets dialled: the
// first entry keeps its own targets and inherits the rest of the bucket as
// additional remote destinations.
func Branch(bucket []Destination) Destination {
	if len(bucket) == 0 {
		panic("models: Branch of empty bucket")
	}
	head := bucket[0]
	remote := make([]Destination, 0, len(head.RemoteDestinations)+len(bucket)-1)
	remote = append(remote, head.RemoteDestinations...)
	remote = append(remote, bucket[1:]...)
	head.RemoteDestinations = remote
	return head
}

func (l Leaf) String() string {
	return fmt.Sprintf("%s:%s", Endpoint(l.Host, l.Port), l.Target.Path)
}

// Depth is the number of hops the subtree rooted at d spans once every hop
// below it has partitioned its destinations with degree.
func Depth(d Destination, degree int) int {
	deepest := 0
	for _, bucket := range Partition(d.RemoteDestinations, degree) {
		deepest = max(deepest, Depth(Branch(bucket), degree))
	}
	return 1 + deepest
}
