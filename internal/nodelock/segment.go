// SPDX-License-Identifier: MIT

package nodelock

import "github.com/google/uuid"

// Segment is the unit of work the node-lock registry serializes: a
// repair-run id, a segment id, and the set of nodes (replica
// hostnames) that segment touches.
type Segment struct {
	RepairID  string
	SegmentID uuid.UUID
	Replicas  []string
}
