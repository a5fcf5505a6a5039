package kprod

import (
	"fmt"
	"sync/atomic"

	uuid "github.com/hashicorp/go-uuid"
)

// clientSeq is a process-wide monotonic counter, one increment per
// producer instance, matching spec §9's design note: "the source numbers
// producer instances from a process-wide counter... treat as
// process-global monotonic state with atomic increment; the value is
// cosmetic."
var clientSeq int64

// defaultClientID generates a per-instance client_id when none is
// configured: the teacher's numbered-instance convention plus a short
// random suffix so two producers started in the same process tick are
// still distinguishable in broker-side logs.
func defaultClientID() string {
	n := atomic.AddInt64(&clientSeq, 1)
	suffix, err := uuid.GenerateUUID()
	if err != nil || len(suffix) < 8 {
		return fmt.Sprintf("kprod-%d", n)
	}
	return fmt.Sprintf("kprod-%d-%s", n, suffix[:8])
}
