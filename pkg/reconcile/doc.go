/*
Package reconcile drains the pending package's queue one agent at a
time and compares that agent's reported file checksums against the
bundle package's authoritative Index, streaming out anything that has
drifted via a transport.Pusher.

Group resolution, parsing, and mark mutation all happen under a single
call to the Index lock; file pushes happen afterward with no lock held,
so a slow or unreachable agent never blocks the next reconciliation
cycle.
*/
package reconcile
