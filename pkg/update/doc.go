/*
Package update implements the ordered update worker: the component
that turns an out-of-order stream of per-unit state observations into
a monotone scalar-state sequence while never discarding history.

Worker keeps one cacheEntry per uid ({last, unsent, final}) and applies
the linearization rule on every state arrival: a terminal state wins
immediately and permanently; otherwise the arrival is buffered (history
still records it right away) and extraction is deferred to flush time,
when drainUnsent walks every buffered rank in ascending order and
advances the scalar state through all of them at once. Deferring to
flush, rather than attempting extraction on every arrival, is what lets
a uid's scalar state still converge to its true collapsed value even
when a producer skips an intermediate rank outright (see DESIGN.md).

Writes are batched into a single open bulk per worker and flushed when
the bulk has been open longer than its configured age, or immediately
on a *_flush command. A store-side flush failure is logged and
otherwise swallowed — the worker does not retry locally.
*/
package update
