// Package dispatch turns change records into sequenced event envelopes and
// delivers them to subscribers.
//
// Every envelope is stamped with the next value of a process-wide logical
// clock. Publish stamps and queues; one delivery goroutine hands record 1
// to every subscriber before record 2 is dispatched. A failing or panicking
// subscriber is reported to the FaultReporter and never interrupts the
// others, and a slow one never blocks the publisher.
package dispatch
