// Package chunk defines the audio chunks handed between pipeline stages and
// the bounded queues that carry them.
//
// A chunk's scratch file is owned by exactly one stage at a time. Chunks the
// queues give up on (rejected, evicted, drained at shutdown) have their files
// deleted by the Store.
package chunk
