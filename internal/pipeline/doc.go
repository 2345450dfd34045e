// Package pipeline provides the bounded queues that connect the engine's
// stages.
//
// Each queue has an explicit overflow policy:
//   - PolicyBlock: producers wait when the queue is full (news, signals)
//   - PolicyDropOldest: the oldest element is evicted (price ticks)
package pipeline
