// Package event defines the inbound event model shared by the connection
// manager, the dedup/throttle stage and the pipeline.
//
// An event's identity is the triple (kind, subject, seq); its throttle key is
// derived from kind and subject so that progress updates for the same subject
// collapse onto one another.
package event
