// Package events provides the in-process publish/subscribe surface for
// execution events. Publishing never blocks the orchestrator: slow
// subscribers drop events rather than stall execution. A webhook
// dispatcher subscriber delivers events to external endpoints with
// HMAC signatures and at-least-once retry.
package events
