// Package monitor is the polling and change-detection engine.
//
// A Scheduler owns one run loop at a time:
//
//	announce -> [extract -> classify -> compare -> maybe notify -> wait]* -> stopped
//
// Extraction and delivery are ports (Extractor, Notifier) implemented by
// internal/extractor and internal/notify. Everything the loop does is
// recorded in an EventLog whose sinks feed the event bus and the optional
// audit store.
package monitor
