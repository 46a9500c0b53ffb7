// Package topics derives discussion suggestions from routed-message history.
//
// The Analyzer is pure: given a window of communication records it clusters
// them (by correlation thread, then by message type split on temporal gaps),
// discards clusters below the minimum size, and scores the rest by frequency
// discounted by recency. The Scheduler runs the analyzer on a cadence and
// opens auto-generated meetings for top suggestions, with a per-topic
// cooldown so one noisy thread does not flood the coordinator.
package topics
