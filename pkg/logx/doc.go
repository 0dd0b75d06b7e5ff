// Package logx is metricsync's structured logging: a small Logger on top of
// zerolog with a readable console sink, a size-rotated JSON file sink, and
// levels and sinks swappable at runtime for config hot reload.
package logx
