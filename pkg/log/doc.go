// Package log provides structured logging for weir's actors using zerolog.
//
// Call Init once at process startup with the desired Config, then derive
// component/entity loggers with WithComponent, WithIndex, WithIndexID and
// WithUpdate. The package-level Logger is safe for concurrent use.
package log
