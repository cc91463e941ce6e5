// Package logx is scrapewatch's logging layer, a thin field-based wrapper
// over zerolog.
//
// The zero Logger discards everything, so components can hold one without
// nil checks. Service.Apply swaps outputs at runtime (console or JSON on
// stdout, a JSON file) and can forward warn+ lines to a Sink, rate limited.
package logx
