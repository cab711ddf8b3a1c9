// Package shared holds helpers used by more than one package. It carries no
// request-path logic.
//
// The testutil subpackage captures slog output so tests can assert on what
// the pipeline, the messaging layer and the strategy selector logged.
package shared
