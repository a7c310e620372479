// Package expr implements the control flow expression evaluator.
//
// Expressions are evaluated against a fixed environment exposing the
// execution input (input.*), completed node outputs (output.<node>.*),
// user scratch variables (context.*), and the loop counter (iteration).
// The evaluator is pure: it performs no I/O and cannot mutate the
// environment.
package expr
