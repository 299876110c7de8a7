//go:build netlib

package main

import (
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"
)

// Built with -tags netlib, matrix products go through the system BLAS
// instead of the pure-Go kernels. Worth it at 16k-token sequence lengths.
func init() {
	blas64.Use(netlib.Implementation{})
}
