//go:build !cuda

package model

// Device reports where the tape machine executes. It is fixed when the
// binary is built: "cpu" by default, "cuda" with the cuda build tag. No
// availability check happens at run time.
func Device() string { return "cpu" }
