//go:build cuda

package model

// Device reports where the tape machine executes. Binaries built with the
// cuda tag always report "cuda" and run supported ops through gorgonia's
// CUDA engine.
func Device() string { return "cuda" }
