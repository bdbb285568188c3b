//go:build !linux

package mediasched

func pinToCPU(int) error { return nil }
