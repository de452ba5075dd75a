//go:build !linux

package hardware

func clearDTR(string) error { return nil }
