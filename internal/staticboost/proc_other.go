//go:build !linux

package staticboost

func residentBytes() (uint64, bool) { return 0, false }

func memoryBreakdown() (map[string]uint64, bool) { return nil, false }

func formatBreakdown(map[string]uint64) string { return "" }
