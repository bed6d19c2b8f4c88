//go:build !linux

package fieldsync

func residentBytes() (uint64, bool) { return 0, false }
