package fieldsync

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	kib = 1024
	mib = 1024 * kib
	gib = 1024 * mib
)

var byteSuffixes = []struct {
	suffix string
	mult   int64
}{
	{"gb", gib}, {"mb", mib}, {"kb", kib},
	{"g", gib}, {"m", mib}, {"k", kib},
	{"b", 1},
}

// parseBytes reads sizes such as "512", "64kb", "1.5m" or "2 GB".
func parseBytes(s string) (int64, error) {
	in := s
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	for _, bs := range byteSuffixes {
		if strings.HasSuffix(s, bs.suffix) {
			mult = bs.mult
			s = strings.TrimSpace(strings.TrimSuffix(s, bs.suffix))
			break
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", in)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size %q", in)
	}
	return int64(v * float64(mult)), nil
}

func formatBytes(b uint64) string {
	switch {
	case b < kib:
		return fmt.Sprintf("%db", b)
	case b < mib:
		return trimFloat(float64(b)/kib) + "kb"
	case b < gib:
		return trimFloat(float64(b)/mib) + "mb"
	}
	return trimFloat(float64(b)/gib) + "gb"
}

func trimFloat(f float64) string {
	return strings.TrimSuffix(fmt.Sprintf("%.1f", f), ".0")
}
