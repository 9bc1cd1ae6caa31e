package settings

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// parseBytes reads sizes like "512k", "8mb" or "1.5g" with binary multipliers.
// Anything else ("8 MiB", "10MB") is handed to humanize.
func parseBytes(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	num := strings.TrimSuffix(s, "b")
	mult := int64(1)
	if num != "" {
		switch num[len(num)-1] {
		case 'k':
			mult = 1 << 10
		case 'm':
			mult = 1 << 20
		case 'g':
			mult = 1 << 30
		}
		if mult > 1 {
			num = num[:len(num)-1]
		}
	}
	if v, err := strconv.ParseFloat(strings.TrimSpace(num), 64); err == nil {
		if v < 0 {
			return 0, fmt.Errorf("negative size")
		}
		return int64(v * float64(mult)), nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}
