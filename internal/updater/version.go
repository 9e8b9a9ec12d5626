package updater

import (
	"strconv"
	"strings"
)

// Newer reports whether latest is a newer version than current. Versions are
// compared numerically segment by segment ("v1.18.10" > "v1.18.9"); any
// pre-release or build suffix is compared as a string. An empty current
// version is always older.
func Newer(current, latest string) bool {
	current, latest = normalize(current), normalize(latest)
	if latest == "" || current == latest {
		return false
	}
	if current == "" {
		return true
	}
	cNum, cRest := splitSuffix(current)
	lNum, lRest := splitSuffix(latest)
	cs, ls := strings.Split(cNum, "."), strings.Split(lNum, ".")
	for i := 0; i < len(cs) || i < len(ls); i++ {
		a, b := segment(cs, i), segment(ls, i)
		if a != b {
			return b > a
		}
	}
	switch {
	case cRest == lRest:
		return false
	case lRest == "":
		// 1.2.0 is newer than 1.2.0-rc1
		return true
	case cRest == "":
		return false
	default:
		return lRest > cRest
	}
}

func normalize(v string) string {
	return strings.TrimPrefix(strings.TrimSpace(v), "v")
}

func splitSuffix(v string) (string, string) {
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		return v[:i], v[i+1:]
	}
	return v, ""
}

func segment(parts []string, i int) int {
	if i >= len(parts) {
		return 0
	}
	n, err := strconv.Atoi(parts[i])
	if err != nil {
		return 0
	}
	return n
}
