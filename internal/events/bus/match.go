package bus

import "strings"

// subjectMatches reports whether subject falls under pattern using NATS
// wildcard rules: * matches exactly one token, > matches one or more
// trailing tokens.
func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

func queueKey(queue, pattern string) string {
	return queue + ":" + pattern
}
