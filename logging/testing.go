package logging

import (
	"strings"

	"go.uber.org/zap/zaptest/observer"
)

// CountContaining returns how many observed entries contain the snippet in their message or
// in any string field.
func CountContaining(logs *observer.ObservedLogs, snippet string) int {
	count := 0
	for _, entry := range logs.All() {
		if strings.Contains(entry.Message, snippet) {
			count++
			continue
		}
		for _, field := range entry.Context {
			if strings.Contains(field.String, snippet) {
				count++
				break
			}
		}
	}
	return count
}
