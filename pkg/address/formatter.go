package address

import "strings"

// maxSubscriptionNameLength is the broker limit for subscription names.
const maxSubscriptionNameLength = 50

// NameFormatter normalizes entity names before they reach the broker.
type NameFormatter interface {
	FormatQueueName(name string) string
	FormatTopicName(name string) string
	FormatSubscriptionName(name string) string
}

// DefaultFormatter lowercases names and replaces characters the broker does
// not accept with '_'. Service Bus entity names are case-insensitive, so the
// lowercase form is used as the cache key everywhere.
type DefaultFormatter struct{}

var _ NameFormatter = DefaultFormatter{}

func (DefaultFormatter) FormatQueueName(name string) string {
	return sanitize(name, true)
}

func (DefaultFormatter) FormatTopicName(name string) string {
	return sanitize(name, true)
}

// FormatSubscriptionName does not allow '/' and truncates to the broker limit.
func (DefaultFormatter) FormatSubscriptionName(name string) string {
	s := sanitize(name, false)
	if len(s) > maxSubscriptionNameLength {
		s = s[len(s)-maxSubscriptionNameLength:]
	}
	return s
}

func sanitize(name string, allowSlash bool) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == '/' && allowSlash:
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
