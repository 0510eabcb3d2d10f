package email

import "strings"

// RedactEmail masks an address for logging: "ada@example.org" becomes
// "a***@example.org". Strings without an "@" are masked entirely.
func RedactEmail(email string) string {
	email = strings.TrimSpace(email)
	if email == "" {
		return ""
	}

	local, domain, ok := strings.Cut(email, "@")
	if !ok {
		return "***"
	}
	if local == "" {
		return "***@" + domain
	}
	return local[:1] + "***@" + strings.ToLower(domain)
}
