package security

import "regexp"

const redacted = "[REDACTED]"

type rule struct {
	pattern     *regexp.Regexp
	replacement string
}

// LogSanitizer remove credenciais e tokens antes de persistir logs/auditoria.
// Emails e telefones do perfil ficam mascarados.
type LogSanitizer struct {
	rules []rule
}

func NewLogSanitizer() *LogSanitizer {
	return &LogSanitizer{
		rules: []rule{
			{regexp.MustCompile(`(?i)"(access_?token|refresh_?token|password|confirmPassword|currentPassword|newPassword|code_?verifier|code)"\s*:\s*"[^"]*"`), `"$1":"` + redacted + `"`},
			{regexp.MustCompile(`(?i)bearer\s+[\w\-\.=]+`), redacted},
			{regexp.MustCompile(`eyJ[\w-]+\.[\w-]+\.[\w-]*`), redacted},
			{regexp.MustCompile(`(?i)\b(api[_-]?key|token|secret|password|authorization)\s*[:=]\s*['"]?[\w\-\.]+['"]?`), redacted},
			{regexp.MustCompile(`(?i)(cookie|set-cookie):\s*[^\s;]+`), redacted},
			{regexp.MustCompile(`(?i)"phone"\s*:\s*"[^"]+"`), `"phone":"` + redacted + `"`},
			// ana@example.com -> a***@example.com
			{regexp.MustCompile(`([A-Za-z0-9])[A-Za-z0-9._%+\-]*@([A-Za-z0-9\-]+\.[A-Za-z0-9.\-]+)`), `$1***@$2`},
		},
	}
}

func (s *LogSanitizer) Sanitize(message string) string {
	if s == nil {
		return message
	}

	clean := message
	for _, r := range s.rules {
		clean = r.pattern.ReplaceAllString(clean, r.replacement)
	}
	return clean
}
