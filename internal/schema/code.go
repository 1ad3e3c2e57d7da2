package schema

import (
	"regexp"
	"strings"
)

var codeFence = regexp.MustCompile("(?s)```([a-zA-Z0-9_+-]*)[ \t]*\r?\n(.*?)```")

// ExtractCode returns the executable body of a coding or synthesizer
// response. A python-tagged fence wins, then the first fence of any kind,
// then the whole trimmed text. Empty output is a format violation.
func ExtractCode(stage, raw string) (string, error) {
	matches := codeFence.FindAllStringSubmatch(raw, -1)

	var code string
	for _, m := range matches {
		if lang := strings.ToLower(m[1]); lang == "python" || lang == "py" {
			code = m[2]
			break
		}
	}
	if code == "" && len(matches) > 0 {
		code = matches[0][2]
	}
	if code == "" && len(matches) == 0 {
		code = raw
	}

	code = strings.TrimSpace(code)
	if code == "" {
		return "", FormatViolation(stage, "no executable text in output")
	}
	return code + "\n", nil
}
