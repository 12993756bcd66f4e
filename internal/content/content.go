package content

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const (
	MaxChatLength     = 2000
	MaxNicknameLength = 32
)

var (
	policy        = bluemonday.UGCPolicy()
	strictPolicy  = bluemonday.StrictPolicy()
	nicknameRegex = regexp.MustCompile(`^[\p{L}\p{N} ._-]+$`)
)

// Sanitize removes unsafe HTML from chat content, keeping basic formatting.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// StripTags removes all markup, for plain-text fields like nicknames.
func StripTags(input string) string {
	return strictPolicy.Sanitize(input)
}

// PrepareChat sanitizes a chat message and checks it is non-empty and not too long.
func PrepareChat(input string) (string, error) {
	text := strings.TrimSpace(Sanitize(input))
	if text == "" {
		return "", errors.New("message cannot be empty")
	}
	if utf8.RuneCountInString(text) > MaxChatLength {
		return "", errors.New("message is too long")
	}
	return text, nil
}

// ValidateNickname checks the nickname is non-empty, at most MaxNicknameLength
// runes and contains only letters, digits, spaces, dots, dashes and underscores.
func ValidateNickname(nickname string) error {
	if strings.TrimSpace(nickname) == "" {
		return errors.New("nickname cannot be empty")
	}
	if utf8.RuneCountInString(nickname) > MaxNicknameLength {
		return errors.New("nickname is too long")
	}
	if !nicknameRegex.MatchString(nickname) {
		return errors.New("nickname contains invalid characters (allowed: letters, digits, space, dot, dash, underscore)")
	}
	return nil
}
